package core

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"time"

	"github.com/jontk/boinc-corekeeper/pkg/logging"
)

// SubprocessProbe isolates a ResourceProbe implementation in a child
// process so that a native-library crash (signal handlers / setjmp-longjmp
// territory in the original C++ client) never reaches the core. The child
// is expected to write one JSON-encoded ResourceDescriptor to stdout and
// exit zero; any other outcome (non-zero exit, malformed JSON, timeout) is
// treated as "no devices of that vendor".
type SubprocessProbe struct {
	// Command builds the argv for probing the given vendor, e.g.
	// []string{"/usr/libexec/corekeeper-probe", "--vendor", "nvidia"}.
	Command func(kind ResourceKind) []string
	Timeout time.Duration
	Logger  logging.Logger
}

// NewSubprocessProbe creates a probe with a default five second timeout.
func NewSubprocessProbe(command func(kind ResourceKind) []string, logger logging.Logger) *SubprocessProbe {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &SubprocessProbe{Command: command, Timeout: 5 * time.Second, Logger: logger}
}

// Detect runs the child process and parses its output. Any failure of the
// child (abnormal termination, timeout, malformed output) yields an empty
// descriptor and a nil error: the vendor simply has no usable devices this
// tick.
func (p *SubprocessProbe) Detect(kind ResourceKind) (ResourceDescriptor, error) {
	argv := p.Command(kind)
	if len(argv) == 0 {
		return ResourceDescriptor{Kind: kind}, nil
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		p.Logger.Warn("resource probe subprocess failed, treating as no devices",
			"vendor", kind.String(), "error", err.Error(), "stderr", stderr.String())
		return ResourceDescriptor{Kind: kind}, nil
	}

	var desc ResourceDescriptor
	if err := json.Unmarshal(stdout.Bytes(), &desc); err != nil {
		p.Logger.Warn("resource probe subprocess produced malformed output, treating as no devices",
			"vendor", kind.String(), "error", err.Error())
		return ResourceDescriptor{Kind: kind}, nil
	}
	desc.Kind = kind
	return desc, nil
}

// NoDevicesProbe is a ResourceProbe that always reports no devices; used
// in tests and on hosts with no vendor tooling installed.
type NoDevicesProbe struct{}

func (NoDevicesProbe) Detect(kind ResourceKind) (ResourceDescriptor, error) {
	return ResourceDescriptor{Kind: kind}, nil
}
