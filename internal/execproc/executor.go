// Package execproc is the default core.Executor, running each result as an
// OS subprocess under the workunit's command line and application files,
// a process-per-task model isolated behind the same
// subprocess-failure-never-panics boundary core.SubprocessProbe applies
// to resource detection.
package execproc

import (
	"context"
	"strings"
	"sync"
	"syscall"
	"time"

	"os/exec"

	"github.com/jontk/boinc-corekeeper/internal/core"
	corekeepererrors "github.com/jontk/boinc-corekeeper/pkg/errors"
	"github.com/jontk/boinc-corekeeper/pkg/logging"
)

// task tracks one running or just-finished subprocess.
type task struct {
	cmd       *exec.Cmd
	started   time.Time
	mu        sync.Mutex
	finished  bool
	exitedOK  bool
	crashed   bool
	waitedFor time.Duration
}

// Executor runs results as subprocesses. It holds the entity graph to
// resolve a result's workunit (command line, input files) since
// core.Executor's interface only carries the result and app version; a
// driver wiring a concrete Executor is expected to share the same Graph
// the Context uses.
type Executor struct {
	Graph *core.Graph

	// WorkDir returns the directory a result's subprocess runs in. If nil,
	// subprocesses run in the corekeeperd process's own working directory.
	WorkDir func(r *core.Result) string

	Logger logging.Logger

	mu    sync.Mutex
	tasks map[core.ResultHandle]*task
}

// New returns an Executor driven by g.
func New(g *core.Graph, workDir func(r *core.Result) string, logger logging.Logger) *Executor {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Executor{
		Graph:   g,
		WorkDir: workDir,
		Logger:  logger,
		tasks:   make(map[core.ResultHandle]*task),
	}
}

// Start launches the result's workunit command line as a subprocess.
func (e *Executor) Start(ctx context.Context, r *core.Result, av *core.AppVersion) error {
	wu := e.Graph.Workunit(r.Workunit)
	if wu == nil {
		return corekeepererrors.NewCoreError(corekeepererrors.ErrorCodeResourceNotFound, "start: workunit not found for result "+r.Name)
	}
	argv := strings.Fields(wu.CommandLine)
	if len(argv) == 0 {
		return corekeepererrors.NewCoreError(corekeepererrors.ErrorCodeInvalidRequest, "start: workunit "+wu.Name+" has no command line")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if e.WorkDir != nil {
		cmd.Dir = e.WorkDir(r)
	}
	if err := cmd.Start(); err != nil {
		return corekeepererrors.NewSubprocessError("start application process", wu.CommandLine, -1, err)
	}

	t := &task{cmd: cmd, started: time.Now()}
	e.mu.Lock()
	e.tasks[r.Handle] = t
	e.mu.Unlock()

	go e.wait(r.Handle, t)

	e.Logger.Info("started result process", "result", r.Name, "pid", cmd.Process.Pid)
	return nil
}

func (e *Executor) wait(h core.ResultHandle, t *task) {
	err := t.cmd.Wait()
	t.mu.Lock()
	t.finished = true
	if t.cmd.ProcessState != nil {
		t.waitedFor = t.cmd.ProcessState.UserTime() + t.cmd.ProcessState.SystemTime()
	}
	if err == nil {
		t.exitedOK = true
	} else {
		t.crashed = true
	}
	t.mu.Unlock()
}

// Suspend sends SIGSTOP to the tracked process.
func (e *Executor) Suspend(ctx context.Context, r *core.Result) error {
	return e.signal(r, syscall.SIGSTOP)
}

// Resume sends SIGCONT to the tracked process.
func (e *Executor) Resume(ctx context.Context, r *core.Result) error {
	return e.signal(r, syscall.SIGCONT)
}

// Abort kills the tracked process outright.
func (e *Executor) Abort(ctx context.Context, r *core.Result) error {
	e.mu.Lock()
	t, ok := e.tasks[r.Handle]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	if t.cmd.Process == nil {
		return nil
	}
	if err := t.cmd.Process.Kill(); err != nil {
		return corekeepererrors.WrapError(err)
	}
	return nil
}

func (e *Executor) signal(r *core.Result, sig syscall.Signal) error {
	e.mu.Lock()
	t, ok := e.tasks[r.Handle]
	e.mu.Unlock()
	if !ok || t.cmd.Process == nil {
		return corekeepererrors.NewCoreError(corekeepererrors.ErrorCodeResourceNotFound, "no tracked process for result "+r.Name)
	}
	if err := t.cmd.Process.Signal(sig); err != nil {
		return corekeepererrors.WrapError(err)
	}
	return nil
}

// Poll reports every tracked task's current elapsed/CPU time, dropping
// finished tasks once reported so Context.Tick's FoldExecutorStatus only
// sees a completion once.
func (e *Executor) Poll(ctx context.Context) ([]core.ExecutorStatus, error) {
	e.mu.Lock()
	handles := make([]core.ResultHandle, 0, len(e.tasks))
	for h := range e.tasks {
		handles = append(handles, h)
	}
	e.mu.Unlock()

	out := make([]core.ExecutorStatus, 0, len(handles))
	for _, h := range handles {
		e.mu.Lock()
		t := e.tasks[h]
		e.mu.Unlock()

		t.mu.Lock()
		elapsed := time.Since(t.started)
		// CPUTimeSecs only becomes accurate once the process exits and
		// ProcessState reports rusage; a still-running task reports 0.
		status := core.ExecutorStatus{
			Result:      h,
			ElapsedSecs: elapsed.Seconds(),
			CPUTimeSecs: t.waitedFor.Seconds(),
			Finished:    t.finished,
			ExitedCleanly: t.exitedOK,
			Crashed:     t.crashed,
		}
		finished := t.finished
		t.mu.Unlock()

		out = append(out, status)
		if finished {
			e.mu.Lock()
			delete(e.tasks, h)
			e.mu.Unlock()
		}
	}
	return out, nil
}

var _ core.Executor = (*Executor)(nil)
