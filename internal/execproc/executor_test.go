package execproc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/boinc-corekeeper/internal/core"
)

func setupResult(t *testing.T, cmdline string) (*core.Graph, *core.Result, *core.AppVersion) {
	t.Helper()
	g := core.NewGraph()
	p, err := g.AttachProject("https://alpha.example/", "Alpha", 100)
	require.NoError(t, err)
	a := g.UpsertApp(p, "sim", false, false, 0)
	av := g.UpsertAppVersion(p, a, 1, "x86_64-pc-linux-gnu", "", 1)
	wu, err := g.AddWorkunit(p, a, "wu_1", cmdline, 1e6, 1e6, 0, 0)
	require.NoError(t, err)
	r, err := g.AddResult(p, wu, av, "wu_1_0", time.Now().Add(time.Hour))
	require.NoError(t, err)
	return g, r, av
}

func TestExecutorStartAndPollCompletion(t *testing.T) {
	g, r, av := setupResult(t, "/bin/true")
	ex := New(g, nil, nil)

	require.NoError(t, ex.Start(context.Background(), r, av))

	require.Eventually(t, func() bool {
		statuses, err := ex.Poll(context.Background())
		require.NoError(t, err)
		for _, s := range statuses {
			if s.Result == r.Handle && s.Finished {
				assert.True(t, s.ExitedCleanly)
				assert.False(t, s.Crashed)
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecutorStartCrashReported(t *testing.T) {
	g, r, av := setupResult(t, "/bin/false")
	ex := New(g, nil, nil)

	require.NoError(t, ex.Start(context.Background(), r, av))

	require.Eventually(t, func() bool {
		statuses, err := ex.Poll(context.Background())
		require.NoError(t, err)
		for _, s := range statuses {
			if s.Result == r.Handle && s.Finished {
				assert.True(t, s.Crashed)
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecutorAbortKillsProcess(t *testing.T) {
	g, r, av := setupResult(t, "/bin/sleep 5")
	ex := New(g, nil, nil)

	require.NoError(t, ex.Start(context.Background(), r, av))
	require.NoError(t, ex.Abort(context.Background(), r))

	require.Eventually(t, func() bool {
		statuses, err := ex.Poll(context.Background())
		require.NoError(t, err)
		for _, s := range statuses {
			if s.Result == r.Handle && s.Finished {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecutorStartMissingWorkunitCommandLine(t *testing.T) {
	g, r, av := setupResult(t, "")
	ex := New(g, nil, nil)

	err := ex.Start(context.Background(), r, av)
	require.Error(t, err)
}

func TestExecutorImplementsCoreExecutor(t *testing.T) {
	var _ core.Executor = (*Executor)(nil)
}
