package jobs_test

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/Hopper/internal/jobs"
	"github.com/stretchr/testify/require"
)

func TestRunner(t *testing.T) {
	t.Parallel()
	yes, err := exec.LookPath("yes")
	if err != nil {
		t.Skipf("skipped, binary yes not available: %v", err)
	}

	runner := jobs.NewRunner()
	t.Cleanup(runner.Close)
	t.Run("not yet started", func(t *testing.T) {
		res := runner.Result()
		require.ErrorIs(t, res.Err, jobs.ErrNotStarted)
	})

	cmd := jobs.Command{
		Path:    yes,
		Args:    []string{"golang"},
		Env:     []string{"LC_ALL=C"},
		Timeout: 100 * time.Millisecond,
	}
	ctx := t.Context()

	t.Run("start", func(t *testing.T) {
		err = runner.Start(ctx, cmd, nil)
		require.NoError(t, err)
		res := runner.Result()
		require.NoError(t, res.Err)
	})
	t.Run("in progress", func(t *testing.T) {
		err = runner.Start(ctx, cmd, nil)
		require.ErrorIs(t, err, jobs.ErrInProgress)
	})
	t.Run("wait", func(t *testing.T) {
		res := <-runner.WaitChan()
		require.Equal(t, yes, res.Path)
		require.Equal(t, []string{"golang"}, res.Args)
		require.NotZero(t, res.Started)
		require.NotZero(t, res.Stopped)
		require.GreaterOrEqual(t, res.Stopped.Sub(res.Started), 100*time.Millisecond)
		var exitErr *exec.ExitError
		require.ErrorAs(t, res.Err, &exitErr)

		require.Greater(t, res.Stdout.Len(), 1024)
		require.True(t, strings.HasPrefix(
			string(res.Stdout.Bytes()[:256]),
			"golang\ngolang\n",
		))
	})
	t.Run("wait after exit", func(t *testing.T) {
		res := <-runner.WaitChan()
		require.Equal(t, yes, res.Path)
		require.Error(t, res.Err)
	})
	t.Run("exec error", func(t *testing.T) {
		noCmd := jobs.Command{
			Path: "does not exist",
		}
		err := runner.Start(ctx, noCmd, nil)
		var execErr *exec.Error
		require.ErrorAs(t, err, &execErr)
		require.Equal(t, noCmd.Path, execErr.Name)
		res := <-runner.WaitChan()
		require.ErrorAs(t, res.Err, &execErr)
	})
}

func TestStderr(t *testing.T) {
	t.Parallel()
	requireSh(t)

	cmd := jobs.Command{
		Path: "sh",
		Args: []string{"-c", "echo stdout; printf 'stderr\\nstderr\\nlast' 1>&2"},
	}

	var stderr []string
	handle := func(_ context.Context, line string) {
		stderr = append(stderr, line)
	}

	runner := jobs.NewRunner()
	t.Cleanup(runner.Close)
	err := runner.Start(t.Context(), cmd, handle)
	require.NoError(t, err)
	res := <-runner.WaitChan()
	require.NoError(t, res.Err)
	require.Equal(t, "stdout\n", res.Stdout.String())
	require.Equal(t, []string{"stderr", "stderr", "last"}, stderr)
}
