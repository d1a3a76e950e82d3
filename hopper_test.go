package hopper_test

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	hopperPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("hopper-ci") {
		slog.Warn("cannot locate hopper-ci binary, integration tests are ignored: run go build -race -cover -covermode=atomic -o hopper-ci ./cmd/hopper/ first")
		os.Exit(0)
	}

	var err error
	hopperPath, err = filepath.Abs("hopper-ci")
	if err != nil {
		slog.Error("can't get abspath for hopper-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for hopper-ci", "error", err)
		os.Exit(1)
	}
	err = rmRfMkdirp(coverDir)
	if err != nil {
		slog.Error("can't reset GOCOVERDIR for hopper-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}

	err = os.Setenv("GOCOVERDIR", coverDir)
	if err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func TestHopper(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell scenarios")
	}
	dir := chDir(t)

	config := fmt.Sprintf(`
version: 0
jobs:
    store: %q
    interpreter: sh
    poll_interval: 50ms
    materialize_timeout: 30s
scheduler:
    backend: gocron
    launcher: direct
service:
    verbose: true
`, filepath.Join(dir, "jobs.db"))
	creat(t, "hopper.yaml", []byte(config))

	var testCases = []struct {
		scenario string
		args     []string
		then     string
	}{
		{
			scenario: "caller",
			args:     []string{"echo $((2+2))"},
			then:     "4\n",
		},
		{
			scenario: "using",
			args:     []string{"--using", "limit=10", "test $using:limit -gt 5 && echo over"},
			then:     "over\n",
		},
		{
			scenario: "arguments",
			args:     []string{`echo "$1"; echo "$2"`, "first", "second"},
			then:     "first\nsecond\n",
		},
		{
			scenario: "localhost fan-out",
			args:     []string{"--host", "localhost", "echo $((6*7))"},
			then:     "localhost\t42\n",
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			stdout, stderr, err := hopper(t, append([]string{"invoke", "--config", "hopper.yaml"}, tt.args...)...)
			if err != nil {
				t.Logf("%s", stderr)
				require.NoError(t, err)
			}
			require.Equal(t, tt.then, stdout)
		})
	}
}

func TestHopperSystem(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell scenarios")
	}
	dir := chDir(t)
	config := fmt.Sprintf(`
version: 0
jobs:
    store: %q
    interpreter: sh
scheduler:
    backend: gocron
    launcher: direct
`, filepath.Join(dir, "jobs.db"))
	creat(t, "hopper.yaml", []byte(config))

	stdout, stderr, err := hopper(t, "invoke", "--config", "hopper.yaml", "--system", "id -u")
	if os.Geteuid() == 0 {
		if err != nil {
			t.Logf("%s", stderr)
			require.NoError(t, err)
		}
		require.Equal(t, "0\n", stdout)
		return
	}
	// the direct launcher cannot become the system account
	require.Error(t, err)
	require.Empty(t, stdout)
	require.Contains(t, stderr, "principal not supported by scheduler")
}

func TestHopperFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell scenarios")
	}
	dir := chDir(t)
	config := fmt.Sprintf(`
version: 0
jobs:
    store: %q
    interpreter: sh
`, filepath.Join(dir, "jobs.db"))
	creat(t, "hopper.yaml", []byte(config))

	_, stderr, err := hopper(t, "invoke", "--config", "hopper.yaml", "echo oops >&2; exit 3")
	require.Error(t, err)
	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr))
	require.Equal(t, 3, exitErr.ExitCode())
	require.Contains(t, stderr, "oops")

	_, _, err = hopper(t, "invoke", "--config", "hopper.yaml", "--using", "x=1", "echo $using:missing")
	require.Error(t, err)
	require.True(t, errors.As(err, &exitErr))
	require.Equal(t, 1, exitErr.ExitCode())
}

func TestVersion(t *testing.T) {
	_ = chDir(t)
	creat(t, "hopper.yaml", []byte("version: 0\n"))
	stdout, _, err := hopper(t, "version", "--config", "hopper.yaml")
	require.NoError(t, err)
	require.Contains(t, stdout, "config: hopper.yaml")
	require.Contains(t, stdout, "go:")
}

func hopper(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, hopperPath, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func chDir(t *testing.T) string {
	t.Helper()
	tempdir := tmpDir(t)
	t.Chdir(tempdir)
	return tempdir
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}
