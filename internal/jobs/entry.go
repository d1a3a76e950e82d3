package jobs

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/CZERTAINLY/Hopper/internal/capture"
	"github.com/CZERTAINLY/Hopper/internal/interp"
	"github.com/CZERTAINLY/Hopper/internal/log"
	"github.com/CZERTAINLY/Hopper/internal/model"
	"github.com/CZERTAINLY/Hopper/internal/principal"
)

// stderrTail is the number of trailing stderr lines kept as failure message.
const stderrTail = 20

// Start launches the job entry point as a child of the calling process. It
// is used when no principal switch is needed. The returned channel receives
// the exit error of the job process once.
func (s *Store) Start(ctx context.Context, h model.JobHandle) (<-chan error, error) {
	runner := NewRunner()
	cmd := Command{
		Path: h.EntryPoint.Path,
		Args: h.EntryPoint.Args,
	}
	stderr := func(ctx context.Context, line string) {
		slog.DebugContext(ctx, "job entry point", "stderr", line)
	}
	if err := runner.Start(ctx, cmd, stderr); err != nil {
		return nil, err
	}

	exited := make(chan error, 1)
	go func() {
		res := <-runner.WaitChan()
		exited <- res.Err
		close(exited)
	}()
	return exited, nil
}

// RunEntryPoint parses the entry point arguments (--store, --name) and
// executes the job. It is the body of the hidden _job command.
func RunEntryPoint(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet(EntryCommand, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	storePath := fs.String("store", "", "job store path")
	name := fs.String("name", "", "job name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *storePath == "" || *name == "" {
		return errors.New("both --store and --name are required")
	}

	store, err := Open(ctx, *storePath)
	if err != nil {
		return fmt.Errorf("opening job store: %w", err)
	}
	defer func() {
		_ = store.Close()
	}()
	if err := leadGroup(); err != nil {
		slog.DebugContext(ctx, "job entry point stays in the parent process group", "error", err)
	}
	return Execute(ctx, store, *name)
}

// Execute runs a registered job in the current process: it marks the job
// running, rehydrates the captured bindings, runs the work item and stores
// its outcome.
func Execute(ctx context.Context, store *Store, name string) error {
	ctx = log.ContextAttrs(ctx, slog.String("job", name))
	def, err := store.Definition(ctx, name)
	if err != nil {
		return fmt.Errorf("loading job %s: %w", name, err)
	}

	who := principal.Current()
	if err := store.MarkRunning(ctx, name, os.Getpid(), who); err != nil {
		return fmt.Errorf("marking job %s running: %w", name, err)
	}
	slog.DebugContext(ctx, "job running", "principal", who)

	outcome := run(ctx, def)
	if err := store.Finish(ctx, name, outcome); err != nil {
		return fmt.Errorf("finishing job %s: %w", name, err)
	}
	slog.DebugContext(ctx, "job finished", "failed", outcome.Failed, "exit_code", outcome.ExitCode)
	return nil
}

func run(ctx context.Context, def model.JobDefinition) Outcome {
	if err := checkBinding(def); err != nil {
		return failed(err)
	}
	in, err := interp.Lookup(def.Work.Interpreter)
	if err != nil {
		return failed(err)
	}
	bindings, err := capture.Env(def.Bindings)
	if err != nil {
		return failed(err)
	}

	env := os.Environ()
	env = append(env, bindings...)
	env = append(env, interp.ArgsEnv(def.Work.Args)...)
	cmd := Command{
		Path:    in.Path,
		Args:    in.Command(def.Work.Body, def.Work.Args),
		Env:     env,
		Timeout: def.Timeout,
	}

	var tail []string
	stderr := func(_ context.Context, line string) {
		tail = append(tail, line)
		if len(tail) > stderrTail {
			tail = tail[1:]
		}
	}

	runner := NewRunner()
	if err := runner.Start(ctx, cmd, stderr); err != nil {
		return failed(err)
	}
	res := <-runner.WaitChan()

	outcome := Outcome{
		Records: records(res.Stdout.String()),
	}
	if res.Err == nil {
		return outcome
	}

	outcome.Failed = true
	outcome.ExitCode = -1
	var exitErr *exec.ExitError
	if errors.As(res.Err, &exitErr) {
		outcome.ExitCode = exitErr.ExitCode()
	}
	outcome.Failure = strings.Join(tail, "\n")
	if outcome.Failure == "" {
		outcome.Failure = res.Err.Error()
	}
	return outcome
}

// checkBinding refuses to run a job under another principal or with fewer
// rights than were bound on it.
func checkBinding(def model.JobDefinition) error {
	if def.Principal != "" && !principal.Is(def.Principal) {
		return fmt.Errorf("job is bound to %s but runs as %s", def.Principal, principal.Name())
	}
	if def.Elevated && !principal.Elevated() {
		return fmt.Errorf("job requires elevation but %s runs without administrative rights", principal.Name())
	}
	return nil
}

func failed(err error) Outcome {
	return Outcome{Failed: true, Failure: err.Error(), ExitCode: -1}
}

func records(stdout string) []string {
	stdout = strings.TrimRight(stdout, "\r\n")
	if stdout == "" {
		return []string{}
	}
	lines := strings.Split(stdout, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}
