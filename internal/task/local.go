package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/Hopper/internal/log"
	"github.com/CZERTAINLY/Hopper/internal/model"
)

// never is the interval of registered tasks, they only fire through Start.
const never = 100 * 365 * 24 * time.Hour

// Local is a task scheduler living in the calling process. Each task is a
// one-shot gocron job, its run launches the action through a Launcher and
// leaves the process detached.
type Local struct {
	scheduler gocron.Scheduler
	launcher  Launcher

	mx      sync.Mutex
	tasks   map[string]*localTask
	running map[*exec.Cmd]struct{}

	wg sync.WaitGroup
}

type localTask struct {
	def      Definition
	job      gocron.Job
	started  bool
	launched chan error
}

func NewLocal(launcher Launcher) (*Local, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	s.Start()
	return &Local{
		scheduler: s,
		launcher:  launcher,
		tasks:     make(map[string]*localTask),
		running:   make(map[*exec.Cmd]struct{}),
	}, nil
}

func (l *Local) Register(ctx context.Context, def Definition) (model.TaskHandle, error) {
	if err := def.validate(); err != nil {
		return model.TaskHandle{}, err
	}
	// a principal the launcher cannot serve fails here, not in the run
	if _, err := l.launcher.Command(ctx, def); err != nil {
		return model.TaskHandle{}, err
	}

	l.mx.Lock()
	defer l.mx.Unlock()
	if _, ok := l.tasks[def.Name]; ok {
		return model.TaskHandle{}, fmt.Errorf("%s: %w", def.Name, ErrExists)
	}

	t := &localTask{
		def:      def,
		launched: make(chan error, 1),
	}
	ctx = log.ContextAttrs(context.WithoutCancel(ctx), slog.String("task", def.Name))
	job, err := l.scheduler.NewJob(
		gocron.DurationJob(never),
		gocron.NewTask(func() {
			t.launched <- l.launch(ctx, def)
		}),
		gocron.WithName(def.Name),
	)
	if err != nil {
		return model.TaskHandle{}, fmt.Errorf("initializing gocron job: %w", err)
	}
	t.job = job
	l.tasks[def.Name] = t
	slog.DebugContext(ctx, "task registered", "principal", def.Principal.UserID, "logon", def.Principal.Logon, "run_level", def.Principal.RunLevel)
	return def.handle(), nil
}

// Start runs the task now and returns once its action was launched.
func (l *Local) Start(ctx context.Context, h model.TaskHandle) error {
	l.mx.Lock()
	t, ok := l.tasks[h.Name]
	switch {
	case !ok:
		l.mx.Unlock()
		return fmt.Errorf("%s: %w", h.Name, ErrNotFound)
	case t.started:
		l.mx.Unlock()
		return fmt.Errorf("%s: %w", h.Name, ErrAlreadyStarted)
	}
	t.started = true
	l.mx.Unlock()

	if err := t.job.RunNow(); err != nil {
		return fmt.Errorf("running gocron job %s: %w", h.Name, err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-t.launched:
		return err
	}
}

func (l *Local) launch(ctx context.Context, def Definition) error {
	cmd, err := l.launcher.Command(ctx, def)
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launching %s: %w", def.Action.Path, err)
	}
	slog.DebugContext(ctx, "task action launched", "pid", cmd.Process.Pid)
	l.mx.Lock()
	l.running[cmd] = struct{}{}
	l.mx.Unlock()
	l.wg.Go(func() {
		reap(ctx, cmd)
		l.mx.Lock()
		delete(l.running, cmd)
		l.mx.Unlock()
	})
	return nil
}

func reap(ctx context.Context, cmd *exec.Cmd) {
	err := cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		slog.DebugContext(ctx, "task action exited", "exit_code", exitErr.ExitCode())
	case err != nil:
		slog.DebugContext(ctx, "task action wait failed", "error", err)
	default:
		slog.DebugContext(ctx, "task action exited", "exit_code", 0)
	}
}

// Unregister removes the task. A launched action keeps running.
func (l *Local) Unregister(_ context.Context, h model.TaskHandle) error {
	l.mx.Lock()
	defer l.mx.Unlock()
	t, ok := l.tasks[h.Name]
	if !ok {
		return fmt.Errorf("%s: %w", h.Name, ErrNotFound)
	}
	delete(l.tasks, h.Name)
	err := l.scheduler.RemoveJob(t.job.ID())
	if err != nil && !errors.Is(err, gocron.ErrJobNotFound) {
		return fmt.Errorf("removing gocron job %s: %w", h.Name, err)
	}
	return nil
}

// Names lists registered tasks.
func (l *Local) Names() []string {
	l.mx.Lock()
	defer l.mx.Unlock()
	ret := make([]string, 0, len(l.tasks))
	for name := range l.tasks {
		ret = append(ret, name)
	}
	return ret
}

// Close shuts the scheduler down. Actions still running are killed with
// their process group.
func (l *Local) Close() error {
	err := l.scheduler.Shutdown()
	l.mx.Lock()
	for cmd := range l.running {
		terminate(cmd)
	}
	l.mx.Unlock()
	l.wg.Wait()
	return err
}
