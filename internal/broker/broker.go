package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/Hopper/internal/capture"
	"github.com/CZERTAINLY/Hopper/internal/interp"
	"github.com/CZERTAINLY/Hopper/internal/jobs"
	"github.com/CZERTAINLY/Hopper/internal/log"
	"github.com/CZERTAINLY/Hopper/internal/model"
	"github.com/CZERTAINLY/Hopper/internal/principal"
	"github.com/CZERTAINLY/Hopper/internal/task"
)

// Jobs is the host job subsystem.
type Jobs interface {
	Register(ctx context.Context, def model.JobDefinition) (model.JobHandle, error)
	// Start launches the job as a child of the caller. The channel receives
	// the exit of the job process.
	Start(ctx context.Context, h model.JobHandle) (<-chan error, error)
	Status(ctx context.Context, name string) (model.JobStatus, error)
	Drain(ctx context.Context, name string) (model.Result, error)
	Unregister(ctx context.Context, name string) error
}

// Tasks is the host task scheduler.
type Tasks interface {
	Register(ctx context.Context, def task.Definition) (model.TaskHandle, error)
	Start(ctx context.Context, h model.TaskHandle) error
	Unregister(ctx context.Context, h model.TaskHandle) error
}

type Options struct {
	// Interpreter is used for work items without one.
	Interpreter        string
	PollInterval       time.Duration
	MaterializeTimeout time.Duration // zero waits forever
	CleanupTimeout     time.Duration
	JobTimeout         time.Duration // zero means no limit
}

// OptionsFrom reads the jobs section of the configuration.
func OptionsFrom(cfg *model.Jobs) (Options, error) {
	if cfg == nil {
		cfg = &model.Jobs{}
	}
	var err error
	opts := Options{
		Interpreter: model.Get(cfg.Interpreter, ""),
	}
	if opts.PollInterval, err = model.ParseDuration(cfg.PollInterval, model.DefaultPollInterval); err != nil {
		return Options{}, fmt.Errorf("parsing jobs.poll_interval: %w", err)
	}
	if opts.MaterializeTimeout, err = model.ParseDuration(cfg.MaterializeTimeout, model.DefaultMaterializeTimeout); err != nil {
		return Options{}, fmt.Errorf("parsing jobs.materialize_timeout: %w", err)
	}
	if opts.CleanupTimeout, err = model.ParseDuration(cfg.CleanupTimeout, model.DefaultCleanupTimeout); err != nil {
		return Options{}, fmt.Errorf("parsing jobs.cleanup_timeout: %w", err)
	}
	if opts.JobTimeout, err = model.ParseDuration(cfg.Timeout, 0); err != nil {
		return Options{}, fmt.Errorf("parsing jobs.timeout: %w", err)
	}
	return opts, nil
}

type Broker struct {
	jobs    Jobs
	tasks   Tasks
	opts    Options
	observe func(ctx context.Context, job string, phase Phase)
}

// New returns a broker. tasks may be nil, then only CallerDefault identities
// can be served.
func New(jobs Jobs, tasks Tasks, opts Options) *Broker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = model.DefaultPollInterval
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = model.DefaultCleanupTimeout
	}
	return &Broker{
		jobs:    jobs,
		tasks:   tasks,
		opts:    opts,
		observe: func(context.Context, string, Phase) {},
	}
}

// WithObserver registers a function called on every collector phase change.
// This method exists for a unit testing only.
func (b *Broker) WithObserver(fn func(ctx context.Context, job string, phase Phase)) *Broker {
	b.observe = fn
	return b
}

// Invoke executes req and returns the drained output of the job.
func (b *Broker) Invoke(ctx context.Context, req model.Request) (model.Result, error) {
	id := req.Identity
	if err := id.Validate(); err != nil {
		return model.Result{}, fmt.Errorf("%w: %w", model.ErrRegistration, err)
	}
	// the caller's own rights are all a direct start can offer
	if !id.NeedsTask() && id.Elevated && !principal.Elevated() {
		return model.Result{}, fmt.Errorf("%w: elevation requested but %s runs without administrative rights", model.ErrRegistration, principal.Name())
	}
	if id.NeedsTask() && b.tasks == nil {
		return model.Result{}, fmt.Errorf("%w: no task scheduler for identity %s", model.ErrRegistration, id)
	}

	work := req.Work
	if work.Interpreter == "" {
		work.Interpreter = b.opts.Interpreter
	}
	in, err := interp.Lookup(work.Interpreter)
	if err != nil {
		return model.Result{}, fmt.Errorf("%w: %w", model.ErrRegistration, err)
	}
	work.Interpreter = in.Name

	work, bindings, err := capture.Capture(work, req.Using, in)
	if err != nil {
		return model.Result{}, err
	}

	def := model.JobDefinition{
		Name:     jobs.NewName(),
		Work:     work,
		Bindings: bindings,
		Elevated: id.Elevated,
		Timeout:  b.opts.JobTimeout,
	}
	if id.Kind == model.ExplicitCredential {
		def.Principal = id.Principal
	}
	ctx = log.ContextAttrs(ctx, slog.String("job", def.Name))

	jh, err := b.jobs.Register(ctx, def)
	if err != nil {
		return model.Result{}, fmt.Errorf("%w: %w", model.ErrRegistration, err)
	}
	slog.DebugContext(ctx, "job registered", "identity", id.String(), "bindings", len(bindings))

	var th *model.TaskHandle
	defer func() {
		b.cleanup(ctx, jh, th)
	}()

	var exited <-chan error
	if id.NeedsTask() {
		th, err = b.escalate(ctx, id, jh)
		if err != nil {
			return model.Result{}, err
		}
	} else {
		exited, err = b.jobs.Start(ctx, jh)
		if err != nil {
			return model.Result{}, fmt.Errorf("%w: %w", model.ErrStart, err)
		}
	}

	return b.collect(ctx, jh.Name, exited)
}

// escalate registers a task running the job entry point as id and starts it.
// The returned handle is non-nil once the task exists.
func (b *Broker) escalate(ctx context.Context, id model.Identity, jh model.JobHandle) (*model.TaskHandle, error) {
	p, err := task.PrincipalFor(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrRegistration, err)
	}
	th, err := b.tasks.Register(ctx, task.Definition{
		Name:      task.NewName(),
		Action:    jh.EntryPoint,
		Principal: p,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrRegistration, err)
	}
	slog.DebugContext(ctx, "task registered", "task", th.Name, "principal", th.UserID, "logon", th.Logon, "run_level", th.RunLevel)

	if err := b.tasks.Start(ctx, th); err != nil {
		return &th, fmt.Errorf("%w: %w", model.ErrStart, err)
	}
	return &th, nil
}

// cleanup unregisters the task and then the job. It runs detached from the
// caller's cancellation, failures are logged and dropped.
func (b *Broker) cleanup(ctx context.Context, jh model.JobHandle, th *model.TaskHandle) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.opts.CleanupTimeout)
	defer cancel()

	var errs []error
	if th != nil {
		if err := b.tasks.Unregister(ctx, *th); err != nil {
			errs = append(errs, fmt.Errorf("unregistering task %s: %w", th.Name, err))
		}
	}
	if err := b.jobs.Unregister(ctx, jh.Name); err != nil {
		errs = append(errs, fmt.Errorf("unregistering job %s: %w", jh.Name, err))
	}
	if err := errors.Join(errs...); err != nil {
		slog.DebugContext(ctx, "cleanup failed", "error", err)
		return
	}
	slog.DebugContext(ctx, "cleanup done")
}
