package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/CZERTAINLY/Hopper/internal/model"
)

// Phase is the state of the result collector.
type Phase int

const (
	WaitingForJobProcess Phase = iota
	JobRunning
	JobComplete
)

func (p Phase) String() string {
	switch p {
	case WaitingForJobProcess:
		return "waiting_for_job_process"
	case JobRunning:
		return "job_running"
	case JobComplete:
		return "job_complete"
	default:
		return "unknown"
	}
}

// collect polls the job until it is complete and drains its output.
// exited is nil when the job was started by a task.
func (b *Broker) collect(ctx context.Context, name string, exited <-chan error) (model.Result, error) {
	phase := WaitingForJobProcess
	b.observe(ctx, name, phase)

	var deadline <-chan time.Time
	if b.opts.MaterializeTimeout > 0 {
		timer := time.NewTimer(b.opts.MaterializeTimeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()

	for {
		status, err := b.jobs.Status(ctx, name)
		if err != nil {
			return model.Result{}, fmt.Errorf("polling job %s: %w", name, err)
		}

		switch {
		case status.State.Terminal():
			b.observe(ctx, name, JobComplete)
			slog.DebugContext(ctx, "job complete", "state", status.State, "principal", status.Principal)
			return b.jobs.Drain(ctx, name)
		case status.State == model.JobRunning && phase == WaitingForJobProcess:
			phase = JobRunning
			deadline = nil
			b.observe(ctx, name, phase)
			slog.DebugContext(ctx, "job running", "pid", status.PID, "principal", status.Principal)
		}

		select {
		case <-ctx.Done():
			return model.Result{}, ctx.Err()
		case <-deadline:
			return model.Result{}, fmt.Errorf("%w: job %s did not start within %s, check that its principal can run the entry point and open the job store", model.ErrMaterializationTimeout, name, b.opts.MaterializeTimeout)
		case err := <-exited:
			exited = nil
			if ctx.Err() != nil {
				return model.Result{}, ctx.Err()
			}
			status, serr := b.jobs.Status(ctx, name)
			if serr == nil && status.State.Terminal() {
				b.observe(ctx, name, JobComplete)
				return b.jobs.Drain(ctx, name)
			}
			return model.Result{}, vanished(err)
		case <-ticker.C:
		}
	}
}

// vanished reports a job process which exited without storing an outcome.
func vanished(err error) error {
	ret := &model.ExecutionError{
		Message:  "job process exited without reporting an outcome",
		ExitCode: -1,
	}
	if err == nil {
		ret.ExitCode = 0
		return ret
	}
	ret.Message += ": " + err.Error()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		ret.ExitCode = exitErr.ExitCode()
	}
	return ret
}
