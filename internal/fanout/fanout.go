// Package fanout runs the same request on many hosts with bounded
// concurrency. Hosts are independent: one host failing never hides the
// result of another one and no order between hosts is guaranteed.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/CZERTAINLY/Hopper/internal/log"
	"github.com/CZERTAINLY/Hopper/internal/model"
	"github.com/CZERTAINLY/Hopper/internal/parallel"

	"github.com/google/uuid"
)

const NamePrefix = "hopper-fanout-"

// Transport runs the whole pipeline for req on host.
type Transport interface {
	Execute(ctx context.Context, host string, req model.Request) (model.Result, error)
}

// HostResult is the outcome of one host. Err is nil on success.
type HostResult struct {
	Host   string
	Result model.Result
	Err    error
}

type Dispatcher struct {
	transport     Transport
	throttleLimit int
}

// New returns a dispatcher running at most throttleLimit hosts at once. A
// limit below 1 means model.DefaultThrottleLimit.
func New(transport Transport, throttleLimit int) *Dispatcher {
	if throttleLimit < 1 {
		throttleLimit = model.DefaultThrottleLimit
	}
	return &Dispatcher{
		transport:     transport,
		throttleLimit: throttleLimit,
	}
}

type target struct {
	idx  int
	host string
}

type done struct {
	idx int
	res HostResult
}

// Dispatch runs req on every host and returns the results in the order of
// hosts. A host not reached before ctx ends reports the context error.
func (d *Dispatcher) Dispatch(ctx context.Context, hosts []string, req model.Request) []HostResult {
	targets := make([]target, len(hosts))
	for i, h := range hosts {
		targets[i] = target{idx: i, host: h}
	}

	run := func(ctx context.Context, t target) (done, error) {
		ctx = log.ContextAttrs(ctx, slog.String("host", t.host))
		res, err := d.transport.Execute(ctx, t.host, req)
		if err != nil {
			slog.DebugContext(ctx, "host failed", "kind", model.KindOf(err), "error", err)
		} else {
			slog.DebugContext(ctx, "host done", "records", len(res.Records))
		}
		return done{idx: t.idx, res: HostResult{Host: t.host, Result: res, Err: err}}, nil
	}

	results := make([]HostResult, len(hosts))
	seen := make([]bool, len(hosts))
	for r := range parallel.NewMap(ctx, d.throttleLimit, run).Iter(parallel.All(targets)) {
		results[r.idx] = r.res
		seen[r.idx] = true
	}

	for i, ok := range seen {
		if ok {
			continue
		}
		err := ctx.Err()
		if err == nil {
			err = errors.New("host was not dispatched")
		}
		results[i] = HostResult{Host: hosts[i], Err: err}
	}
	return results
}

// Job is a fan-out running in the background.
type Job struct {
	name    string
	done    chan struct{}
	results []HostResult
}

// Start dispatches in the background. An empty name gets a generated one.
func (d *Dispatcher) Start(ctx context.Context, name string, hosts []string, req model.Request) *Job {
	if name == "" {
		name = NamePrefix + uuid.NewString()
	}
	j := &Job{
		name: name,
		done: make(chan struct{}),
	}
	ctx = log.ContextAttrs(ctx, slog.String("fanout", name))
	go func() {
		defer close(j.done)
		j.results = d.Dispatch(ctx, hosts, req)
	}()
	return j
}

func (j *Job) Name() string {
	return j.name
}

// Done is closed once every host reported.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job is done or ctx ends. Canceling ctx does not
// cancel the job.
func (j *Job) Wait(ctx context.Context) ([]HostResult, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s: %w", j.name, ctx.Err())
	case <-j.done:
		return j.results, nil
	}
}

// Errors joins the errors of all failed hosts, prefixed by the host name.
func Errors(results []HostResult) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Host, r.Err))
		}
	}
	return errors.Join(errs...)
}

// Local runs every request on this host, whatever host it names.
type Local struct {
	Invoker interface {
		Invoke(ctx context.Context, req model.Request) (model.Result, error)
	}
}

func (l Local) Execute(ctx context.Context, _ string, req model.Request) (model.Result, error) {
	return l.Invoker.Invoke(ctx, req)
}

// Router sends requests for local host names to Local and the rest to Remote.
type Router struct {
	Local  Transport
	Remote Transport
}

func (r Router) Execute(ctx context.Context, host string, req model.Request) (model.Result, error) {
	switch host {
	case "", ".", "localhost":
		return r.Local.Execute(ctx, host, req)
	}
	return r.Remote.Execute(ctx, host, req)
}
