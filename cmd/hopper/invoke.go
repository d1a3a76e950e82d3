package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/CZERTAINLY/Hopper/internal/broker"
	"github.com/CZERTAINLY/Hopper/internal/fanout"
	"github.com/CZERTAINLY/Hopper/internal/jobs"
	"github.com/CZERTAINLY/Hopper/internal/log"
	"github.com/CZERTAINLY/Hopper/internal/model"
	"github.com/CZERTAINLY/Hopper/internal/remote"
	"github.com/CZERTAINLY/Hopper/internal/task"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

type invokeFlags struct {
	file          string
	interpreter   string
	using         []string
	hosts         []string
	asJob         bool
	jobName       string
	throttleLimit int
	sshPassEnv    string

	user        string
	passwordEnv string
	system      bool
	gmsa        string
	elevated    bool
}

func invokeCmd() *cobra.Command {
	var f invokeFlags
	cmd := &cobra.Command{
		Use:   "invoke [flags] BODY [ARG...]",
		Short: "invoke runs a script body under the chosen principal, locally or on every --host",
		Example: `  hopper invoke --system 'id -un'
  hopper invoke --using limit=10 'test $using:limit -gt 5 && echo over'
  hopper invoke --host web-01 --host web-02 --throttle-limit 2 uptime`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return doInvoke(cmd, f, args)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.file, "file", "f", "", "read the body from a file, all positional arguments become script arguments")
	fl.StringVar(&f.interpreter, "interpreter", "", "sh, bash, pwsh or powershell (default from jobs.interpreter)")
	fl.StringArrayVar(&f.using, "using", nil, "value of a $using: reference as name=<yaml>, repeatable")
	fl.StringSliceVar(&f.hosts, "host", nil, "run on remote hosts over ssh, localhost runs locally")
	fl.BoolVar(&f.asJob, "as-job", false, "run the fan-out as a background job and report its name")
	fl.StringVar(&f.jobName, "job-name", "", "name of the background job")
	fl.IntVar(&f.throttleLimit, "throttle-limit", 0, "hosts running at once (default from remote.throttle_limit)")
	fl.StringVar(&f.sshPassEnv, "ssh-password-env", "", "environment variable holding the ssh password")

	fl.StringVar(&f.user, "user", "", "run as this account, password is read from --password-env")
	fl.StringVar(&f.passwordEnv, "password-env", "HOPPER_PASSWORD", "environment variable holding the --user password")
	fl.BoolVar(&f.system, "system", false, "run as the local system account")
	fl.StringVar(&f.gmsa, "gmsa", "", "run as this group managed service account")
	fl.BoolVar(&f.elevated, "elevated", false, "run with the highest privileges of the principal")
	cmd.MarkFlagsMutuallyExclusive("user", "system", "gmsa")
	return cmd
}

func doInvoke(cmd *cobra.Command, f invokeFlags, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.String("cmd", "invoke"), slog.Int("pid", os.Getpid()))

	req, err := f.request(args)
	if err != nil {
		return err
	}

	if len(f.hosts) == 0 {
		b, closeBroker, err := newBroker(ctx)
		if err != nil {
			return err
		}
		defer closeBroker()
		res, err := b.Invoke(ctx, req)
		if err != nil {
			return err
		}
		return printRecords(cmd.OutOrStdout(), "", res.Records)
	}

	transport, closeTransport, err := f.transport(ctx)
	if err != nil {
		return err
	}
	defer closeTransport()

	limit := f.throttleLimit
	if limit == 0 && config.Remote != nil {
		limit = model.Get(config.Remote.ThrottleLimit, model.DefaultThrottleLimit)
	}
	d := fanout.New(transport, limit)

	var results []fanout.HostResult
	if f.asJob {
		job := d.Start(ctx, f.jobName, f.hosts, req)
		slog.InfoContext(ctx, "fan-out job started", "name", job.Name(), "hosts", len(f.hosts))
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), job.Name())
		results, err = job.Wait(ctx)
		if err != nil {
			return err
		}
	} else {
		results = d.Dispatch(ctx, f.hosts, req)
	}

	for _, r := range results {
		if r.Err != nil {
			slog.ErrorContext(ctx, "host failed", "host", r.Host, "kind", model.KindOf(r.Err), "error", r.Err)
			continue
		}
		if err := printRecords(cmd.OutOrStdout(), r.Host, r.Result.Records); err != nil {
			return err
		}
	}
	return fanout.Errors(results)
}

func (f invokeFlags) request(args []string) (model.Request, error) {
	var work model.WorkItem
	switch {
	case f.file != "":
		b, err := os.ReadFile(f.file)
		if err != nil {
			return model.Request{}, fmt.Errorf("reading --file: %w", err)
		}
		work.Body = string(b)
		work.Args = args
	case len(args) == 0:
		return model.Request{}, errors.New("missing script body")
	default:
		work.Body = args[0]
		work.Args = args[1:]
	}
	work.Interpreter = f.interpreter

	using, err := parseUsing(f.using)
	if err != nil {
		return model.Request{}, err
	}
	id, err := f.identity()
	if err != nil {
		return model.Request{}, err
	}
	return model.Request{Work: work, Using: using, Identity: id}, nil
}

func (f invokeFlags) identity() (model.Identity, error) {
	var id model.Identity
	switch {
	case f.system:
		id = model.System()
	case f.gmsa != "":
		id = model.GMSA(f.gmsa)
	case f.user != "":
		secret, ok := os.LookupEnv(f.passwordEnv)
		if !ok {
			return model.Identity{}, fmt.Errorf("--user %s: environment variable %s is not set", f.user, f.passwordEnv)
		}
		id = model.Credential(f.user, secret)
	default:
		id = model.Caller()
	}
	return id.WithElevation(f.elevated), nil
}

// parseUsing reads name=<yaml> pairs, so --using n=10 is a number and
// --using 'hosts=[a, b]' a list.
func parseUsing(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	ret := make(map[string]any, len(pairs))
	for _, p := range pairs {
		name, raw, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("--using %q: expected name=value", p)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("--using %s: %w", name, err)
		}
		ret[name] = v
	}
	return ret, nil
}

func (f invokeFlags) transport(ctx context.Context) (fanout.Transport, func(), error) {
	password := ""
	if f.sshPassEnv != "" {
		password = os.Getenv(f.sshPassEnv)
	}
	opts, err := remote.OptionsFrom(config.Remote, password)
	if err != nil {
		return nil, nil, err
	}
	ssh, err := remote.NewSSH(opts)
	if err != nil {
		return nil, nil, err
	}

	// localhost in --host runs through the local broker, opened on demand
	local := &lazyBroker{ctx: ctx}
	return fanout.Router{Local: fanout.Local{Invoker: local}, Remote: ssh}, local.close, nil
}

func newBroker(ctx context.Context) (*broker.Broker, func(), error) {
	jobsCfg := config.Jobs
	if jobsCfg == nil {
		jobsCfg = &model.Jobs{}
	}
	opts, err := broker.OptionsFrom(jobsCfg)
	if err != nil {
		return nil, nil, err
	}

	storePath := model.Get(jobsCfg.Store, "")
	if storePath == "" {
		storePath = *model.DefaultConfig(ctx).Jobs.Store
	}
	store, err := jobs.Open(ctx, storePath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening job store: %w", err)
	}

	var schedCfg model.Scheduler
	if config.Scheduler != nil {
		schedCfg = *config.Scheduler
	}
	sched, err := task.New(schedCfg)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	closer := func() {
		if err := sched.Close(); err != nil {
			slog.DebugContext(ctx, "closing scheduler", "error", err)
		}
		if err := store.Close(); err != nil {
			slog.DebugContext(ctx, "closing job store", "error", err)
		}
	}
	return broker.New(store, sched, opts), closer, nil
}

// lazyBroker opens the local broker on first use.
type lazyBroker struct {
	ctx    context.Context
	once   sync.Once
	broker *broker.Broker
	closer func()
	err    error
}

func (l *lazyBroker) Invoke(ctx context.Context, req model.Request) (model.Result, error) {
	l.once.Do(func() {
		l.broker, l.closer, l.err = newBroker(l.ctx)
	})
	if l.err != nil {
		return model.Result{}, l.err
	}
	return l.broker.Invoke(ctx, req)
}

func (l *lazyBroker) close() {
	if l.closer != nil {
		l.closer()
	}
}

func printRecords(w io.Writer, host string, records []string) error {
	for _, r := range records {
		var err error
		if host == "" {
			_, err = fmt.Fprintln(w, r)
		} else {
			_, err = fmt.Fprintf(w, "%s\t%s\n", host, r)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
