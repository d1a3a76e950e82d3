package model

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	InterpreterSh         = "sh"
	InterpreterBash       = "bash"
	InterpreterPwsh       = "pwsh"
	InterpreterPowerShell = "powershell"

	SchedulerAuto    = "auto"
	SchedulerGocron  = "gocron"
	SchedulerWindows = "windows"

	LauncherDirect = "direct"
	LauncherSudo   = "sudo"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	DefaultPollInterval       = 200 * time.Millisecond
	DefaultCleanupTimeout     = 30 * time.Second
	// DefaultMaterializeTimeout bounds the wait for an entry point which
	// cannot start, e.g. when its principal has no access to the job store.
	DefaultMaterializeTimeout = 2 * time.Minute
	DefaultThrottleLimit      = 32
	DefaultDialTimeout        = 10 * time.Second
	DefaultSSHPort            = 22
	DefaultRemoteBinary       = "hopper"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource, cue.Filename("config.cue"))
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version   int        `json:"version" yaml:"version"` // fixed 0 for now
	Service   *Service   `json:"service,omitempty" yaml:"service,omitempty"`
	Jobs      *Jobs      `json:"jobs,omitempty" yaml:"jobs,omitempty"`
	Scheduler *Scheduler `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`
	Remote    *Remote    `json:"remote,omitempty" yaml:"remote,omitempty"`
}

type Service struct {
	Verbose *bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log     *string `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"|path
}

// Jobs configures the detached job registry and the result collector.
// Durations are Go duration strings, e.g. "250ms".
type Jobs struct {
	// Store must be readable and writable by every principal jobs run as.
	Store              *string `json:"store,omitempty" yaml:"store,omitempty"`
	Interpreter        *string `json:"interpreter,omitempty" yaml:"interpreter,omitempty"`
	PollInterval       *string `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	MaterializeTimeout *string `json:"materialize_timeout,omitempty" yaml:"materialize_timeout,omitempty"` // "0s" => wait forever
	CleanupTimeout     *string `json:"cleanup_timeout,omitempty" yaml:"cleanup_timeout,omitempty"`
	Timeout            *string `json:"timeout,omitempty" yaml:"timeout,omitempty"` // per job execution limit
}

type Scheduler struct {
	Backend  *string `json:"backend,omitempty" yaml:"backend,omitempty"`   // "auto" | "gocron" | "windows"
	Launcher *string `json:"launcher,omitempty" yaml:"launcher,omitempty"` // "direct" | "sudo", gocron only
}

// Remote configures the SSH transport used for fan-out.
type Remote struct {
	User                  *string `json:"user,omitempty" yaml:"user,omitempty"`
	Port                  *int    `json:"port,omitempty" yaml:"port,omitempty"`
	KeyFile               *string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	KnownHosts            *string `json:"known_hosts,omitempty" yaml:"known_hosts,omitempty"`
	InsecureIgnoreHostKey *bool   `json:"insecure_ignore_host_key,omitempty" yaml:"insecure_ignore_host_key,omitempty"`
	Binary                *string `json:"binary,omitempty" yaml:"binary,omitempty"`
	ThrottleLimit         *int    `json:"throttle_limit,omitempty" yaml:"throttle_limit,omitempty"`
	DialTimeout           *string `json:"dial_timeout,omitempty" yaml:"dial_timeout,omitempty"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}

// DefaultConfig returns the configuration stored when no config file exists.
func DefaultConfig(ctx context.Context) Config {
	store := filepath.Join(os.TempDir(), "hopper", "jobs.db")
	if dir, err := os.UserCacheDir(); err == nil {
		store = filepath.Join(dir, "hopper", "jobs.db")
	} else {
		slog.WarnContext(ctx, "user cache dir not available, using temp dir", "error", err)
	}
	interpreter := InterpreterSh
	if runtime.GOOS == "windows" {
		interpreter = InterpreterPowerShell
	}
	return Config{
		Version: 0,
		Service: &Service{
			Verbose: ptr(false),
			Log:     ptr(LogStderr),
		},
		Jobs: &Jobs{
			Store:              ptr(store),
			Interpreter:        ptr(interpreter),
			PollInterval:       ptr(DefaultPollInterval.String()),
			MaterializeTimeout: ptr(DefaultMaterializeTimeout.String()),
			CleanupTimeout:     ptr(DefaultCleanupTimeout.String()),
		},
		Scheduler: &Scheduler{
			Backend:  ptr(SchedulerAuto),
			Launcher: ptr(LauncherSudo),
		},
		Remote: &Remote{
			Port:          ptr(DefaultSSHPort),
			Binary:        ptr(DefaultRemoteBinary),
			ThrottleLimit: ptr(DefaultThrottleLimit),
			DialTimeout:   ptr(DefaultDialTimeout.String()),
		},
	}
}

// ParseDuration returns dflt for nil or empty values. CUE already checked the
// format, so parse errors only happen for configs built in code.
func ParseDuration(s *string, dflt time.Duration) (time.Duration, error) {
	if s == nil || *s == "" {
		return dflt, nil
	}
	return time.ParseDuration(*s)
}

// Get dereferences an optional config value.
func Get[T any](pt *T, dflt T) T {
	if pt == nil {
		return dflt
	}
	return *pt
}

func ptr[T any](v T) *T {
	return &v
}
