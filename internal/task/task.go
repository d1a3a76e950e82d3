// Package task registers, starts and removes the scheduled tasks that broker
// a principal switch: the task runs a job entry point under another security
// principal than the caller's.
//
// Two backends exist. Windows drives the ScheduledTasks module of the host
// task scheduler. Local keeps one-shot gocron jobs in process and launches
// the entry point through a Launcher, either directly or through sudo.
package task

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/CZERTAINLY/Hopper/internal/model"

	"github.com/google/uuid"
)

const NamePrefix = "hopper-task-"

var (
	ErrNotFound       = errors.New("task not found")
	ErrExists         = errors.New("task already registered")
	ErrAlreadyStarted = errors.New("task already started")
	ErrUnsupported    = errors.New("principal not supported by scheduler")
)

type LogonType string

const (
	LogonServiceAccount LogonType = "ServiceAccount"
	LogonPassword       LogonType = "Password"
)

type RunLevel string

const (
	RunLevelLimited RunLevel = "Limited"
	RunLevelHighest RunLevel = "Highest"
)

// Principal is the security context a task runs its action under.
type Principal struct {
	UserID   string
	Secret   string
	Logon    LogonType
	RunLevel RunLevel
	Kind     model.IdentityKind
}

// PrincipalFor maps an identity to the task principal. A CallerDefault
// identity never gets a task.
func PrincipalFor(id model.Identity) (Principal, error) {
	if err := id.Validate(); err != nil {
		return Principal{}, err
	}
	runLevel := RunLevelLimited
	if id.Elevated {
		runLevel = RunLevelHighest
	}
	p := Principal{RunLevel: runLevel, Kind: id.Kind}
	switch id.Kind {
	case model.LocalSystem:
		p.UserID = model.LocalSystemPrincipal
		p.Logon = LogonServiceAccount
	case model.GroupManagedServiceAccount:
		p.UserID = id.Principal
		p.Logon = LogonPassword
	case model.ExplicitCredential:
		p.UserID = id.Principal
		p.Secret = id.Secret
		p.Logon = LogonPassword
	default:
		return Principal{}, fmt.Errorf("identity %s does not need a task", id)
	}
	return p, nil
}

// Definition is a task to register: its unique name, the action it starts
// and the principal the action runs under.
type Definition struct {
	Name      string
	Action    model.EntryPoint
	Principal Principal
}

func (d Definition) handle() model.TaskHandle {
	return model.TaskHandle{
		Name:     d.Name,
		UserID:   d.Principal.UserID,
		Logon:    string(d.Principal.Logon),
		RunLevel: string(d.Principal.RunLevel),
	}
}

func (d Definition) validate() error {
	switch {
	case d.Name == "":
		return errors.New("task name is empty")
	case d.Action.Path == "":
		return errors.New("task action is empty")
	case d.Principal.UserID == "":
		return errors.New("task principal is empty")
	}
	return nil
}

// Scheduler is a host task scheduler.
type Scheduler interface {
	Register(ctx context.Context, def Definition) (model.TaskHandle, error)
	// Start fires the task asynchronously; it returns once the action was
	// handed over to the scheduler.
	Start(ctx context.Context, h model.TaskHandle) error
	Unregister(ctx context.Context, h model.TaskHandle) error
	Close() error
}

// NewName returns a collision-free task name.
func NewName() string {
	return NamePrefix + uuid.NewString()
}

// New returns the scheduler backend selected by cfg.
func New(cfg model.Scheduler) (Scheduler, error) {
	backend := model.Get(cfg.Backend, model.SchedulerAuto)
	if backend == model.SchedulerAuto {
		backend = model.SchedulerGocron
		if runtime.GOOS == "windows" {
			backend = model.SchedulerWindows
		}
	}

	switch backend {
	case model.SchedulerWindows:
		return NewWindows(), nil
	case model.SchedulerGocron:
		launcher, err := NewLauncher(model.Get(cfg.Launcher, model.LauncherSudo))
		if err != nil {
			return nil, err
		}
		return NewLocal(launcher)
	default:
		return nil, fmt.Errorf("unknown scheduler backend %q", backend)
	}
}
