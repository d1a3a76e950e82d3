package task

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/CZERTAINLY/Hopper/internal/model"
	"github.com/CZERTAINLY/Hopper/internal/principal"
)

// Launcher turns a task definition into the process running its action.
type Launcher interface {
	Command(ctx context.Context, def Definition) (*exec.Cmd, error)
}

// NewLauncher returns the launcher called name.
func NewLauncher(name string) (Launcher, error) {
	switch name {
	case model.LauncherDirect:
		return Direct{}, nil
	case model.LauncherSudo:
		return Sudo{Path: "sudo"}, nil
	default:
		return nil, fmt.Errorf("unknown launcher %q", name)
	}
}

// Direct starts the action as the principal of the scheduler itself, so it
// only serves principals the scheduler already holds.
type Direct struct {
	// AnyPrincipal runs every action as the scheduler's principal, whatever
	// the task asks for. This exists for a unit testing only.
	AnyPrincipal bool
}

func (d Direct) Command(ctx context.Context, def Definition) (*exec.Cmd, error) {
	if !holds(def.Principal) {
		if !d.AnyPrincipal {
			return nil, fmt.Errorf("%w: direct launcher runs as %s, not %s (%s)", ErrUnsupported, principal.Current(), def.Principal.UserID, def.Principal.RunLevel)
		}
		slog.WarnContext(ctx, "direct launcher ignores the requested principal", "task", def.Name, "principal", def.Principal.UserID, "runs_as", principal.Current())
	}
	cmd := exec.Command(def.Action.Path, def.Action.Args...)
	detach(cmd)
	return cmd, nil
}

// holds reports whether the running process already is p.
func holds(p Principal) bool {
	if p.RunLevel == RunLevelHighest && !principal.Elevated() {
		return false
	}
	if p.Kind == model.LocalSystem {
		return principal.IsSystem()
	}
	return principal.Is(p.UserID)
}

// Sudo starts the action through non-interactive sudo. Local system maps to
// root. The secret of an explicit credential is not used, sudoers must allow
// the switch without a password.
type Sudo struct {
	Path string
}

func (s Sudo) Command(_ context.Context, def Definition) (*exec.Cmd, error) {
	user, err := unixUser(def.Principal)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, 4+len(def.Action.Args))
	args = append(args, "-n", "-u", user, "--", def.Action.Path)
	args = append(args, def.Action.Args...)
	cmd := exec.Command(s.Path, args...)
	detach(cmd)
	return cmd, nil
}

func unixUser(p Principal) (string, error) {
	switch p.Kind {
	case model.LocalSystem:
		return "root", nil
	case model.ExplicitCredential:
		// DOMAIN\user has no meaning for sudo
		if _, user, ok := strings.Cut(p.UserID, `\`); ok {
			return user, nil
		}
		return p.UserID, nil
	default:
		return "", fmt.Errorf("%w: %s logon for %s", ErrUnsupported, p.Logon, p.UserID)
	}
}
