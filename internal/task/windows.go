package task

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/CZERTAINLY/Hopper/internal/model"
)

// PowerShellFunc runs script and returns its combined output.
type PowerShellFunc func(ctx context.Context, script string) ([]byte, error)

// Windows drives the host task scheduler through the ScheduledTasks module.
// Scripts are passed on stdin, so a secret never shows up in a command line.
type Windows struct {
	run PowerShellFunc
}

func NewWindows() *Windows {
	return &Windows{run: powershell}
}

// WithPowerShell replaces the script runner.
// This method exists for a unit testing only.
func (w *Windows) WithPowerShell(fn PowerShellFunc) *Windows {
	w.run = fn
	return w
}

func (w *Windows) Register(ctx context.Context, def Definition) (model.TaskHandle, error) {
	if err := def.validate(); err != nil {
		return model.TaskHandle{}, err
	}
	if err := w.exec(ctx, registerScript(def)); err != nil {
		return model.TaskHandle{}, fmt.Errorf("registering task %s: %w", def.Name, err)
	}
	slog.DebugContext(ctx, "task registered", "task", def.Name, "principal", def.Principal.UserID, "logon", def.Principal.Logon, "run_level", def.Principal.RunLevel)
	return def.handle(), nil
}

func (w *Windows) Start(ctx context.Context, h model.TaskHandle) error {
	if err := w.exec(ctx, "Start-ScheduledTask -TaskName "+quote(h.Name)); err != nil {
		return fmt.Errorf("starting task %s: %w", h.Name, err)
	}
	return nil
}

func (w *Windows) Unregister(ctx context.Context, h model.TaskHandle) error {
	if err := w.exec(ctx, "Unregister-ScheduledTask -TaskName "+quote(h.Name)+" -Confirm:$false"); err != nil {
		return fmt.Errorf("unregistering task %s: %w", h.Name, err)
	}
	return nil
}

func (w *Windows) Close() error {
	return nil
}

func (w *Windows) exec(ctx context.Context, script string) error {
	out, err := w.run(ctx, "$ErrorActionPreference = 'Stop'\n"+script+"\n")
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return err
		}
		return fmt.Errorf("%w: %s", err, msg)
	}
	return nil
}

func registerScript(def Definition) string {
	p := def.Principal
	var b strings.Builder
	fmt.Fprintf(&b, "$action = New-ScheduledTaskAction -Execute %s", quote(def.Action.Path))
	if len(def.Action.Args) > 0 {
		fmt.Fprintf(&b, " -Argument %s", quote(commandLine(def.Action.Args)))
	}
	b.WriteString("\n")
	b.WriteString("$settings = New-ScheduledTaskSettingsSet -AllowStartIfOnBatteries -DontStopIfGoingOnBatteries -ExecutionTimeLimit ([TimeSpan]::Zero)\n")

	if p.Secret != "" {
		// -Principal cannot carry a password
		fmt.Fprintf(&b, "Register-ScheduledTask -TaskName %s -Action $action -Settings $settings -User %s -Password %s -RunLevel %s | Out-Null\n",
			quote(def.Name), quote(p.UserID), quote(p.Secret), p.RunLevel)
		return b.String()
	}
	fmt.Fprintf(&b, "$principal = New-ScheduledTaskPrincipal -UserId %s -LogonType %s -RunLevel %s\n",
		quote(p.UserID), p.Logon, p.RunLevel)
	fmt.Fprintf(&b, "Register-ScheduledTask -TaskName %s -Action $action -Settings $settings -Principal $principal | Out-Null\n",
		quote(def.Name))
	return b.String()
}

// quote renders s as a PowerShell single quoted string.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// commandLine joins args using the Windows command line quoting rules.
func commandLine(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = escapeArg(a)
	}
	return strings.Join(quoted, " ")
}

func escapeArg(s string) string {
	if s == "" {
		return `""`
	}
	if !strings.ContainsAny(s, " \t\"") {
		return s
	}
	var b strings.Builder
	b.WriteByte('"')
	slashes := 0
	for _, r := range s {
		switch r {
		case '\\':
			slashes++
		case '"':
			b.WriteString(strings.Repeat(`\`, 2*slashes+1))
			slashes = 0
		default:
			b.WriteString(strings.Repeat(`\`, slashes))
			slashes = 0
		}
		if r != '\\' {
			b.WriteRune(r)
		}
	}
	b.WriteString(strings.Repeat(`\`, 2*slashes))
	b.WriteByte('"')
	return b.String()
}

func powershell(ctx context.Context, script string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "powershell.exe", "-NoProfile", "-NonInteractive", "-Command", "-")
	cmd.Stdin = strings.NewReader(script)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}
