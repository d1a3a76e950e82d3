// Package interp knows how each supported interpreter runs a work item body,
// passes positional arguments and dereferences an environment variable.
package interp

import (
	"fmt"
	"strconv"

	"github.com/CZERTAINLY/Hopper/internal/model"
)

const (
	EnvArgc      = "HOPPER_ARGC"
	EnvArgPrefix = "HOPPER_ARG_"
)

type Interpreter struct {
	Name string
	Path string
	// command builds the argument list following Path.
	command func(body string, args []string) []string
	// reference renders the expression reading an environment variable.
	reference func(name string) string
	// escape quotes the next character outside single quotes.
	escape byte
}

var interpreters = map[string]Interpreter{
	model.InterpreterSh:         posix(model.InterpreterSh),
	model.InterpreterBash:       posix(model.InterpreterBash),
	model.InterpreterPwsh:       powershell(model.InterpreterPwsh, "pwsh"),
	model.InterpreterPowerShell: powershell(model.InterpreterPowerShell, "powershell.exe"),
}

func posix(name string) Interpreter {
	return Interpreter{
		Name: name,
		Path: name,
		command: func(body string, args []string) []string {
			// $0 is the job name placeholder, "$@" the positional args
			ret := make([]string, 0, 3+len(args))
			ret = append(ret, "-c", body, "hopper-job")
			return append(ret, args...)
		},
		reference: func(name string) string {
			return "${" + name + "}"
		},
		escape: '\\',
	}
}

func powershell(name, path string) Interpreter {
	return Interpreter{
		Name: name,
		Path: path,
		command: func(body string, _ []string) []string {
			// positional args are exported as HOPPER_ARG_<i> only
			return []string{"-NoProfile", "-NonInteractive", "-Command", body}
		},
		reference: func(name string) string {
			return "$env:" + name
		},
		escape: '`',
	}
}

// Lookup returns the named interpreter, an empty name means sh.
func Lookup(name string) (Interpreter, error) {
	if name == "" {
		name = model.InterpreterSh
	}
	i, ok := interpreters[name]
	if !ok {
		return Interpreter{}, fmt.Errorf("unknown interpreter %q", name)
	}
	return i, nil
}

func (i Interpreter) Reference(name string) string {
	return i.reference(name)
}

// Escape returns the escape character of the interpreter.
func (i Interpreter) Escape() byte {
	return i.escape
}

// Command returns the argv (without Path) running body with args.
func (i Interpreter) Command(body string, args []string) []string {
	return i.command(body, args)
}

// ArgsEnv exports positional args for interpreters without native support.
func ArgsEnv(args []string) []string {
	env := make([]string, 0, len(args)+1)
	env = append(env, EnvArgc+"="+strconv.Itoa(len(args)))
	for idx, a := range args {
		env = append(env, EnvArgPrefix+strconv.Itoa(idx)+"="+a)
	}
	return env
}
