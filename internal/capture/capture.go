// Package capture rewrites $using: references of a work item into fresh
// environment variable names and serializes the referenced values, so the
// work item can be rehydrated in a process that shares no memory with the
// caller.
//
// References take the form $using:name or ${using:name}. Text the interpreter
// never expands, single-quoted strings and comments, is left alone. Values come from an
// explicit scope supplied by the caller and are serialized as JSON, so maps,
// lists and numbers keep their shape. Inside the job a binding is exported as
// an environment variable: strings verbatim, null as empty and everything
// else as compact JSON.
package capture

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/CZERTAINLY/Hopper/internal/model"

	"github.com/google/uuid"
)

const NamePrefix = "HOPPER_USING_"

var usingRx = regexp.MustCompile(`\$(?:\{(?i:using):([A-Za-z_][A-Za-z0-9_]*)\}|(?i:using):([A-Za-z_][A-Za-z0-9_]*))`)

// Syntax is the quoting and variable syntax of an interpreter.
type Syntax interface {
	// Reference formats the expression reading a binding.
	Reference(name string) string
	// Escape returns the character quoting the next one.
	Escape() byte
}

// Capture returns work with every reference replaced and the bindings in
// textual order. Without references work is returned unchanged.
func Capture(work model.WorkItem, scope map[string]any, syntax Syntax) (model.WorkItem, []model.CapturedBinding, error) {
	matches := expanded(work.Body, usingRx.FindAllStringSubmatchIndex(work.Body, -1), syntax.Escape())
	if len(matches) == 0 {
		return work, nil, nil
	}

	body := work.Body
	bindings := make([]model.CapturedBinding, 0, len(matches))
	// highest offset first, so earlier offsets stay valid after splicing
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		source := body[m[0]:m[1]]
		var key string
		if m[2] >= 0 {
			key = body[m[2]:m[3]]
		} else {
			key = body[m[4]:m[5]]
		}

		binding, err := bind(key, source, scope)
		if err != nil {
			return model.WorkItem{}, nil, err
		}
		body = body[:m[0]] + syntax.Reference(binding.Name) + body[m[1]:]
		bindings = append(bindings, binding)
	}
	slices.Reverse(bindings)

	out := work
	out.Body = body
	out.Args = slices.Clone(work.Args)
	return out, bindings, nil
}

// expanded drops the matches inside single-quoted strings and comments.
func expanded(body string, matches [][]int, escape byte) [][]int {
	if len(matches) == 0 {
		return nil
	}
	spans := literals(body, escape)
	ret := matches[:0:0]
	for _, m := range matches {
		inside := slices.ContainsFunc(spans, func(s [2]int) bool {
			return m[0] >= s[0] && m[0] < s[1]
		})
		if !inside {
			ret = append(ret, m)
		}
	}
	return ret
}

// literals returns the [start, end) offsets of single-quoted strings and
// comments of body.
func literals(body string, escape byte) [][2]int {
	var spans [][2]int
	double := false
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c == escape:
			i++
		case c == '"':
			double = !double
		case double:
		case c == '\'':
			end := strings.IndexByte(body[i+1:], '\'')
			if end < 0 {
				return append(spans, [2]int{i, len(body)})
			}
			spans = append(spans, [2]int{i, i + end + 2})
			i += end + 1
		case c == '#' && (i == 0 || wordBreak(body[i-1])):
			end := strings.IndexByte(body[i:], '\n')
			if end < 0 {
				return append(spans, [2]int{i, len(body)})
			}
			spans = append(spans, [2]int{i, i + end})
			i += end
		}
	}
	return spans
}

func wordBreak(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == ';'
}

func bind(key, source string, scope map[string]any) (model.CapturedBinding, error) {
	v, ok := scope[key]
	if !ok {
		return model.CapturedBinding{}, fmt.Errorf("capturing %s: %w: %q is not defined", source, model.ErrCapture, key)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return model.CapturedBinding{}, fmt.Errorf("capturing %s: %w: %w", source, model.ErrCapture, err)
	}
	return model.CapturedBinding{
		Name:   NewName(),
		Value:  raw,
		Source: source,
	}, nil
}

// NewName returns a collision-free binding name usable as environment variable.
func NewName() string {
	id := uuid.New()
	return NamePrefix + strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))
}

// Rehydrate decodes the binding into its structural value.
func Rehydrate(b model.CapturedBinding) (any, error) {
	var v any
	if err := json.Unmarshal(b.Value, &v); err != nil {
		return nil, fmt.Errorf("rehydrating %s: %w", b.Source, err)
	}
	return v, nil
}

// Env rehydrates bindings into NAME=value environment entries.
func Env(bindings []model.CapturedBinding) ([]string, error) {
	env := make([]string, 0, len(bindings))
	for _, b := range bindings {
		v, err := Rehydrate(b)
		if err != nil {
			return nil, err
		}
		var text string
		switch x := v.(type) {
		case nil:
		case string:
			text = x
		default:
			var buf bytes.Buffer
			if err := json.Compact(&buf, b.Value); err != nil {
				return nil, fmt.Errorf("rehydrating %s: %w", b.Source, err)
			}
			text = buf.String()
		}
		env = append(env, b.Name+"="+text)
	}
	return env, nil
}
