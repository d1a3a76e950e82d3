package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrorDetail is one configuration error in a form fit for the log.
type CueErrorDetail struct {
	Path    string // jobs.poll_interval
	Code    string // unknown_field | invalid_enum | type_mismatch | empty_value | invalid_duration | out_of_range | conflicting_values
	Message string
	Pos     CueErrorPosition
	Raw     string
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

var (
	reNotAllowed = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reMismatched = regexp.MustCompile(`(?i)mismatched types`)
	reBound      = regexp.MustCompile(`(?i)out of bound (.+)\)$`)
	reConflict   = regexp.MustCompile(`(?i)conflicting values|empty disjunction`)
)

// enumPaths are config paths whose allowed values are listed in error messages.
var enumPaths = []string{
	"jobs.interpreter",
	"scheduler.backend",
	"scheduler.launcher",
}

// CueErrDetails converts an error returned by LoadConfig into a list of
// details, one per offending field and kind of problem.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}

	type key struct{ path, code string }
	seen := make(map[key]struct{})

	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		raw, args := e.Msg()
		raw = fmt.Sprintf(raw, args...)
		path := normalizePath(e.Path())
		code, msg := classify(raw, path)

		k := key{path, code}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}

		out = append(out, CueErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     position(e),
			Raw:     raw,
		})
	}
	return out
}

func classify(raw, path string) (code, msg string) {
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("Field %s is not allowed", last(path))
	case slices.Contains(enumPaths, path):
		return "invalid_enum", fmt.Sprintf("Field %s has invalid value: possible values (%s)",
			last(path), strings.Join(enumStrings(field(schema, path)), ","))
	case reMismatched.MatchString(raw):
		return "type_mismatch", fmt.Sprintf("Field %s has wrong type", last(path))
	}
	if m := reBound.FindStringSubmatch(raw); m != nil {
		switch bound := m[1]; {
		case bound == `!=""`:
			return "empty_value", fmt.Sprintf("Field %s must not be empty", last(path))
		case strings.HasPrefix(bound, "=~"):
			// #Duration is the only pattern in the schema
			return "invalid_duration", fmt.Sprintf("Field %s must be a duration like 30s or 1m30s", last(path))
		default:
			return "out_of_range", fmt.Sprintf("Field %s is out of range (%s)", last(path), bound)
		}
	}
	if reConflict.MatchString(raw) {
		return "conflicting_values", fmt.Sprintf("Conflicting values for %s", last(path))
	}
	return "validation_error", raw
}

// field looks up path in the schema, where every field is optional.
func field(root cue.Value, path string) cue.Value {
	v := root
	for _, name := range strings.Split(path, ".") {
		sel := cue.Str(name)
		next := v.LookupPath(cue.MakePath(sel))
		if !next.Exists() {
			next = v.LookupPath(cue.MakePath(sel.Optional()))
		}
		v = next
	}
	return v
}

func enumStrings(v cue.Value) []string {
	var values []string
	if op, args := v.Expr(); op == cue.OrOp {
		for _, a := range args {
			if s, err := a.String(); err == nil && !slices.Contains(values, s) {
				values = append(values, s)
			}
		}
	}
	return values
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" {
			continue
		}
		return CueErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
	}
	return CueErrorPosition{}
}

func normalizePath(p []string) string {
	// #Config
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func last(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i+1:]
	}
	return p
}
