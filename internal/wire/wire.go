// Package wire is the JSON contract between the fan-out dispatcher and the
// _remote entry point of a host. A request carries parameters only, the
// remote host runs its own pre-deployed binary.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/CZERTAINLY/Hopper/internal/model"
)

const Version = 1

type Request struct {
	Version  int            `json:"version"`
	Work     model.WorkItem `json:"work"`
	Using    map[string]any `json:"using,omitempty"`
	Identity Identity       `json:"identity"`
}

type Identity struct {
	Kind      string `json:"kind"`
	Principal string `json:"principal,omitempty"`
	Secret    string `json:"secret,omitempty"`
	Elevated  bool   `json:"elevated,omitempty"`
}

type Response struct {
	Version   int      `json:"version"`
	Records   []string `json:"records,omitempty"`
	Principal string   `json:"principal,omitempty"`
	Error     *Error   `json:"error,omitempty"`
}

// Error is an error of the taxonomy in its transferable form.
type Error struct {
	Kind     model.ErrorKind `json:"kind"`
	Message  string          `json:"message"`
	ExitCode int             `json:"exit_code,omitempty"`
}

func NewRequest(req model.Request) Request {
	return Request{
		Version: Version,
		Work:    req.Work,
		Using:   req.Using,
		Identity: Identity{
			Kind:      req.Identity.Kind.String(),
			Principal: req.Identity.Principal,
			Secret:    req.Identity.Secret,
			Elevated:  req.Identity.Elevated,
		},
	}
}

func (r Request) Model() (model.Request, error) {
	kind, err := model.ParseIdentityKind(r.Identity.Kind)
	if err != nil {
		return model.Request{}, err
	}
	return model.Request{
		Work:  r.Work,
		Using: r.Using,
		Identity: model.Identity{
			Kind:      kind,
			Principal: r.Identity.Principal,
			Secret:    r.Identity.Secret,
			Elevated:  r.Identity.Elevated,
		},
	}, nil
}

// NewResponse encodes the outcome of an invocation.
func NewResponse(res model.Result, err error) Response {
	if err == nil {
		return Response{Version: Version, Records: res.Records, Principal: res.Principal}
	}
	e := &Error{Kind: model.KindOf(err), Message: err.Error()}
	var execErr *model.ExecutionError
	if errors.As(err, &execErr) {
		e.ExitCode = execErr.ExitCode
	}
	return Response{Version: Version, Error: e}
}

// Result decodes the outcome, the error keeps its kind.
func (r Response) Result() (model.Result, error) {
	if r.Version != Version {
		return model.Result{}, fmt.Errorf("unsupported response version %d", r.Version)
	}
	if r.Error != nil {
		return model.Result{}, model.FromKind(r.Error.Kind, r.Error.Message, r.Error.ExitCode)
	}
	records := r.Records
	if records == nil {
		records = []string{}
	}
	return model.Result{Records: records, Principal: r.Principal}, nil
}

func Encode(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

func DecodeResponse(r io.Reader) (Response, error) {
	var resp Response
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("decoding response: %w", err)
	}
	return resp, nil
}
