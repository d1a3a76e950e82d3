package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/CZERTAINLY/Hopper/internal/model"
	"github.com/CZERTAINLY/Hopper/internal/wire"
)

// Invoker runs a request on this host.
type Invoker interface {
	Invoke(ctx context.Context, req model.Request) (model.Result, error)
}

// Serve reads a request from r, runs it and writes the response to w. The
// outcome of the request, failed or not, is part of the response; only a
// failure to write it is returned.
func Serve(ctx context.Context, r io.Reader, w io.Writer, inv Invoker) error {
	res, err := serve(ctx, r, inv)
	if err != nil {
		slog.DebugContext(ctx, "remote request failed", "kind", model.KindOf(err), "error", err)
	}
	if err := wire.Encode(w, wire.NewResponse(res, err)); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	return nil
}

func serve(ctx context.Context, r io.Reader, inv Invoker) (model.Result, error) {
	v, err := wire.NewValidator()
	if err != nil {
		return model.Result{}, err
	}
	wr, err := v.DecodeRequest(ctx, r)
	if err != nil {
		return model.Result{}, err
	}
	req, err := wr.Model()
	if err != nil {
		return model.Result{}, err
	}
	return inv.Invoke(ctx, req)
}
