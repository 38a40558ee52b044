package connectivity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/spacebridge/faults"
)

// JSONHandler adapts a typed function to a Handler. An undecodable payload
// is reported as an invalid argument.
func JSONHandler[Req, Resp any](fn func(ctx context.Context, req *Req) (Resp, error)) Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var req Req
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, faults.Invalid("decode: %v", err)
			}
		}
		resp, err := fn(ctx, &req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	}
}

// CallJSON encodes req, calls service through h and decodes the answer into
// resp (which may be nil). A nil answer (noop route) leaves resp untouched.
func CallJSON(ctx context.Context, h Handler, service string, req, resp any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("connectivity: encode %s: %w", service, err)
	}
	out, err := h(ctx, payload)
	if err != nil {
		return err
	}
	if resp == nil || len(out) == 0 {
		return nil
	}
	if err := json.Unmarshal(out, resp); err != nil {
		return fmt.Errorf("connectivity: decode %s: %w", service, err)
	}
	return nil
}

// Service returns a Handler calling service through the router, decorated by
// mws (outermost first).
func (r *Router) Service(service string, mws ...HandlerMiddleware) Handler {
	base := func(ctx context.Context, payload []byte) ([]byte, error) {
		return r.Call(ctx, service, payload)
	}
	return Chain(mws...)(base)
}
