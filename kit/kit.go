// Package kit holds the transport-neutral endpoint shape shared by the HTTP
// API, the MCP tools and the connectivity handlers.
package kit

import (
	"context"
	"log/slog"
	"time"
)

// Endpoint is one operation taking a decoded request and returning a value
// ready for JSON encoding.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware decorates an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares; the first one is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Logging logs every failed call with its duration, transport and request id.
func Logging(logger *slog.Logger, name string) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			if err != nil {
				logger.Warn("kit: endpoint failed",
					"endpoint", name,
					"transport", GetTransport(ctx),
					"request_id", GetRequestID(ctx),
					"duration", time.Since(start),
					"error", err)
			}
			return resp, err
		}
	}
}
