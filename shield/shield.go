// Package shield is the HTTP protection stack of the JSON API: security
// headers, a request body cap, request ids with a per-request logger, and
// per-client rate limits read from the rate_limits table.
//
//	r := chi.NewRouter()
//	rl := shield.NewRateLimiter(db, logger, "/health")
//	for _, mw := range shield.APIStack(rl, logger) {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey holds the per-request logger.
const LoggerKey contextKey = "shield_logger"

// MaxBodyBytes caps JSON request bodies in APIStack.
const MaxBodyBytes = 1 << 20

// APIStack returns the middleware applied to every API route, outermost
// first. rl may be nil to disable rate limiting.
func APIStack(rl *RateLimiter, logger *slog.Logger) []func(http.Handler) http.Handler {
	stack := []func(http.Handler) http.Handler{
		SecurityHeaders(APIHeaders()),
		RequestID(logger),
		MaxBody(MaxBodyBytes),
	}
	if rl != nil {
		stack = append(stack, rl.Middleware)
	}
	return stack
}

// GetLogger returns the per-request logger, slog.Default() outside a
// request.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
