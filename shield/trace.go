package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/hazyhaar/spacebridge/kit"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// ActorHeader names the account a caller acts for. It is informational:
// the API has no authentication.
const ActorHeader = "X-Account-ID"

// RequestID reuses the caller's X-Request-ID or mints one, and stores it in
// the context with the transport tag, the actor and a request logger.
func RequestID(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" || len(id) > 64 {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)

			ctx := kit.WithRequestID(r.Context(), id)
			ctx = kit.WithTransport(ctx, "http")
			attrs := []any{"request_id", id, "method", r.Method, "path", r.URL.Path}
			if actor := r.Header.Get(ActorHeader); actor != "" {
				ctx = kit.WithActor(ctx, actor)
				attrs = append(attrs, "actor", actor)
			}
			reqLogger := logger.With(attrs...)
			ctx = context.WithValue(ctx, LoggerKey, reqLogger)
			reqLogger.Debug("shield: request")

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
