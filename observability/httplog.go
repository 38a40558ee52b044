package observability

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/spacebridge/kit"
)

// RequestLog returns chi-compatible middleware writing one
// request_log row per request.
func RequestLog(db *sql.DB, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			reqID := kit.GetRequestID(r.Context())
			if reqID == "" {
				reqID = middleware.GetReqID(r.Context())
			}
			// streams end with a cancelled request context
			_, err := db.ExecContext(context.WithoutCancel(r.Context()), `
				INSERT INTO request_log (method, path, status, duration_ms, request_id, at)
				VALUES (?,?,?,?,?,?)`,
				r.Method, r.URL.Path, status, time.Since(start).Milliseconds(),
				reqID, start.UnixMilli())
			if err != nil {
				logger.Warn("observability: request log", "path", r.URL.Path, "error", err)
			}
		})
	}
}
