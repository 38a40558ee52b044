package shield

import (
	"context"
	"database/sql"
)

// Schema is the rate_limits table. endpoint is "<METHOD> <route pattern>",
// for example "POST /api/allocations".
const Schema = `
CREATE TABLE IF NOT EXISTS rate_limits (
    endpoint       TEXT PRIMARY KEY,
    max_requests   INTEGER NOT NULL DEFAULT 60,
    window_seconds INTEGER NOT NULL DEFAULT 60,
    enabled        INTEGER NOT NULL DEFAULT 1
);
`

// SetLimit inserts or replaces the rule for endpoint.
func SetLimit(ctx context.Context, db *sql.DB, endpoint string, maxRequests, windowSeconds int, enabled bool) error {
	on := 0
	if enabled {
		on = 1
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO rate_limits (endpoint, max_requests, window_seconds, enabled)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			max_requests = excluded.max_requests,
			window_seconds = excluded.window_seconds,
			enabled = excluded.enabled`,
		endpoint, maxRequests, windowSeconds, on)
	return err
}
