package connectivity

import (
	"context"
	"database/sql"
	"time"
)

// Watch reloads the routes whenever PRAGMA data_version moves, polling at
// interval. It blocks until ctx is cancelled.
func (r *Router) Watch(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := r.Reload(ctx, db); err != nil {
		r.logger.Error("connectivity: initial reload", "error", err)
	}
	var last int64
	_ = db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&last)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var v int64
			if err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v); err != nil {
				r.logger.Warn("connectivity: data_version poll", "error", err)
				continue
			}
			if v == last {
				continue
			}
			if err := r.Reload(ctx, db); err != nil {
				r.logger.Error("connectivity: reload", "error", err)
			}
			last = v
		}
	}
}
