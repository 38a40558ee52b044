package connectivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Schema is the routes table. Strategies: "local" (in-process handler),
// "http" (HTTPFactory), "noop" (calls succeed without doing anything).
const Schema = `
CREATE TABLE IF NOT EXISTS routes (
    service_name TEXT PRIMARY KEY,
    strategy     TEXT NOT NULL CHECK(strategy IN ('local', 'http', 'noop')),
    endpoint     TEXT,
    config       TEXT DEFAULT '{}',
    updated_at   INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
`

// SetRoute inserts or replaces the route for service. A nil config stores "{}".
func SetRoute(ctx context.Context, db *sql.DB, service, strategy, endpoint string, config json.RawMessage) error {
	if len(config) == 0 {
		config = json.RawMessage("{}")
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO routes (service_name, strategy, endpoint, config)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(service_name) DO UPDATE SET
			strategy = excluded.strategy,
			endpoint = excluded.endpoint,
			config = excluded.config,
			updated_at = strftime('%s', 'now')`,
		service, strategy, endpoint, string(config))
	if err != nil {
		return fmt.Errorf("connectivity: set route %s: %w", service, err)
	}
	return nil
}

// DeleteRoute removes the route for service; calls fall back to the local
// handler.
func DeleteRoute(ctx context.Context, db *sql.DB, service string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM routes WHERE service_name = ?`, service); err != nil {
		return fmt.Errorf("connectivity: delete route %s: %w", service, err)
	}
	return nil
}
