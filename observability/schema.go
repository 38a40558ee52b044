package observability

import "database/sql"

// Schema holds the observability tables. They live in the spacebridge
// database next to the component tables. All times are unix milliseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS job_runs (
    run_id      TEXT PRIMARY KEY DEFAULT ('run_' || lower(hex(randomblob(12)))),
    job         TEXT NOT NULL,
    host        TEXT NOT NULL,
    pid         INTEGER NOT NULL,
    ran_at      INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    error       TEXT,
    goroutines  INTEGER,
    heap_mb     REAL
);
CREATE INDEX IF NOT EXISTS idx_job_runs_job ON job_runs(job, ran_at DESC);

CREATE TABLE IF NOT EXISTS metric_points (
    point_id TEXT PRIMARY KEY DEFAULT ('pt_' || lower(hex(randomblob(12)))),
    name     TEXT NOT NULL,
    at       INTEGER NOT NULL,
    value    REAL NOT NULL,
    unit     TEXT,
    labels   TEXT
);
CREATE INDEX IF NOT EXISTS idx_metric_points_name ON metric_points(name, at DESC);

-- bridge_id and account_id are both set for allocation events.
CREATE TABLE IF NOT EXISTS event_log (
    event_id   TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    service    TEXT NOT NULL,
    bridge_id  TEXT,
    account_id TEXT,
    data       TEXT,
    at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_log_name    ON event_log(name, at DESC);
CREATE INDEX IF NOT EXISTS idx_event_log_bridge  ON event_log(bridge_id, at DESC);
CREATE INDEX IF NOT EXISTS idx_event_log_account ON event_log(account_id, at DESC);

CREATE TABLE IF NOT EXISTS request_log (
    request_id  TEXT,
    method      TEXT NOT NULL,
    path        TEXT NOT NULL,
    status      INTEGER,
    duration_ms INTEGER,
    at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_request_log_at ON request_log(at DESC);
`

// Init applies Schema.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
