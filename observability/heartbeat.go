package observability

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// Pulse writes one job_runs row per periodic job run. It satisfies
// worker.Pulse.
type Pulse struct {
	db       *sql.DB
	hostname string
	pid      int
	logger   *slog.Logger
}

// NewPulse creates a Pulse writing to db.
func NewPulse(db *sql.DB, logger *slog.Logger) *Pulse {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pulse{db: db, hostname: host, pid: os.Getpid(), logger: logger}
}

// Beat records a run of job.
func (p *Pulse) Beat(ctx context.Context, job string, took time.Duration, runErr error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var errText sql.NullString
	if runErr != nil {
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}
	_, err := p.db.ExecContext(context.WithoutCancel(ctx), `
		INSERT INTO job_runs (job, host, pid, ran_at, duration_ms, error, goroutines, heap_mb)
		VALUES (?,?,?,?,?,?,?,?)`,
		job, p.hostname, p.pid, time.Now().UnixMilli(), took.Milliseconds(), errText,
		runtime.NumGoroutine(), float64(mem.Alloc)/1024/1024)
	if err != nil {
		p.logger.Warn("observability: heartbeat", "job", job, "error", err)
	}
}

// Heartbeat is the latest run of a job.
type Heartbeat struct {
	Job        string    `json:"job"`
	At         time.Time `json:"at"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// Latest returns the most recent heartbeat of every job.
func (p *Pulse) Latest(ctx context.Context) ([]Heartbeat, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT job, MAX(ran_at), duration_ms, COALESCE(error, '')
		FROM job_runs GROUP BY job ORDER BY job`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Heartbeat
	for rows.Next() {
		var h Heartbeat
		var ms int64
		if err := rows.Scan(&h.Job, &ms, &h.DurationMs, &h.Error); err != nil {
			return nil, err
		}
		h.At = time.UnixMilli(ms)
		out = append(out, h)
	}
	return out, rows.Err()
}
