// Package queue is a visibility-timeout queue on SQLite holding allocation
// requests that could not be served yet.
//
// A claimed job stays invisible for the visibility timeout. The holder acks
// it once served, or defers it to a later time; a holder that dies simply
// lets the job reappear.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Schema is the queue DDL.
const Schema = `
CREATE TABLE IF NOT EXISTS alloc_queue (
    id          TEXT PRIMARY KEY,
    payload     BLOB NOT NULL,
    visible_at  INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL,
    attempts    INTEGER NOT NULL DEFAULT 0,
    last_error  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_alloc_queue_visible ON alloc_queue(visible_at);
`

// Job is one queued request.
type Job struct {
	ID        string `json:"id"`
	Payload   []byte `json:"payload"`
	VisibleAt int64  `json:"visible_at"`
	CreatedAt int64  `json:"created_at"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// Queue is the queue handle.
type Queue struct {
	db         *sql.DB
	visibility time.Duration
	now        func() time.Time
}

// New creates a handle. visibility <= 0 defaults to 30s; now nil uses
// time.Now.
func New(db *sql.DB, visibility time.Duration, now func() time.Time) *Queue {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &Queue{db: db, visibility: visibility, now: now}
}

// Publish adds a job visible at once.
func (q *Queue) Publish(ctx context.Context, id string, payload []byte) error {
	now := q.now().UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO alloc_queue (id, payload, visible_at, created_at) VALUES (?,?,?,?)`,
		id, payload, now, now)
	if err != nil {
		return fmt.Errorf("queue: publish %s: %w", id, err)
	}
	return nil
}

// Claim hides the oldest visible job for the visibility timeout and returns
// it, or nil when nothing is visible.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	now := q.now()
	row := q.db.QueryRowContext(ctx, `
		UPDATE alloc_queue
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM alloc_queue WHERE visible_at <= ?
			ORDER BY visible_at, created_at LIMIT 1
		)
		RETURNING id, payload, visible_at, created_at, attempts, last_error`,
		now.Add(q.visibility).UnixMilli(), now.UnixMilli())

	var j Job
	err := row.Scan(&j.ID, &j.Payload, &j.VisibleAt, &j.CreatedAt, &j.Attempts, &j.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	return &j, nil
}

// Ack removes a served (or abandoned) job.
func (q *Queue) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM alloc_queue WHERE id = ?`, id)
	return err
}

// Defer makes a claimed job visible again after delay and keeps the reason.
func (q *Queue) Defer(ctx context.Context, id string, delay time.Duration, reason string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE alloc_queue SET visible_at = ?, last_error = ? WHERE id = ?`,
		q.now().Add(delay).UnixMilli(), reason, id)
	return err
}

// Len returns the number of jobs, visible or not.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alloc_queue`).Scan(&n)
	return n, err
}

// List returns queued jobs, oldest first.
func (q *Queue) List(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, payload, visible_at, created_at, attempts, last_error
		FROM alloc_queue ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Payload, &j.VisibleAt, &j.CreatedAt, &j.Attempts, &j.LastError); err != nil {
			return nil, err
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}
