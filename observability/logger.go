package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/spacebridge/events"
	"github.com/hazyhaar/spacebridge/idgen"
)

// EventLogger writes domain events to event_log. It implements
// events.Emitter; a failing write is logged and swallowed.
type EventLogger struct {
	db      *sql.DB
	service string
	newID   idgen.Generator
	logger  *slog.Logger
}

// NewEventLogger creates a logger tagging rows with service.
func NewEventLogger(db *sql.DB, service string, logger *slog.Logger) *EventLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLogger{
		db:      db,
		service: service,
		newID:   idgen.Prefixed("evt_", idgen.Default),
		logger:  logger,
	}
}

// Emit records ev.
func (l *EventLogger) Emit(ctx context.Context, ev events.Event) {
	var data sql.NullString
	if len(ev.Data) > 0 {
		if b, err := json.Marshal(ev.Data); err == nil {
			data = sql.NullString{String: string(b), Valid: true}
		}
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO event_log (event_id, name, service, bridge_id, account_id, data, at)
		VALUES (?,?,?,?,?,?,?)`,
		l.newID(), ev.Name, l.service, nullable(ev.BridgeID), nullable(ev.AccountID), data, at.UnixMilli())
	if err != nil {
		l.logger.Error("observability: event log", "event", ev.Name, "error", err)
	}
}

func nullable(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

// LoggedEvent is a row of event_log.
type LoggedEvent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	BridgeID  string    `json:"bridge_id,omitempty"`
	AccountID string    `json:"account_id,omitempty"`
	Data      string    `json:"data,omitempty"`
	At        time.Time `json:"at"`
}

// Recent returns the last limit events, optionally restricted to those of
// one bridge or account.
func (l *EventLogger) Recent(ctx context.Context, subject string, limit int) ([]LoggedEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT event_id, name, COALESCE(bridge_id, ''), COALESCE(account_id, ''), COALESCE(data, ''), at
		FROM event_log`
	args := []any{}
	if subject != "" {
		q += ` WHERE bridge_id = ? OR account_id = ?`
		args = append(args, subject, subject)
	}
	q += ` ORDER BY at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: recent events: %w", err)
	}
	defer rows.Close()
	var out []LoggedEvent
	for rows.Next() {
		var e LoggedEvent
		var ms int64
		if err := rows.Scan(&e.ID, &e.Name, &e.BridgeID, &e.AccountID, &e.Data, &ms); err != nil {
			return nil, fmt.Errorf("observability: scan event: %w", err)
		}
		e.At = time.UnixMilli(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup deletes events, heartbeats and request logs older than retention.
func Cleanup(ctx context.Context, db *sql.DB, retention time.Duration) error {
	cutoffMs := time.Now().Add(-retention).UnixMilli()
	for _, q := range []string{
		`DELETE FROM event_log WHERE at < ?`,
		`DELETE FROM request_log WHERE at < ?`,
		`DELETE FROM job_runs WHERE ran_at < ?`,
		`DELETE FROM metric_points WHERE at < ?`,
	} {
		if _, err := db.ExecContext(ctx, q, cutoffMs); err != nil {
			return fmt.Errorf("observability: cleanup: %w", err)
		}
	}
	return nil
}
