package observability

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/spacebridge/dbopen"
	"github.com/hazyhaar/spacebridge/events"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
}

func TestEventLogger_EmitAndRecent(t *testing.T) {
	db := setupObsDB(t)
	l := NewEventLogger(db, "spacebridge", nil)
	ctx := context.Background()

	l.Emit(ctx, events.Event{Name: events.BridgeCreated, BridgeID: "br-1", Data: map[string]any{"slots": 10}})
	l.Emit(ctx, events.Event{Name: events.RewardIssued, AccountID: "acct-1"})

	all, err := l.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("events = %d, want 2", len(all))
	}

	bridge, err := l.Recent(ctx, "br-1", 10)
	if err != nil {
		t.Fatalf("Recent(br-1): %v", err)
	}
	if len(bridge) != 1 || bridge[0].Name != events.BridgeCreated {
		t.Fatalf("bridge events = %+v", bridge)
	}
	if bridge[0].Data != `{"slots":10}` {
		t.Fatalf("data = %q", bridge[0].Data)
	}
	acct, err := l.Recent(ctx, "acct-1", 10)
	if err != nil || len(acct) != 1 || acct[0].AccountID != "acct-1" || acct[0].BridgeID != "" {
		t.Fatalf("account events = %+v, %v", acct, err)
	}
}

func TestMetricsManager_FlushAndSum(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour, nil)

	since := time.Now().Add(-time.Minute)
	mm.Add(MetricBytesAllocated, 40960, "bytes", map[string]string{"consumer": "c1"})
	mm.Add(MetricBytesAllocated, 1024, "bytes", nil)
	mm.Close()

	sum, err := mm.Sum(context.Background(), MetricBytesAllocated, since)
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}
	if sum != 41984 {
		t.Fatalf("sum = %v, want 41984", sum)
	}
}

func TestPulse_Latest(t *testing.T) {
	db := setupObsDB(t)
	p := NewPulse(db, nil)
	ctx := context.Background()

	p.Beat(ctx, "archive", 5*time.Millisecond, nil)
	p.Beat(ctx, "accrue", time.Millisecond, errors.New("db gone"))

	hb, err := p.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if len(hb) != 2 {
		t.Fatalf("heartbeats = %d, want 2", len(hb))
	}
	if hb[0].Job != "accrue" || hb[0].Error != "db gone" {
		t.Fatalf("first = %+v", hb[0])
	}
}

func TestRequestLog(t *testing.T) {
	db := setupObsDB(t)
	r := chi.NewRouter()
	r.Use(RequestLog(db, nil))
	r.Get("/teapot", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/teapot", nil))

	var status int
	if err := db.QueryRow(`SELECT status FROM request_log WHERE path = '/teapot'`).Scan(&status); err != nil {
		t.Fatalf("query: %v", err)
	}
	if status != http.StatusTeapot {
		t.Fatalf("status = %d", status)
	}
}

func TestCleanup(t *testing.T) {
	db := setupObsDB(t)
	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	if _, err := db.Exec(`INSERT INTO event_log (event_id, name, service, at) VALUES ('e1', 'x', 's', ?)`, old); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := Cleanup(context.Background(), db, 24*time.Hour); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	var n int
	db.QueryRow(`SELECT COUNT(*) FROM event_log`).Scan(&n)
	if n != 0 {
		t.Fatalf("rows = %d, want 0", n)
	}
}
