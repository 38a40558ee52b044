package shield

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/spacebridge/dbopen"
	"github.com/hazyhaar/spacebridge/kit"
)

func ok(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

func TestRateLimiter_WindowAndPrefix(t *testing.T) {
	// WHAT: a client over its window gets 429 until the window resets.
	// WHY: allocation endpoints must not be hammered by one consumer.
	ctx := context.Background()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	if err := SetLimit(ctx, db, "POST /api/allocations*", 2, 60, true); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	if err := SetLimit(ctx, db, "GET /api/stats", 1, 60, false); err != nil {
		t.Fatalf("set limit: %v", err)
	}

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(db, nil, "/health")
	rl.SetClock(func() time.Time { return now })
	h := rl.Middleware(http.HandlerFunc(ok))

	do := func(method, path string) int {
		req := httptest.NewRequest(method, path, nil)
		req.RemoteAddr = "10.0.0.1:5000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	for i, want := range []int{200, 200, 429} {
		if got := do("POST", "/api/allocations/queue"); got != want {
			t.Errorf("request %d: got %d, want %d", i+1, got, want)
		}
	}
	if got := do("GET", "/api/stats"); got != 200 {
		t.Errorf("disabled rule limited: %d", got)
	}
	if got := do("GET", "/api/stats"); got != 200 {
		t.Errorf("disabled rule limited: %d", got)
	}

	now = now.Add(61 * time.Second)
	if err := rl.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := do("POST", "/api/allocations"); got != 200 {
		t.Errorf("after window: %d", got)
	}
}

func TestRequestID_PropagatesAndMints(t *testing.T) {
	var seen, actor string
	h := RequestID(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = kit.GetRequestID(r.Context())
		actor = kit.GetActor(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "abc")
	req.Header.Set(ActorHeader, "alice")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "abc" || rec.Header().Get(RequestIDHeader) != "abc" || actor != "alice" {
		t.Errorf("propagated: id %q header %q actor %q", seen, rec.Header().Get(RequestIDHeader), actor)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if seen == "" || seen == "abc" {
		t.Errorf("minted id: %q", seen)
	}
}

func TestAPIStack_HeadersAndBodyCap(t *testing.T) {
	var readErr error
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, MaxBodyBytes+10)
		_, readErr = r.Body.Read(buf)
		for readErr == nil {
			_, readErr = r.Body.Read(buf)
		}
	})
	stack := APIStack(nil, nil)
	for i := len(stack) - 1; i >= 0; i-- {
		h = stack[i](h)
	}

	body := strings.NewReader(strings.Repeat("x", MaxBodyBytes+1))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/x", body))

	if rec.Header().Get("X-Content-Type-Options") != "nosniff" || rec.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("headers: %v", rec.Header())
	}
	var mbe *http.MaxBytesError
	if readErr == nil || !errors.As(readErr, &mbe) {
		t.Errorf("oversized body read: %v", readErr)
	}
}
