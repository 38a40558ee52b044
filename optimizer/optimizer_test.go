package optimizer

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/spacebridge/connectivity"
	"github.com/hazyhaar/spacebridge/faults"
)

func TestRemote_LocalHandler(t *testing.T) {
	router := connectivity.New()
	router.RegisterLocal(Service, connectivity.JSONHandler(func(_ context.Context, req *struct {
		URL string `json:"url"`
	}) (*Result, error) {
		return &Result{Domain: "example.com", CurrentSizeBytes: 120000, OptimizedSizeBytes: 20000, SEOScore: 80}, nil
	}))

	res, err := NewRemote(router, Config{}, nil, nil).Optimize(context.Background(), "https://example.com/a")
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if res.URL != "https://example.com/a" || res.OptimizedSizeBytes != 20000 {
		t.Errorf("result: %+v", res)
	}
}

func TestRemote_TransientAfterRetries(t *testing.T) {
	var calls atomic.Int32
	router := connectivity.New()
	router.RegisterLocal(Service, func(context.Context, []byte) ([]byte, error) {
		calls.Add(1)
		return nil, errors.New("connection reset")
	})

	_, err := NewRemote(router, Config{MaxRetries: 2, RetryBackoff: time.Millisecond}, nil, nil).
		Optimize(context.Background(), "https://example.com")
	if !faults.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls: got %d, want 3", calls.Load())
	}
}

func TestRemote_PermanentNotRetried(t *testing.T) {
	var calls atomic.Int32
	router := connectivity.New()
	router.RegisterLocal(Service, func(context.Context, []byte) ([]byte, error) {
		calls.Add(1)
		return nil, faults.Invalid("unsupported scheme")
	})

	_, err := NewRemote(router, Config{RetryBackoff: time.Millisecond}, nil, nil).
		Optimize(context.Background(), "ftp://example.com")
	if !errors.Is(err, faults.ErrInvalidArgument) || faults.IsTransient(err) {
		t.Fatalf("expected permanent invalid argument, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls: got %d", calls.Load())
	}
}

func TestRemote_EmptyAnswer(t *testing.T) {
	router := connectivity.New()
	router.RegisterLocal(Service, func(context.Context, []byte) ([]byte, error) {
		return json.Marshal(map[string]any{})
	})
	_, err := NewRemote(router, Config{}, nil, nil).Optimize(context.Background(), "https://example.com")
	if !errors.Is(err, ErrNoResult) {
		t.Fatalf("expected ErrNoResult, got %v", err)
	}
}
