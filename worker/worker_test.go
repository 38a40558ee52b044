package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordingPulse struct {
	mu   sync.Mutex
	errs []error
}

func (p *recordingPulse) Beat(_ context.Context, _ string, _ time.Duration, err error) {
	p.mu.Lock()
	p.errs = append(p.errs, err)
	p.mu.Unlock()
}

func TestTick_SkipsWhileRunning(t *testing.T) {
	// WHAT: a tick that fires during a slow run is dropped.
	// WHY: periodic jobs must never overlap with themselves.
	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32

	l := New("slow", time.Hour, func(ctx context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	})

	done := make(chan bool)
	go func() { done <- l.Tick(context.Background()) }()
	<-started

	if l.Tick(context.Background()) {
		t.Fatal("second tick ran while first in flight")
	}
	if l.Skipped() != 1 {
		t.Fatalf("skipped = %d, want 1", l.Skipped())
	}

	close(release)
	if !<-done {
		t.Fatal("first tick reported skipped")
	}
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}
}

func TestTick_ErrorAndPanicReported(t *testing.T) {
	p := &recordingPulse{}
	boom := errors.New("boom")

	l := New("failing", time.Hour, func(context.Context) error { return boom }, WithPulse(p))
	l.Tick(context.Background())

	pp := New("panicky", time.Hour, func(context.Context) error { panic("x") }, WithPulse(p))
	if !pp.Tick(context.Background()) {
		t.Fatal("panicking tick reported skipped")
	}
	// the loop survives and can run again
	if !pp.Tick(context.Background()) {
		t.Fatal("loop stuck after panic")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.errs) != 3 {
		t.Fatalf("beats = %d, want 3", len(p.errs))
	}
	if !errors.Is(p.errs[0], boom) {
		t.Fatalf("first beat err = %v", p.errs[0])
	}
	if p.errs[1] == nil {
		t.Fatal("panic not reported as error")
	}
}

func TestRun_ImmediateAndStop(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	l := New("fast", 10*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	}, Immediate())

	stopped := make(chan struct{})
	go func() {
		Group(ctx, l)
		close(stopped)
	}()

	deadline := time.After(2 * time.Second)
	for runs.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("runs = %d after 2s", runs.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Group did not return after cancel")
	}
}
