package events

import (
	"context"
	"testing"
)

func TestMulti_FanOutAndTimestamp(t *testing.T) {
	var a, b Recorder
	m := Multi(&a, nil, &b)
	m.Emit(context.Background(), Event{Name: BridgeCreated, BridgeID: "br-1"})

	for _, r := range []*Recorder{&a, &b} {
		evs := r.Events()
		if len(evs) != 1 {
			t.Fatalf("events = %d, want 1", len(evs))
		}
		if evs[0].At.IsZero() {
			t.Fatal("timestamp not filled")
		}
	}
	if a.Count(BridgeCreated) != 1 || a.Count(SpaceArchived) != 0 {
		t.Fatalf("counts wrong: %v", a.Names())
	}
}
