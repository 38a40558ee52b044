// Package events carries domain notifications from the components to their
// sinks (the real-time relay and the business event log).
package events

import (
	"context"
	"sync"
	"time"
)

// Event names.
const (
	BridgeCreated         = "bridgeCreated"
	AllocationStarted     = "allocationStarted"
	AllocationCompleted   = "allocationCompleted"
	AllocationFailed      = "allocationFailed"
	AllocationReleased    = "allocationReleased"
	OptimizationStarted   = "optimizationStarted"
	OptimizationCompleted = "optimizationComplete"
	OptimizationError     = "optimizationError"
	SpaceArchived         = "spaceArchived"
	RewardIssued          = "rewardIssued"
	StakeCreated          = "stakeCreated"
	StakeMatured          = "stakeMatured"
	ListingCreated        = "listingCreated"
	ListingSold           = "listingSold"
)

// Event is one notification. BridgeID is set for bridge-scoped events and is
// the relay channel they are published on.
type Event struct {
	Name      string         `json:"name"`
	BridgeID  string         `json:"bridge_id,omitempty"`
	AccountID string         `json:"account_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	At        time.Time      `json:"at"`
}

// Emitter receives events. Emit must not block on slow consumers and never
// fails the operation that produced the event.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev Event)

func (f EmitterFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

// Nop discards events.
var Nop Emitter = EmitterFunc(func(context.Context, Event) {})

// Multi fans events out to every non-nil emitter in order.
func Multi(emitters ...Emitter) Emitter {
	var list []Emitter
	for _, e := range emitters {
		if e != nil {
			list = append(list, e)
		}
	}
	return EmitterFunc(func(ctx context.Context, ev Event) {
		if ev.At.IsZero() {
			ev.At = time.Now()
		}
		for _, e := range list {
			e.Emit(ctx, ev)
		}
	})
}

// Recorder keeps every event in memory. Used by tests and the CLI dry runs.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Names returns recorded event names in order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.events))
	for i, ev := range r.events {
		names[i] = ev.Name
	}
	return names
}

// Count returns how many events named name were recorded.
func (r *Recorder) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}
