// Package allocator pools the space reclaimed from each site into a bridge,
// slices it into slots and hands slots to consumers. Allocations are ranked
// over the most efficient bridges, charged through the ledger and either
// fully applied or not at all.
//
// Locking: each bridge has its own mutex; operations spanning bridges lock
// them in ascending id order. Slot occupants are additionally guarded by a
// single short-lived ownership mutex so the marketplace can move a slot from
// inside a ledger transaction without ever waiting on a bridge lock.
package allocator

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hazyhaar/spacebridge/allocator/internal/queue"
	"github.com/hazyhaar/spacebridge/allocator/internal/store"
	"github.com/hazyhaar/spacebridge/dbopen"
	"github.com/hazyhaar/spacebridge/events"
	"github.com/hazyhaar/spacebridge/faults"
	"github.com/hazyhaar/spacebridge/idgen"
	"github.com/hazyhaar/spacebridge/ledger"
	"github.com/hazyhaar/spacebridge/observability"
	"github.com/hazyhaar/spacebridge/optimizer"
	"github.com/hazyhaar/spacebridge/registry"
)

// Schema is the allocator DDL, queue included.
const Schema = store.Schema + queue.Schema

type (
	Bridge     = store.Bridge
	Allocation = store.Allocation
	Leg        = store.Leg
)

// Charger bills allocations. *ledger.Ledger implements it.
type Charger interface {
	Charge(ctx context.Context, accountID string, amount decimal.Decimal, memo string) (*ledger.Transaction, error)
	Refund(ctx context.Context, accountID string, amount decimal.Decimal, memo string) (*ledger.Transaction, error)
}

// Ingester feeds re-optimization results back through the site registry.
// *registry.Registry implements it.
type Ingester interface {
	Ingest(ctx context.Context, res registry.CrawlResult) (*registry.Site, error)
}

type bridgeState struct {
	mu sync.Mutex
	b  *Bridge
}

// Allocator owns every bridge. Safe for concurrent use.
type Allocator struct {
	store     *store.Store
	queue     *queue.Queue
	cfg       Config
	logger    *slog.Logger
	emitter   events.Emitter
	metrics   *observability.MetricsManager
	charger   Charger
	ingester  Ingester
	optimizer optimizer.Optimizer
	now       func() time.Time
	newID     idgen.Generator
	newJobID  idgen.Generator

	mu          sync.RWMutex
	bridges     map[string]*bridgeState
	allocations map[string]*Allocation

	// own guards slots plus the Occupied, OccupantID, AllocationID and
	// ExpiresAt fields of every slot. It is never held while waiting on a
	// bridge lock.
	own   sync.Mutex
	slots map[string]*registry.Slot
}

// Option configures an Allocator.
type Option func(*Allocator)

func WithLogger(l *slog.Logger) Option           { return func(a *Allocator) { a.logger = l } }
func WithEmitter(e events.Emitter) Option        { return func(a *Allocator) { a.emitter = e } }
func WithCharger(c Charger) Option               { return func(a *Allocator) { a.charger = c } }
func WithIngester(i Ingester) Option             { return func(a *Allocator) { a.ingester = i } }
func WithOptimizer(o optimizer.Optimizer) Option { return func(a *Allocator) { a.optimizer = o } }
func WithClock(fn func() time.Time) Option       { return func(a *Allocator) { a.now = fn } }
func WithIDGenerator(g idgen.Generator) Option   { return func(a *Allocator) { a.newID = g } }
func WithMetrics(m *observability.MetricsManager) Option {
	return func(a *Allocator) { a.metrics = m }
}

// New loads every bridge and allocation from db (Schema applied).
func New(ctx context.Context, db *sql.DB, cfg Config, opts ...Option) (*Allocator, error) {
	cfg.defaults()
	a := &Allocator{
		store:       store.New(db),
		cfg:         cfg,
		logger:      slog.Default(),
		emitter:     events.Nop,
		now:         time.Now,
		newID:       idgen.Prefixed("alc_", idgen.Default),
		newJobID:    idgen.Prefixed("req_", idgen.Default),
		bridges:     make(map[string]*bridgeState),
		slots:       make(map[string]*registry.Slot),
		allocations: make(map[string]*Allocation),
	}
	for _, o := range opts {
		o(a)
	}
	a.queue = queue.New(db, cfg.QueueVisibility, a.now)
	if err := a.load(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// SetCharger wires the ledger after construction.
func (a *Allocator) SetCharger(c Charger) { a.charger = c }

// SetIngester wires the registry after construction.
func (a *Allocator) SetIngester(i Ingester) { a.ingester = i }

func (a *Allocator) load(ctx context.Context) error {
	bridges, err := a.store.LoadBridges(ctx)
	if err != nil {
		return fmt.Errorf("allocator: load: %w", err)
	}
	allocs, err := a.store.LoadAllocations(ctx)
	if err != nil {
		return fmt.Errorf("allocator: load: %w", err)
	}
	for _, b := range bridges {
		recount(b)
		a.bridges[b.ID] = &bridgeState{b: b}
		for _, sl := range b.Slots {
			a.slots[sl.ID] = sl
		}
	}
	for _, al := range allocs {
		a.allocations[al.ID] = al
	}
	a.logger.Info("allocator: loaded", "bridges", len(bridges), "allocations", len(allocs))
	return nil
}

// recount derives the space counters of b from its slots.
func recount(b *Bridge) {
	b.SpaceAvailableBytes, b.SpaceUsedBytes, b.ArchivedBytes, b.ArchivedNotionalBytes = 0, 0, 0, 0
	for _, sl := range b.Slots {
		if sl.Archived {
			b.ArchivedBytes += sl.SizeBytes
			b.ArchivedNotionalBytes += sl.SizeBytes / 2
			continue
		}
		b.SpaceAvailableBytes += sl.SizeBytes
		if sl.Occupied {
			b.SpaceUsedBytes += sl.SizeBytes
		}
	}
	b.Operational = b.SpaceAvailableBytes > 0
}

// BridgeID is the bridge of a site.
func BridgeID(siteID string) string { return "br-" + siteID }

func (a *Allocator) state(id string) *bridgeState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bridges[id]
}

// snapshot copies b. The caller holds the bridge lock.
func (a *Allocator) snapshot(b *Bridge) *Bridge {
	cp := *b
	cp.Slots = make([]*registry.Slot, len(b.Slots))
	consumers := make(map[string]bool)
	a.own.Lock()
	for i, sl := range b.Slots {
		s := *sl
		cp.Slots[i] = &s
		if sl.Occupied && sl.OccupantID != "" {
			consumers[sl.OccupantID] = true
		}
	}
	a.own.Unlock()
	cp.ConsumerIDs = make([]string, 0, len(consumers))
	for c := range consumers {
		cp.ConsumerIDs = append(cp.ConsumerIDs, c)
	}
	sort.Strings(cp.ConsumerIDs)
	return &cp
}

// SyncSite creates or updates the bridge of site: efficiency is recomputed,
// planned slots replace unoccupied ones whose shape changed, and occupied or
// unchanged slots are kept with their archival. It returns the slot ids of
// the bridge.
func (a *Allocator) SyncSite(ctx context.Context, site *registry.Site) ([]string, error) {
	if site == nil || site.ID == "" {
		return nil, faults.Invalid("site is required")
	}
	id := BridgeID(site.ID)
	now := a.now()

	a.mu.Lock()
	st, exists := a.bridges[id]
	if !exists {
		st = &bridgeState{b: &Bridge{
			ID:           id,
			SourceSiteID: site.ID,
			SourceURL:    site.URL,
			CreatedAt:    now.UnixMilli(),
		}}
		a.bridges[id] = st
	}
	a.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	b := st.b
	prev := *b
	prevSlots := b.Slots

	planned := registry.PlanSlots(site.ID, site.SpaceReclaimedBytes, site.SEOScore)
	slots, removed, changed := reconcile(b.Slots, planned, site.SpaceReclaimedBytes)

	b.SourceURL = site.URL
	b.Slots = slots
	b.ReclaimedBytes = site.SpaceReclaimedBytes
	b.CurrentSizeBytes = site.CurrentSizeBytes
	b.OptimizedSizeBytes = site.OptimizedSizeBytes
	b.SEOScore = site.SEOScore
	b.EfficiencyScore = Efficiency(site.CurrentSizeBytes, site.OptimizedSizeBytes, site.SpaceReclaimedBytes, site.SEOScore)
	b.LastOptimizedAt = now.UnixMilli()
	// A re-crawl that leaves the slots as they were does not count as
	// activity for archival.
	if changed || !exists {
		b.ModifiedAt = now.UnixMilli()
	}
	recount(b)
	b.NextOptimizeAt = nextOptimize(now, a.cfg.ReoptimizeBase, a.cfg.ReoptimizeMinInterval,
		b.EfficiencyScore, b.SpaceUsedBytes, b.SpaceAvailableBytes).UnixMilli()

	err := dbopen.RunTx(ctx, a.store.DB, func(tx *sql.Tx) error {
		if err := a.store.PutBridge(ctx, tx, b); err != nil {
			return err
		}
		if err := a.store.DeleteSlots(ctx, tx, removed); err != nil {
			return err
		}
		return a.store.PutSlotShapes(ctx, tx, b.ID, b.Slots)
	})
	if err != nil {
		*b = prev
		b.Slots = prevSlots
		if !exists {
			a.mu.Lock()
			delete(a.bridges, id)
			a.mu.Unlock()
		}
		return nil, fmt.Errorf("allocator: sync %s: %w", id, err)
	}

	a.own.Lock()
	for _, sid := range removed {
		delete(a.slots, sid)
	}
	ids := make([]string, len(b.Slots))
	for i, sl := range b.Slots {
		a.slots[sl.ID] = sl
		ids[i] = sl.ID
	}
	a.own.Unlock()

	if !exists {
		a.logger.Info("allocator: bridge created", "bridge_id", id, "slots", len(ids), "efficiency", b.EfficiencyScore)
		a.emitter.Emit(ctx, events.Event{
			Name:     events.BridgeCreated,
			BridgeID: id,
			Data: map[string]any{
				"site_id": site.ID, "url": site.URL, "available_bytes": b.SpaceAvailableBytes,
				"efficiency": b.EfficiencyScore, "slots": len(ids),
			},
		})
	}
	return ids, nil
}

// reconcile merges planned slots into the existing ones. Occupied slots are
// kept in place; an occupied slot that no longer fits the reclaimed space is
// flagged orphaned. Free slots whose size and kind match the plan are kept,
// archived or not, with the planned price. Unoccupied slots missing from the
// plan are returned as removed. changed reports added, removed or reshaped
// slots.
func reconcile(existing []*registry.Slot, planned []registry.Slot, reclaimed int64) (slots []*registry.Slot, removed []string, changed bool) {
	byIndex := make(map[int]*registry.Slot, len(existing))
	maxIndex := len(planned) - 1
	for _, sl := range existing {
		byIndex[sl.Index] = sl
		if sl.Index > maxIndex {
			maxIndex = sl.Index
		}
	}
	var total int64
	for i := 0; i <= maxIndex; i++ {
		old := byIndex[i]
		switch {
		case old != nil && old.Occupied:
			total += old.SizeBytes
			old.Orphaned = total > reclaimed
			old.Archived = false
			slots = append(slots, old)
		case i < len(planned):
			p := planned[i]
			total += p.SizeBytes
			if old != nil && old.SizeBytes == p.SizeBytes && old.Kind == p.Kind {
				kept := *old
				kept.Price, kept.Orphaned = p.Price, false
				slots = append(slots, &kept)
				continue
			}
			changed = true
			slots = append(slots, &p)
		case old != nil:
			changed = true
			removed = append(removed, old.ID)
		}
	}
	return slots, removed, changed
}

// Bridge returns a copy of a bridge.
func (a *Allocator) Bridge(id string) (*Bridge, error) {
	st := a.state(id)
	if st == nil {
		return nil, &faults.NotFoundError{Kind: "bridge", ID: id}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return a.snapshot(st.b), nil
}

// Bridges returns copies of every bridge ordered by id.
func (a *Allocator) Bridges() []*Bridge {
	a.mu.RLock()
	states := make([]*bridgeState, 0, len(a.bridges))
	for _, st := range a.bridges {
		states = append(states, st)
	}
	a.mu.RUnlock()

	out := make([]*Bridge, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, a.snapshot(st.b))
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Allocation returns an allocation.
func (a *Allocator) Allocation(id string) (*Allocation, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	al, ok := a.allocations[id]
	if !ok {
		return nil, &faults.NotFoundError{Kind: "allocation", ID: id}
	}
	cp := *al
	return &cp, nil
}

// Allocations lists allocations of a consumer ("" = all), newest first.
func (a *Allocator) Allocations(consumerID string, activeOnly bool) []*Allocation {
	a.mu.RLock()
	var out []*Allocation
	for _, al := range a.allocations {
		if consumerID != "" && al.ConsumerID != consumerID {
			continue
		}
		if activeOnly && al.ReleasedAt != 0 {
			continue
		}
		cp := *al
		out = append(out, &cp)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Stats summarises the allocator.
type Stats struct {
	Bridges               int     `json:"bridges"`
	Operational           int     `json:"operational"`
	Slots                 int     `json:"slots"`
	SpaceAvailableBytes   int64   `json:"space_available_bytes"`
	SpaceUsedBytes        int64   `json:"space_used_bytes"`
	ArchivedBytes         int64   `json:"archived_bytes"`
	ArchivedNotionalBytes int64   `json:"archived_notional_bytes"`
	ActiveAllocations     int     `json:"active_allocations"`
	Consumers             int     `json:"consumers"`
	Queued                int     `json:"queued"`
	AvgEfficiency         float64 `json:"avg_efficiency"`
}

// Stats aggregates every bridge.
func (a *Allocator) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{}
	consumers := make(map[string]bool)
	var effSum int
	for _, b := range a.Bridges() {
		s.Bridges++
		if b.Operational {
			s.Operational++
		}
		s.Slots += len(b.Slots)
		s.SpaceAvailableBytes += b.SpaceAvailableBytes
		s.SpaceUsedBytes += b.SpaceUsedBytes
		s.ArchivedBytes += b.ArchivedBytes
		s.ArchivedNotionalBytes += b.ArchivedNotionalBytes
		effSum += b.EfficiencyScore
		for _, c := range b.ConsumerIDs {
			consumers[c] = true
		}
	}
	if s.Bridges > 0 {
		s.AvgEfficiency = float64(effSum) / float64(s.Bridges)
	}
	s.Consumers = len(consumers)
	s.ActiveAllocations = len(a.Allocations("", true))
	n, err := a.queue.Len(ctx)
	if err != nil {
		return nil, err
	}
	s.Queued = n
	return s, nil
}
