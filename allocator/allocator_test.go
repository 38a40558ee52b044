package allocator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hazyhaar/spacebridge/dbopen"
	"github.com/hazyhaar/spacebridge/events"
	"github.com/hazyhaar/spacebridge/faults"
	"github.com/hazyhaar/spacebridge/ledger"
	"github.com/hazyhaar/spacebridge/registry"

	_ "modernc.org/sqlite"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// charger is an in-memory Charger.
type charger struct {
	mu      sync.Mutex
	fail    error
	charged []decimal.Decimal
	refunds int
}

func (c *charger) Charge(_ context.Context, account string, amount decimal.Decimal, _ string) (*ledger.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return nil, c.fail
	}
	c.charged = append(c.charged, amount)
	return &ledger.Transaction{ID: fmt.Sprintf("tx-%d", len(c.charged)), From: account, Amount: amount}, nil
}

func (c *charger) Refund(_ context.Context, account string, amount decimal.Decimal, _ string) (*ledger.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refunds++
	return &ledger.Transaction{ID: "refund", To: account, Amount: amount}, nil
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(ledger.Schema, registry.Schema, Schema))
}

func testAllocator(t *testing.T, db *sql.DB, clk *clock, cfg Config, opts ...Option) (*Allocator, *events.Recorder) {
	t.Helper()
	rec := &events.Recorder{}
	opts = append([]Option{WithClock(clk.Now), WithEmitter(rec)}, opts...)
	a, err := New(context.Background(), db, cfg, opts...)
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	return a, rec
}

// site builds a site reclaiming current-optimized bytes.
func site(id string, current, optimized int64, seo int) *registry.Site {
	return &registry.Site{
		ID:                  id,
		URL:                 "https://" + id + ".example/",
		CurrentSizeBytes:    current,
		OptimizedSizeBytes:  optimized,
		SpaceReclaimedBytes: current - optimized,
		SEOScore:            seo,
	}
}

func mustSync(t *testing.T, a *Allocator, s *registry.Site) *Bridge {
	t.Helper()
	if _, err := a.SyncSite(context.Background(), s); err != nil {
		t.Fatalf("sync %s: %v", s.ID, err)
	}
	b, err := a.Bridge(BridgeID(s.ID))
	if err != nil {
		t.Fatalf("bridge %s: %v", s.ID, err)
	}
	return b
}

func mustBridge(t *testing.T, a *Allocator, id string) *Bridge {
	t.Helper()
	b, err := a.Bridge(id)
	if err != nil {
		t.Fatalf("bridge %s: %v", id, err)
	}
	return b
}

// checkBridge verifies the space counters against the slots.
func checkBridge(t *testing.T, b *Bridge) {
	t.Helper()
	var avail, used int64
	for _, sl := range b.Slots {
		if sl.Archived {
			continue
		}
		avail += sl.SizeBytes
		if sl.Occupied {
			used += sl.SizeBytes
		}
	}
	if b.SpaceAvailableBytes != avail || b.SpaceUsedBytes != used {
		t.Fatalf("%s: counters %d/%d, slots say %d/%d", b.ID, b.SpaceUsedBytes, b.SpaceAvailableBytes, used, avail)
	}
	if b.SpaceUsedBytes < 0 || b.SpaceUsedBytes > b.SpaceAvailableBytes {
		t.Fatalf("%s: used %d outside [0, %d]", b.ID, b.SpaceUsedBytes, b.SpaceAvailableBytes)
	}
}

func TestEfficiency(t *testing.T) {
	cases := []struct {
		current, optimized, reclaimed int64
		seo                           int
		want                          int
	}{
		{120000, 20000, 100000, 80, 87},
		{130000, 30000, 100000, 100, 90},
		{0, 0, 0, 0, 0},
		{1000, 1000, 0, 100, 30},
		{10_000_000, 0, 10_000_000, 100, 100},
		{1000, 5000, 0, -20, 0},
	}
	for _, c := range cases {
		got := Efficiency(c.current, c.optimized, c.reclaimed, c.seo)
		if got != c.want {
			t.Errorf("Efficiency(%d, %d, %d, %d) = %d, want %d", c.current, c.optimized, c.reclaimed, c.seo, got, c.want)
		}
	}
}

func TestNextOptimize(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	got := nextOptimize(now, 24*time.Hour, 3*time.Hour, 50, 0, 1000)
	if want := now.Add(36 * time.Hour); !got.Equal(want) {
		t.Errorf("idle bridge: got %v, want %v", got, want)
	}
	// Fully used and perfectly efficient collapses to the floor.
	got = nextOptimize(now, 24*time.Hour, 3*time.Hour, 100, 1000, 1000)
	if want := now.Add(3 * time.Hour); !got.Equal(want) {
		t.Errorf("busy bridge: got %v, want %v", got, want)
	}
}

func TestSyncSite_CreatesBridge(t *testing.T) {
	// WHAT: 120000 -> 20000 bytes at SEO 80 gives a 10 slot bridge.
	// WHY: the reference scenario every allocation number derives from.
	a, rec := testAllocator(t, openDB(t), newClock(), Config{})
	b := mustSync(t, a, site("alpha", 120000, 20000, 80))

	if len(b.Slots) != 10 {
		t.Fatalf("slots: got %d, want 10", len(b.Slots))
	}
	if b.SpaceAvailableBytes != 100000 || b.SpaceUsedBytes != 0 {
		t.Errorf("space: %d/%d", b.SpaceUsedBytes, b.SpaceAvailableBytes)
	}
	if b.EfficiencyScore != 87 {
		t.Errorf("efficiency: got %d, want 87", b.EfficiencyScore)
	}
	if !b.Operational {
		t.Error("bridge should be operational")
	}
	if b.NextOptimizeAt <= b.LastOptimizedAt {
		t.Errorf("next optimize %d not after %d", b.NextOptimizeAt, b.LastOptimizedAt)
	}

	mustSync(t, a, site("alpha", 120000, 20000, 80))
	if n := rec.Count(events.BridgeCreated); n != 1 {
		t.Errorf("bridgeCreated: got %d, want 1", n)
	}
	if _, err := a.Bridge("br-missing"); !faults.IsNotFound(err) {
		t.Errorf("missing bridge: %v", err)
	}
	if _, err := a.SyncSite(context.Background(), &registry.Site{}); !errors.Is(err, faults.ErrInvalidArgument) {
		t.Errorf("empty site: %v", err)
	}
}

func TestSyncSite_GrowthKeepsOccupiedSlots(t *testing.T) {
	ctx := context.Background()
	a, _ := testAllocator(t, openDB(t), newClock(), Config{})
	mustSync(t, a, site("beta", 100000, 70000, 0))

	al, err := a.Allocate(ctx, "room-1", 15000)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if al.PhysicalBytes != 20480 {
		t.Fatalf("physical: got %d, want 20480", al.PhysicalBytes)
	}

	b := mustSync(t, a, site("beta", 100000, 50000, 0))
	checkBridge(t, b)
	if len(b.Slots) != 5 || b.SpaceAvailableBytes != 50000 {
		t.Fatalf("grown bridge: %d slots, %d bytes", len(b.Slots), b.SpaceAvailableBytes)
	}
	if b.SpaceUsedBytes != 20480 {
		t.Errorf("used: got %d, want 20480", b.SpaceUsedBytes)
	}
	for _, sl := range b.Slots[:2] {
		if !sl.Occupied || sl.OccupantID != "room-1" || sl.AllocationID != al.ID {
			t.Errorf("slot %s lost its occupant: %+v", sl.ID, sl)
		}
	}

	// Shrinking below an occupied slot keeps it, flagged orphaned.
	b = mustSync(t, a, site("beta", 100000, 88000, 0))
	checkBridge(t, b)
	if len(b.Slots) != 2 {
		t.Fatalf("shrunk bridge: %d slots", len(b.Slots))
	}
	if b.Slots[0].Orphaned || !b.Slots[1].Orphaned {
		t.Errorf("orphan flags: %v %v", b.Slots[0].Orphaned, b.Slots[1].Orphaned)
	}
}

func TestAllocate_BonusScenario(t *testing.T) {
	// WHAT: 50000 bytes from a 100000 byte bridge at efficiency 90.
	// WHY: the bonus is bridge-side: fewer physical bytes are used and the
	// consumer pays for what it asked.
	ctx := context.Background()
	ch := &charger{}
	a, rec := testAllocator(t, openDB(t), newClock(), Config{}, WithCharger(ch))
	b := mustSync(t, a, site("gamma", 130000, 30000, 100))
	if b.EfficiencyScore != 90 || b.SpaceAvailableBytes != 100000 {
		t.Fatalf("setup: efficiency %d, available %d", b.EfficiencyScore, b.SpaceAvailableBytes)
	}

	al, err := a.Allocate(ctx, "chat-1", 50000)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if al.PhysicalBytes != 40960 || al.EffectiveBytes != 61440 || al.BonusBytes != 20480 {
		t.Errorf("bytes: physical %d effective %d bonus %d", al.PhysicalBytes, al.EffectiveBytes, al.BonusBytes)
	}
	if len(al.Legs) != 1 || len(al.Legs[0].SlotIDs) != 4 || !al.Legs[0].Bonus {
		t.Errorf("legs: %+v", al.Legs)
	}
	if !al.Charge.Equal(decimal.RequireFromString("48.828125")) {
		t.Errorf("charge: got %s", al.Charge)
	}
	if len(ch.charged) != 1 || !ch.charged[0].Equal(al.Charge) {
		t.Errorf("charger: %v", ch.charged)
	}

	b = mustBridge(t, a, b.ID)
	checkBridge(t, b)
	if b.SpaceUsedBytes != 40960 {
		t.Errorf("used: got %d", b.SpaceUsedBytes)
	}
	if len(b.ConsumerIDs) != 1 || b.ConsumerIDs[0] != "chat-1" {
		t.Errorf("consumers: %v", b.ConsumerIDs)
	}
	if rec.Count(events.AllocationStarted) != 1 || rec.Count(events.AllocationCompleted) != 1 {
		t.Errorf("events: %v", rec.Names())
	}
}

func TestAllocate_PrefersEfficientBridge(t *testing.T) {
	ctx := context.Background()
	a, _ := testAllocator(t, openDB(t), newClock(), Config{})
	mustSync(t, a, site("low", 100000, 70000, 0))
	mustSync(t, a, site("high", 100000, 70000, 60))

	al, err := a.Allocate(ctx, "c1", 5000)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if len(al.Legs) != 1 || al.Legs[0].BridgeID != BridgeID("high") {
		t.Errorf("legs: %+v", al.Legs)
	}
}

func TestAllocate_SpansBridges(t *testing.T) {
	ctx := context.Background()
	a, _ := testAllocator(t, openDB(t), newClock(), Config{})
	mustSync(t, a, site("one", 100000, 80000, 10))
	mustSync(t, a, site("two", 100000, 80000, 20))

	al, err := a.Allocate(ctx, "c1", 30000)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if len(al.Legs) != 2 || al.PhysicalBytes != 30240 {
		t.Fatalf("legs %d, physical %d", len(al.Legs), al.PhysicalBytes)
	}
	if al.Legs[0].BridgeID != BridgeID("two") {
		t.Errorf("first leg from %s", al.Legs[0].BridgeID)
	}
}

func TestAllocate_CapacityErrorIsAtomic(t *testing.T) {
	// WHAT: a request larger than every candidate combined changes nothing.
	// WHY: partial allocations would leak space nobody pays for.
	ctx := context.Background()
	ch := &charger{}
	a, rec := testAllocator(t, openDB(t), newClock(), Config{}, WithCharger(ch))
	mustSync(t, a, site("one", 100000, 80000, 10))
	mustSync(t, a, site("two", 100000, 80000, 20))

	_, err := a.Allocate(ctx, "c1", 50000)
	var ce *faults.CapacityError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CapacityError, got %v", err)
	}
	if ce.Available != 40000 || ce.Shortfall() != 10000 {
		t.Errorf("capacity error: %+v shortfall %d", ce, ce.Shortfall())
	}
	for _, b := range a.Bridges() {
		checkBridge(t, b)
		if b.SpaceUsedBytes != 0 {
			t.Errorf("%s: used %d after failed allocation", b.ID, b.SpaceUsedBytes)
		}
	}
	if len(ch.charged) != 0 {
		t.Errorf("charged %v", ch.charged)
	}
	if rec.Count(events.AllocationFailed) != 1 {
		t.Errorf("events: %v", rec.Names())
	}

	if _, err := a.Allocate(ctx, "c1", 0); !errors.Is(err, faults.ErrInvalidArgument) {
		t.Errorf("zero bytes: %v", err)
	}
	if _, err := a.Allocate(ctx, "", 10); !errors.Is(err, faults.ErrInvalidArgument) {
		t.Errorf("no consumer: %v", err)
	}
}

func TestAllocate_ChargeFailureFreesSlots(t *testing.T) {
	ctx := context.Background()
	ch := &charger{fail: &faults.BalanceError{Account: "c1", Required: "10", Available: "0"}}
	a, _ := testAllocator(t, openDB(t), newClock(), Config{}, WithCharger(ch))
	mustSync(t, a, site("one", 100000, 80000, 10))

	_, err := a.Allocate(ctx, "c1", 10240)
	var be *faults.BalanceError
	if !errors.As(err, &be) {
		t.Fatalf("expected BalanceError, got %v", err)
	}
	b := mustBridge(t, a, BridgeID("one"))
	checkBridge(t, b)
	if b.SpaceUsedBytes != 0 || len(b.ConsumerIDs) != 0 {
		t.Errorf("reservation kept: used %d consumers %v", b.SpaceUsedBytes, b.ConsumerIDs)
	}
	if len(a.Allocations("", false)) != 0 {
		t.Error("allocation recorded")
	}
}

func TestAllocate_RandomSequence(t *testing.T) {
	// WHAT: random allocations and releases never break the counters.
	// WHY: free space must never go negative nor a slot be held twice.
	ctx := context.Background()
	a, _ := testAllocator(t, openDB(t), newClock(), Config{})
	mustSync(t, a, site("a", 100000, 60000, 10))
	mustSync(t, a, site("b", 200000, 150000, 90))
	mustSync(t, a, site("c", 50000, 20000, 50))

	rng := rand.New(rand.NewSource(7))
	var active []string
	for i := 0; i < 200; i++ {
		if len(active) > 0 && rng.Intn(3) == 0 {
			j := rng.Intn(len(active))
			if _, err := a.Release(ctx, active[j]); err != nil {
				t.Fatalf("release: %v", err)
			}
			active = append(active[:j], active[j+1:]...)
		} else {
			al, err := a.Allocate(ctx, fmt.Sprintf("c%d", rng.Intn(5)), int64(1+rng.Intn(60000)))
			var ce *faults.CapacityError
			switch {
			case err == nil:
				active = append(active, al.ID)
			case !errors.As(err, &ce):
				t.Fatalf("allocate: %v", err)
			}
		}

		var used, held int64
		for _, b := range a.Bridges() {
			checkBridge(t, b)
			used += b.SpaceUsedBytes
		}
		for _, al := range a.Allocations("", true) {
			held += al.PhysicalBytes
		}
		if used != held {
			t.Fatalf("step %d: bridges use %d bytes, active allocations hold %d", i, used, held)
		}
	}
}

func TestAllocate_Concurrent(t *testing.T) {
	// WHAT: 25 concurrent one-slot requests on a 10 slot bridge.
	// WHY: two allocations must never both take the same free bytes.
	ctx := context.Background()
	a, _ := testAllocator(t, openDB(t), newClock(), Config{})
	mustSync(t, a, site("one", 200000, 97600, 0))

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, short := 0, 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := a.Allocate(ctx, fmt.Sprintf("c%d", i), 10240)
			mu.Lock()
			defer mu.Unlock()
			var ce *faults.CapacityError
			switch {
			case err == nil:
				ok++
			case errors.As(err, &ce):
				short++
			default:
				t.Errorf("allocate: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if ok != 10 || short != 15 {
		t.Errorf("ok %d short %d, want 10/15", ok, short)
	}
	b := mustBridge(t, a, BridgeID("one"))
	checkBridge(t, b)
	if b.SpaceUsedBytes != b.SpaceAvailableBytes || len(b.ConsumerIDs) != 10 {
		t.Errorf("used %d of %d, %d consumers", b.SpaceUsedBytes, b.SpaceAvailableBytes, len(b.ConsumerIDs))
	}
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	a, rec := testAllocator(t, openDB(t), newClock(), Config{})
	mustSync(t, a, site("one", 100000, 70000, 10))

	al, err := a.Allocate(ctx, "c1", 20000)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	released, err := a.Release(ctx, al.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.ReleasedAt == 0 {
		t.Error("released_at not set")
	}
	b := mustBridge(t, a, BridgeID("one"))
	checkBridge(t, b)
	if b.SpaceUsedBytes != 0 || len(b.ConsumerIDs) != 0 {
		t.Errorf("after release: used %d consumers %v", b.SpaceUsedBytes, b.ConsumerIDs)
	}
	if rec.Count(events.AllocationReleased) != 1 {
		t.Errorf("events: %v", rec.Names())
	}
	if _, err := a.Release(ctx, al.ID); !errors.Is(err, faults.ErrInvalidArgument) {
		t.Errorf("double release: %v", err)
	}
	if _, err := a.Release(ctx, "alc_missing"); !faults.IsNotFound(err) {
		t.Errorf("unknown allocation: %v", err)
	}
	if got := a.Allocations("c1", true); len(got) != 0 {
		t.Errorf("active allocations: %d", len(got))
	}
}

func TestRelease_Concurrent(t *testing.T) {
	// WHAT: concurrent releases of one allocation release it once.
	// WHY: a second release would emit a second AllocationReleased.
	ctx := context.Background()
	a, rec := testAllocator(t, openDB(t), newClock(), Config{})
	mustSync(t, a, site("one", 100000, 70000, 10))
	al, err := a.Allocate(ctx, "c1", 20000)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, rejected := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Release(ctx, al.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, faults.ErrInvalidArgument):
				rejected++
			default:
				t.Errorf("release: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || rejected != 7 {
		t.Errorf("ok %d rejected %d, want 1/7", ok, rejected)
	}
	if n := rec.Count(events.AllocationReleased); n != len(al.Legs) {
		t.Errorf("released events: %d, want %d", n, len(al.Legs))
	}
	checkBridge(t, mustBridge(t, a, BridgeID("one")))
}

func TestReleaseExpired(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	a, _ := testAllocator(t, openDB(t), clk, Config{AllocationTTL: time.Hour})
	mustSync(t, a, site("one", 100000, 70000, 10))

	if _, err := a.Allocate(ctx, "c1", 10000); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if n, _ := a.ReleaseExpired(ctx); n != 0 {
		t.Errorf("released %d before expiry", n)
	}
	clk.Advance(61 * time.Minute)
	if n, err := a.ReleaseExpired(ctx); err != nil || n != 1 {
		t.Errorf("expired: n=%d err=%v", n, err)
	}
	if b := mustBridge(t, a, BridgeID("one")); b.SpaceUsedBytes != 0 {
		t.Errorf("used after expiry: %d", b.SpaceUsedBytes)
	}
}

func TestArchive(t *testing.T) {
	// WHAT: an idle bridge under 10% usage gets its free slots archived.
	// WHY: archived space leaves the ranking but stays queryable.
	ctx := context.Background()
	clk := newClock()
	a, rec := testAllocator(t, openDB(t), clk, Config{})
	mustSync(t, a, site("idle", 100000, 50000, 10))
	mustSync(t, a, site("busy", 100000, 50000, 90))
	if _, err := a.Allocate(ctx, "c1", 10000); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if b := mustBridge(t, a, BridgeID("busy")); b.SpaceUsedBytes == 0 {
		t.Fatalf("allocation should have landed on busy, used %d", b.SpaceUsedBytes)
	}

	if n, _ := a.Archive(ctx); n != 0 {
		t.Fatalf("archived %d fresh bridges", n)
	}
	clk.Advance(31 * 24 * time.Hour)
	n, err := a.Archive(ctx)
	if err != nil || n != 1 {
		t.Fatalf("archive: n=%d err=%v", n, err)
	}

	idle := mustBridge(t, a, BridgeID("idle"))
	checkBridge(t, idle)
	if idle.ArchivedBytes != 50000 || idle.ArchivedNotionalBytes != 25000 {
		t.Errorf("archived %d notional %d", idle.ArchivedBytes, idle.ArchivedNotionalBytes)
	}
	if idle.SpaceAvailableBytes != 0 || idle.Operational {
		t.Errorf("idle still allocatable: %d operational=%v", idle.SpaceAvailableBytes, idle.Operational)
	}
	if len(idle.Slots) != 5 {
		t.Errorf("archived slots not queryable: %d", len(idle.Slots))
	}
	if rec.Count(events.SpaceArchived) != 1 {
		t.Errorf("events: %v", rec.Names())
	}

	// Only busy remains rankable.
	al, err := a.Allocate(ctx, "c2", 5000)
	if err != nil {
		t.Fatalf("allocate after archive: %v", err)
	}
	if al.Legs[0].BridgeID != BridgeID("busy") {
		t.Errorf("allocated from %s", al.Legs[0].BridgeID)
	}
}

func TestArchive_SurvivesUnchangedRecrawl(t *testing.T) {
	// WHAT: re-syncing an archived bridge from an unchanged crawl keeps its
	// slots archived, and an unchanged daily crawl does not reset idleness.
	// WHY: tracked sites are re-crawled far more often than the idle window.
	ctx := context.Background()
	clk := newClock()
	a, _ := testAllocator(t, openDB(t), clk, Config{})
	s := site("idle", 100000, 50000, 10)
	mustSync(t, a, s)

	for i := 0; i < 31; i++ {
		clk.Advance(24 * time.Hour)
		mustSync(t, a, s)
	}
	if n, err := a.Archive(ctx); err != nil || n != 1 {
		t.Fatalf("archive after daily re-crawls: n=%d err=%v", n, err)
	}

	clk.Advance(24 * time.Hour)
	b := mustSync(t, a, s)
	checkBridge(t, b)
	if b.ArchivedBytes != 50000 || b.SpaceAvailableBytes != 0 || b.Operational {
		t.Errorf("after re-crawl: archived %d available %d operational=%v",
			b.ArchivedBytes, b.SpaceAvailableBytes, b.Operational)
	}
	var ce *faults.CapacityError
	if _, err := a.Allocate(ctx, "c1", 1000); !errors.As(err, &ce) {
		t.Errorf("allocated from archived space: %v", err)
	}

	// A crawl that reshapes the site brings fresh space back.
	b = mustSync(t, a, site("idle", 120000, 50000, 10))
	checkBridge(t, b)
	if b.SpaceAvailableBytes == 0 || !b.Operational {
		t.Errorf("reshaped bridge not allocatable: available %d", b.SpaceAvailableBytes)
	}
}

func TestPersistReload(t *testing.T) {
	// WHAT: a fresh allocator on the same database sees the same state.
	// WHY: counters are derived from persisted slots on load.
	ctx := context.Background()
	db := openDB(t)
	clk := newClock()
	a, _ := testAllocator(t, db, clk, Config{})
	mustSync(t, a, site("one", 100000, 60000, 90))
	mustSync(t, a, site("two", 130000, 30000, 100))
	first, err := a.Allocate(ctx, "c1", 25000)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := a.Allocate(ctx, "c2", 70000); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := a.Release(ctx, first.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	b, _ := testAllocator(t, db, clk, Config{})
	before, after := a.Bridges(), b.Bridges()
	if len(before) != len(after) {
		t.Fatalf("bridges: %d vs %d", len(before), len(after))
	}
	for i := range before {
		x, y := before[i], after[i]
		if x.ID != y.ID || x.SpaceAvailableBytes != y.SpaceAvailableBytes || x.SpaceUsedBytes != y.SpaceUsedBytes ||
			x.EfficiencyScore != y.EfficiencyScore || len(x.Slots) != len(y.Slots) ||
			fmt.Sprint(x.ConsumerIDs) != fmt.Sprint(y.ConsumerIDs) || x.NextOptimizeAt != y.NextOptimizeAt {
			t.Errorf("bridge %s differs after reload:\n%+v\n%+v", x.ID, x, y)
			continue
		}
		for j := range x.Slots {
			s, r := x.Slots[j], y.Slots[j]
			if s.ID != r.ID || s.Occupied != r.Occupied || s.OccupantID != r.OccupantID ||
				s.AllocationID != r.AllocationID || !s.Price.Equal(r.Price) {
				t.Errorf("slot %s differs: %+v vs %+v", s.ID, s, r)
			}
		}
	}

	got, err := b.Allocation(first.ID)
	if err != nil {
		t.Fatalf("allocation: %v", err)
	}
	if got.ReleasedAt == 0 || !got.Charge.Equal(first.Charge) || len(got.Legs) != len(first.Legs) {
		t.Errorf("allocation after reload: %+v", got)
	}
	if len(b.Allocations("", true)) != 1 {
		t.Errorf("active allocations: %d", len(b.Allocations("", true)))
	}
}

func TestQueue_DrainWhenCapacityArrives(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	a, _ := testAllocator(t, openDB(t), clk, Config{QueueRetryDelay: time.Minute})

	req, err := a.Enqueue(ctx, "c1", 15000)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if n, err := a.Drain(ctx); err != nil || n != 0 {
		t.Fatalf("drain without capacity: n=%d err=%v", n, err)
	}
	jobs, _ := a.Queued(ctx, 10)
	if len(jobs) != 1 || jobs[0].ID != req.ID || jobs[0].LastError == "" {
		t.Fatalf("queued: %+v", jobs)
	}

	mustSync(t, a, site("one", 100000, 70000, 10))
	if n, _ := a.Drain(ctx); n != 0 {
		t.Errorf("deferred job served early")
	}
	clk.Advance(2 * time.Minute)
	if n, err := a.Drain(ctx); err != nil || n != 1 {
		t.Fatalf("drain: n=%d err=%v", n, err)
	}
	if jobs, _ := a.Queued(ctx, 10); len(jobs) != 0 {
		t.Errorf("queue not empty: %d", len(jobs))
	}
	if got := a.Allocations("c1", true); len(got) != 1 {
		t.Errorf("allocations: %d", len(got))
	}
}

func TestQueue_DropsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	a, rec := testAllocator(t, openDB(t), newClock(), Config{QueueMaxAttempts: 1})
	if _, err := a.Enqueue(ctx, "c1", 15000); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := a.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if jobs, _ := a.Queued(ctx, 10); len(jobs) != 0 {
		t.Errorf("job kept after its last attempt")
	}
	// One failure from Allocate itself, one for the dropped request.
	if n := rec.Count(events.AllocationFailed); n != 2 {
		t.Errorf("allocationFailed: got %d", n)
	}
	if _, err := a.Enqueue(ctx, "c1", -1); !errors.Is(err, faults.ErrInvalidArgument) {
		t.Errorf("negative request: %v", err)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	a, _ := testAllocator(t, openDB(t), newClock(), Config{})
	mustSync(t, a, site("one", 100000, 70000, 10))
	mustSync(t, a, site("two", 100000, 80000, 10))
	if _, err := a.Allocate(ctx, "c1", 10000); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	st, err := a.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Bridges != 2 || st.Operational != 2 || st.SpaceAvailableBytes != 50000 ||
		st.SpaceUsedBytes != 10240 || st.ActiveAllocations != 1 || st.Consumers != 1 {
		t.Errorf("stats: %+v", st)
	}
}
