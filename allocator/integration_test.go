package allocator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/shopspring/decimal"

	"github.com/hazyhaar/spacebridge/events"
	"github.com/hazyhaar/spacebridge/faults"
	"github.com/hazyhaar/spacebridge/ledger"
	"github.com/hazyhaar/spacebridge/optimizer"
	"github.com/hazyhaar/spacebridge/registry"
)

func TestMarketplace_SlotChangesHands(t *testing.T) {
	// WHAT: a slot bought on the marketplace moves to the buyer and survives
	// the release of the seller's allocation.
	// WHY: ownership moves inside the ledger transaction.
	ctx := context.Background()
	db := openDB(t)
	clk := newClock()
	a, _ := testAllocator(t, db, clk, Config{})
	l, err := ledger.New(ctx, db, ledger.Config{Genesis: []ledger.Grant{
		{Account: "alice", Amount: 500}, {Account: "bob", Amount: 500},
	}}, ledger.WithClock(clk.Now), ledger.WithAssetOwner(a))
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	a.SetCharger(l)
	mustSync(t, a, site("one", 100000, 70000, 10))

	al, err := a.Allocate(ctx, "alice", 10240)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if al.TransactionID == "" {
		t.Error("allocation has no ledger transaction")
	}
	slotID := al.Legs[0].SlotIDs[0]

	if _, err := l.List(ctx, "bob", ledger.AssetSlot, slotID, decimal.NewFromInt(100)); err == nil {
		t.Fatal("bob listed a slot held by alice")
	}
	lst, err := l.List(ctx, "alice", ledger.AssetSlot, slotID, decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, err := l.Purchase(ctx, lst.ID, "bob"); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	if owner, _ := a.OwnerOf(ctx, slotID); owner != "bob" {
		t.Errorf("owner: got %q", owner)
	}
	alice, _ := l.Balance(ctx, "alice")
	if want := decimal.RequireFromString("589"); !alice.Equal(want) {
		t.Errorf("alice: got %s, want %s", alice, want)
	}

	if _, err := a.Release(ctx, al.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	b := mustBridge(t, a, BridgeID("one"))
	checkBridge(t, b)
	if b.SpaceUsedBytes != 10240 || len(b.ConsumerIDs) != 1 || b.ConsumerIDs[0] != "bob" {
		t.Errorf("after release: used %d consumers %v", b.SpaceUsedBytes, b.ConsumerIDs)
	}

	var oe *faults.OwnershipError
	if err := a.ReleaseSlot(ctx, "alice", slotID); !errors.As(err, &oe) {
		t.Errorf("alice releasing bob's slot: %v", err)
	}
	if err := a.ReleaseSlot(ctx, "bob", slotID); err != nil {
		t.Fatalf("release slot: %v", err)
	}
	if b := mustBridge(t, a, BridgeID("one")); b.SpaceUsedBytes != 0 {
		t.Errorf("used after slot release: %d", b.SpaceUsedBytes)
	}
	if _, err := a.OwnerOf(ctx, "nope:0"); !faults.IsNotFound(err) {
		t.Errorf("unknown slot: %v", err)
	}
}

func TestAllocate_LedgerRejectsPoorConsumer(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	clk := newClock()
	a, _ := testAllocator(t, db, clk, Config{})
	l, err := ledger.New(ctx, db, ledger.Config{}, ledger.WithClock(clk.Now))
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	a.SetCharger(l)
	mustSync(t, a, site("one", 100000, 70000, 10))

	_, err = a.Allocate(ctx, "pauper", 10240)
	var be *faults.BalanceError
	if !errors.As(err, &be) {
		t.Fatalf("expected BalanceError, got %v", err)
	}
	if b := mustBridge(t, a, BridgeID("one")); b.SpaceUsedBytes != 0 {
		t.Errorf("used: %d", b.SpaceUsedBytes)
	}
}

func TestReoptimize(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	clk := newClock()

	var fail error
	opt := optimizer.Func(func(_ context.Context, url string) (*optimizer.Result, error) {
		if fail != nil {
			return nil, fail
		}
		return &optimizer.Result{URL: url, CurrentSizeBytes: 100000, OptimizedSizeBytes: 40000, SEOScore: 10}, nil
	})
	a, rec := testAllocator(t, db, clk, Config{}, WithOptimizer(opt))
	reg, err := registry.New(ctx, db, registry.Config{}, registry.WithClock(clk.Now), registry.WithSlotSink(a))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	a.SetIngester(reg)

	s, err := reg.Ingest(ctx, registry.CrawlResult{Result: optimizer.Result{
		URL: "https://news.example/a", CurrentSizeBytes: 100000, OptimizedSizeBytes: 70000, SEOScore: 10,
	}})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	id := BridgeID(s.ID)
	if n, _ := a.Reoptimize(ctx); n != 0 {
		t.Fatalf("reoptimized %d bridges before they were due", n)
	}

	clk.Advance(48 * time.Hour)
	n, err := a.Reoptimize(ctx)
	if err != nil || n != 1 {
		t.Fatalf("reoptimize: n=%d err=%v", n, err)
	}
	b := mustBridge(t, a, id)
	checkBridge(t, b)
	if b.ReclaimedBytes != 60000 || len(b.Slots) != 6 || b.SpaceAvailableBytes != 60000 {
		t.Errorf("grown bridge: reclaimed %d, %d slots, %d available", b.ReclaimedBytes, len(b.Slots), b.SpaceAvailableBytes)
	}
	if b.LastOptimizedAt != clk.Now().UnixMilli() {
		t.Errorf("last optimized: %d", b.LastOptimizedAt)
	}
	if got, _ := reg.Get(ctx, s.ID); got == nil || len(got.SlotIDs) != 6 {
		t.Errorf("registry site not updated: %+v", got)
	}
	if rec.Count(events.OptimizationStarted) != 1 || rec.Count(events.OptimizationCompleted) != 1 {
		t.Errorf("events: %v", rec.Names())
	}

	clk.Advance(72 * time.Hour)
	fail = faults.Transient("crawler_optimize", errors.New("down"))
	if n, _ := a.Reoptimize(ctx); n != 0 {
		t.Errorf("failed reoptimize counted: %d", n)
	}
	if rec.Count(events.OptimizationError) != 1 {
		t.Errorf("events: %v", rec.Names())
	}
	if after := mustBridge(t, a, id); after.NextOptimizeAt != b.NextOptimizeAt {
		t.Error("failed bridge was rescheduled")
	}
}

var testImpl = &mcp.Implementation{Name: "allocator-test", Version: "0.1.0"}

func TestMCP_AllocateAndStats(t *testing.T) {
	ctx := context.Background()
	a, _ := testAllocator(t, openDB(t), newClock(), Config{})
	mustSync(t, a, site("one", 100000, 70000, 10))

	srv := mcp.NewServer(testImpl, nil)
	a.RegisterMCP(srv)
	serverT, clientT := mcp.NewInMemoryTransports()
	go func() {
		_ = srv.Run(ctx, serverT)
	}()
	session, err := mcp.NewClient(testImpl, nil).Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer session.Close()

	call := func(name string, args any) (string, bool) {
		t.Helper()
		res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
		if err != nil {
			t.Fatalf("CallTool(%s): %v", name, err)
		}
		tc, ok := res.Content[0].(*mcp.TextContent)
		if !ok {
			t.Fatalf("CallTool(%s): content is %T", name, res.Content[0])
		}
		return tc.Text, res.IsError
	}

	text, isErr := call("allocator_allocate", map[string]any{"consumer_id": "c1", "bytes_required": 12000})
	if isErr {
		t.Fatalf("allocate: %s", text)
	}
	var al Allocation
	if err := json.Unmarshal([]byte(text), &al); err != nil {
		t.Fatalf("decode allocation: %v", err)
	}
	if al.PhysicalBytes != 20480 || al.ConsumerID != "c1" {
		t.Errorf("allocation: %+v", al)
	}

	text, isErr = call("allocator_stats", map[string]any{})
	if isErr || !strings.Contains(text, `"space_used_bytes":20480`) {
		t.Errorf("stats: %s", text)
	}

	text, isErr = call("allocator_allocate", map[string]any{"consumer_id": "c1", "bytes_required": 900000})
	if !isErr || !strings.Contains(text, "short by") {
		t.Errorf("oversized allocation: %v %s", isErr, text)
	}
}

// cancellingCharger charges through the ledger, then cancels the caller's
// context as a request timeout would.
type cancellingCharger struct {
	*ledger.Ledger
	cancel context.CancelFunc
	after  func()
}

func (c *cancellingCharger) Charge(ctx context.Context, account string, amount decimal.Decimal, memo string) (*ledger.Transaction, error) {
	txn, err := c.Ledger.Charge(ctx, account, amount, memo)
	c.cancel()
	if c.after != nil {
		c.after()
	}
	return txn, err
}

func TestAllocate_DeadlineAfterCharge(t *testing.T) {
	// WHAT: a caller context cancelled right after the charge neither leaves
	// the consumer charged without slots nor slots without a charge.
	// WHY: the HTTP timeout cancels the request context at any point.
	setup := func(t *testing.T) (*Allocator, *ledger.Ledger, *sql.DB) {
		db := openDB(t)
		clk := newClock()
		a, _ := testAllocator(t, db, clk, Config{})
		l, err := ledger.New(context.Background(), db, ledger.Config{Genesis: []ledger.Grant{
			{Account: "alice", Amount: 500},
		}}, ledger.WithClock(clk.Now))
		if err != nil {
			t.Fatalf("ledger: %v", err)
		}
		mustSync(t, a, site("one", 100000, 70000, 10))
		return a, l, db
	}

	t.Run("persists", func(t *testing.T) {
		a, l, _ := setup(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		a.SetCharger(&cancellingCharger{Ledger: l, cancel: cancel})

		al, err := a.Allocate(ctx, "alice", 10240)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		bal, _ := l.Balance(context.Background(), "alice")
		if want := decimal.NewFromInt(490); !bal.Equal(want) {
			t.Errorf("balance: got %s, want %s", bal, want)
		}
		if b := mustBridge(t, a, BridgeID("one")); b.SpaceUsedBytes != al.PhysicalBytes {
			t.Errorf("used %d, allocated %d", b.SpaceUsedBytes, al.PhysicalBytes)
		}
	})

	t.Run("refunds", func(t *testing.T) {
		a, l, db := setup(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		a.SetCharger(&cancellingCharger{Ledger: l, cancel: cancel, after: func() {
			if _, err := db.Exec(`DROP TABLE alloc_allocations`); err != nil {
				t.Fatalf("drop: %v", err)
			}
		}})

		if _, err := a.Allocate(ctx, "alice", 10240); !faults.IsTransient(err) {
			t.Fatalf("expected transient error, got %v", err)
		}
		bal, _ := l.Balance(context.Background(), "alice")
		if want := decimal.NewFromInt(500); !bal.Equal(want) {
			t.Errorf("balance after failed allocation: got %s, want %s", bal, want)
		}
		b := mustBridge(t, a, BridgeID("one"))
		checkBridge(t, b)
		if b.SpaceUsedBytes != 0 || len(a.Allocations("", false)) != 0 {
			t.Errorf("partial state: used %d allocations %d", b.SpaceUsedBytes, len(a.Allocations("", false)))
		}
	})
}
