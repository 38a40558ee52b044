package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/spacebridge/dbopen"
	"github.com/hazyhaar/spacebridge/faults"
	"github.com/hazyhaar/spacebridge/optimizer"

	_ "modernc.org/sqlite"
)

type fakeSink struct {
	mu    sync.Mutex
	sites []*Site
}

func (f *fakeSink) SyncSite(_ context.Context, s *Site) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.sites = append(f.sites, &cp)
	var ids []string
	for _, sl := range PlanSlots(s.ID, s.SpaceReclaimedBytes, s.SEOScore) {
		ids = append(ids, sl.ID)
	}
	return ids, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	fail    int // number of calls to fail before succeeding
	records []Record
}

func (f *fakeRecorder) RecordOptimization(_ context.Context, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return faults.Transient("record", errors.New("ledger unavailable"))
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time { c.mu.Lock(); defer c.mu.Unlock(); return c.now }
func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testRegistry(t *testing.T, opts ...Option) (*Registry, *clock) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	r, err := New(context.Background(), db, Config{}, append([]Option{WithClock(clk.Now)}, opts...)...)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return r, clk
}

func result(url string, current, optimized int64, seo int) CrawlResult {
	return CrawlResult{Result: optimizer.Result{
		URL: url, CurrentSizeBytes: current, OptimizedSizeBytes: optimized, SEOScore: seo,
	}}
}

func TestPriority(t *testing.T) {
	cases := []struct {
		name      string
		seo       int
		potential int64
		load      int64
		want      int
	}{
		{"baseline", 80, 0, 500, 5},
		{"poor seo", 40, 0, 0, 7},
		{"big potential", 90, 200 * 1024, 0, 7},
		{"slow", 90, 0, 4000, 6},
		{"everything", 10, 500 * 1024, 9000, 10},
		{"boundary potential", 90, 100 * 1024, 3000, 5},
	}
	for _, c := range cases {
		if got := Priority(c.seo, c.potential, c.load); got != c.want {
			t.Errorf("%s: got %d, want %d", c.name, got, c.want)
		}
	}
}

func TestPlanSlots(t *testing.T) {
	// WHAT: 100000 reclaimed bytes become nine 10 KiB slots and one 7840-byte slot.
	// WHY: slot sizes must never exceed the reclaimed space.
	slots := PlanSlots("s1", 100000, 80)
	if len(slots) != 10 {
		t.Fatalf("slots: got %d, want 10", len(slots))
	}
	var sum int64
	for _, s := range slots {
		sum += s.SizeBytes
	}
	if sum != 100000 {
		t.Errorf("size sum: %d", sum)
	}
	if slots[9].SizeBytes != 7840 {
		t.Errorf("last slot: %d", slots[9].SizeBytes)
	}
	wantKinds := []string{KindChat, KindChat, KindChat, KindStorage, KindStorage, KindStorage,
		KindCompute, KindCompute, KindMetaverse, KindMetaverse}
	for i, s := range slots {
		if s.Kind != wantKinds[i] {
			t.Errorf("slot %d kind: got %s, want %s", i, s.Kind, wantKinds[i])
		}
	}
	if s := slots[0]; s.ID != "s1:0" || s.Price.String() != "18" {
		t.Errorf("first slot: id=%s price=%s", s.ID, s.Price)
	}
}

func TestPlanSlots_SmallRemainderDropped(t *testing.T) {
	slots := PlanSlots("s", 2*SlotSize+1000, 0)
	if len(slots) != 2 {
		t.Fatalf("slots: %d", len(slots))
	}
	if got := PlanSlots("s", 900, 0); len(got) != 0 {
		t.Errorf("sub-KiB space produced %d slots", len(got))
	}
	if got := PlanSlots("s", 2000, 0); len(got) != 1 || got[0].SizeBytes != 2000 {
		t.Errorf("single partial slot: %+v", got)
	}
}

func TestIngest_ClampsNegativeReclaimed(t *testing.T) {
	r, _ := testRegistry(t)
	site, err := r.Ingest(context.Background(), result("https://example.com/big", 5000, 9000, 60))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if site.SpaceReclaimedBytes != 0 || !site.Clamped {
		t.Errorf("reclaimed=%d clamped=%v", site.SpaceReclaimedBytes, site.Clamped)
	}
}

func TestIngest_RecordsAndSyncsSlots(t *testing.T) {
	sink := &fakeSink{}
	rec := &fakeRecorder{}
	r, clk := testRegistry(t, WithSlotSink(sink), WithRecorder(rec))
	ctx := context.Background()

	res := result("https://example.com/page", 120000, 20000, 80)
	res.CrawlID = "crawl-1"
	site, err := r.Ingest(ctx, res)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if site.SpaceReclaimedBytes != 100000 || len(site.SlotIDs) != 10 {
		t.Fatalf("site: reclaimed=%d slots=%d", site.SpaceReclaimedBytes, len(site.SlotIDs))
	}
	if site.Domain != "example.com" || site.OwnerID != "site:example.com" {
		t.Errorf("domain/owner: %s %s", site.Domain, site.OwnerID)
	}
	if site.Priority != 5 {
		t.Errorf("priority: %d", site.Priority)
	}
	if want := clk.Now().Add(24 * time.Hour).UnixMilli(); site.NextCrawlAt != want {
		t.Errorf("next crawl: got %d, want %d", site.NextCrawlAt, want)
	}
	if rec.count() != 1 || rec.records[0].BytesSaved != 100000 || rec.records[0].CrawlID != "crawl-1" {
		t.Fatalf("records: %+v", rec.records)
	}

	stored, err := r.Get(ctx, site.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !stored.LedgerRecorded || len(stored.SlotIDs) != 10 {
		t.Errorf("stored: recorded=%v slots=%d", stored.LedgerRecorded, len(stored.SlotIDs))
	}

	// same crawl delivered twice: no second record
	if _, err := r.Ingest(ctx, res); err != nil {
		t.Fatalf("re-ingest: %v", err)
	}
	if rec.count() != 1 {
		t.Errorf("duplicate crawl recorded %d times", rec.count())
	}
	if stored, _ := r.Get(ctx, site.ID); stored.CrawlCount != 1 {
		t.Errorf("crawl count: %d", stored.CrawlCount)
	}
}

func TestIngest_SmallSpaceNotRecorded(t *testing.T) {
	rec := &fakeRecorder{}
	r, _ := testRegistry(t, WithRecorder(rec))
	if _, err := r.Ingest(context.Background(), result("https://example.com/s", 15000, 5000, 80)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if rec.count() != 0 {
		t.Errorf("10000 bytes must not be recorded")
	}
}

func TestIngest_Invalid(t *testing.T) {
	r, _ := testRegistry(t)
	for _, u := range []string{"", "not a url", "ftp://example.com/x"} {
		if _, err := r.Ingest(context.Background(), result(u, 10, 5, 0)); !errors.Is(err, faults.ErrInvalidArgument) {
			t.Errorf("%q: %v", u, err)
		}
	}
}

func TestTick_DispatchesDueAndReschedulesFailures(t *testing.T) {
	var mu sync.Mutex
	calls := map[string]int{}
	opt := optimizer.Func(func(_ context.Context, url string) (*optimizer.Result, error) {
		mu.Lock()
		calls[url]++
		mu.Unlock()
		if url == "https://bad.example/x" {
			return nil, errors.New("timeout")
		}
		return &optimizer.Result{CurrentSizeBytes: 50000, OptimizedSizeBytes: 10000, SEOScore: 70}, nil
	})
	r, clk := testRegistry(t, WithOptimizer(opt))
	ctx := context.Background()

	good, _ := r.Track(ctx, "https://good.example/x", 12, "")
	bad, _ := r.Track(ctx, "https://bad.example/x", 4, "")
	if err := r.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	g, _ := r.Get(ctx, good.ID)
	if g.CrawlCount != 1 || g.SpaceReclaimedBytes != 40000 {
		t.Errorf("good site: %+v", g)
	}
	b, _ := r.Get(ctx, bad.ID)
	if b.FailCount != 1 || b.LastError == "" {
		t.Errorf("bad site: %+v", b)
	}
	if want := clk.Now().Add(4 * time.Hour).UnixMilli(); b.NextCrawlAt != want {
		t.Errorf("bad next crawl: got %d, want %d", b.NextCrawlAt, want)
	}

	// nothing due right after: no new calls
	if err := r.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if calls["https://bad.example/x"] != 1 || calls["https://good.example/x"] != 1 {
		t.Errorf("calls after second tick: %v", calls)
	}

	clk.Advance(5 * time.Hour)
	r.Tick(ctx)
	if calls["https://bad.example/x"] != 2 || calls["https://good.example/x"] != 1 {
		t.Errorf("calls after 5h: %v", calls)
	}
	plan := r.Schedule(0)
	if len(plan) != 2 || plan[0].SiteID != bad.ID {
		t.Errorf("plan: %+v", plan)
	}
}

func TestTick_RetriesPendingRecords(t *testing.T) {
	rec := &fakeRecorder{fail: 1}
	r, _ := testRegistry(t, WithRecorder(rec))
	ctx := context.Background()

	res := result("https://example.com/retry", 60000, 10000, 50)
	res.CrawlID = "c-7"
	site, err := r.Ingest(ctx, res)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if site.LedgerRecorded {
		t.Fatal("first record should have failed")
	}
	st, _ := r.Stats(ctx)
	if st.Unrecorded != 1 {
		t.Errorf("unrecorded: %d", st.Unrecorded)
	}

	r.Tick(ctx)
	if rec.count() != 1 || rec.records[0].CrawlID != "c-7" {
		t.Fatalf("records after tick: %+v", rec.records)
	}
	st, _ = r.Stats(ctx)
	if st.Unrecorded != 0 {
		t.Errorf("unrecorded after retry: %d", st.Unrecorded)
	}
	r.Tick(ctx)
	if rec.count() != 1 {
		t.Errorf("record repeated: %d", rec.count())
	}
}

func TestTick_RecordRetriesRotateAndSkipRefusals(t *testing.T) {
	// WHAT: a crawl the ledger refuses is not retried until a newer crawl
	// replaces it, and transient failures take turns in the retry window.
	// WHY: the same failing sites must not fill every retry batch.
	calls := make(map[string]int)
	rec := RecorderFunc(func(_ context.Context, r Record) error {
		calls[r.CrawlID]++
		switch {
		case r.CrawlID == "refused":
			return &faults.BalanceError{Account: "pool", Required: "10", Available: "0"}
		case r.CrawlID == "stuck", r.CrawlID == "flaky" && calls[r.CrawlID] == 1:
			return faults.Transient("record", errors.New("ledger unavailable"))
		}
		return nil
	})
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	r, err := New(context.Background(), db, Config{RecordRetryMax: 1}, WithClock(clk.Now), WithRecorder(rec))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	ctx := context.Background()

	ingest := func(url, crawlID string) *Site {
		t.Helper()
		res := result(url, 60000, 10000, 50)
		res.CrawlID = crawlID
		site, err := r.Ingest(ctx, res)
		if err != nil {
			t.Fatalf("ingest %s: %v", url, err)
		}
		clk.Advance(time.Minute)
		return site
	}
	refused := ingest("https://example.com/refused", "refused")
	if !refused.RecordBlocked || refused.RecordAttempts != 1 {
		t.Errorf("refused crawl: blocked=%v attempts=%d", refused.RecordBlocked, refused.RecordAttempts)
	}
	ingest("https://example.com/stuck", "stuck")
	flaky := ingest("https://example.com/flaky", "flaky")

	for i := 0; i < 10; i++ {
		r.Tick(ctx)
		clk.Advance(time.Minute)
	}
	if calls["refused"] != 1 {
		t.Errorf("refused crawl retried: %d calls", calls["refused"])
	}
	if calls["flaky"] != 2 {
		t.Errorf("flaky crawl: %d calls", calls["flaky"])
	}
	if got, _ := r.Get(ctx, flaky.ID); got == nil || !got.LedgerRecorded {
		t.Errorf("flaky crawl not recorded: %+v", got)
	}

	again := ingest("https://example.com/refused", "refused-2")
	if !again.LedgerRecorded || again.RecordBlocked {
		t.Errorf("new crawl of refused site: recorded=%v blocked=%v", again.LedgerRecorded, again.RecordBlocked)
	}
}

func TestNew_ReloadsSchedule(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	ctx := context.Background()
	r1, err := New(ctx, db, Config{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	r1.Track(ctx, "https://a.example/", 1, "")
	r1.Ingest(ctx, result("https://b.example/", 30000, 1000, 20))

	r2, err := New(ctx, db, Config{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(r2.Schedule(0)) != 2 {
		t.Errorf("reloaded plan: %+v", r2.Schedule(0))
	}
	st, _ := r2.Stats(ctx)
	if st.Sites != 2 || st.Domains != 2 || st.ReclaimedBytes != 29000 {
		t.Errorf("stats: %+v", st)
	}
}
