// Package registry records crawl outcomes per page and keeps the re-crawl
// plan. Each ingested crawl updates the site, rewards its owner through a
// Recorder when enough space was reclaimed, and hands the space to a
// SlotSink (the allocator) to be sliced into slots.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/spacebridge/connectivity"
	"github.com/hazyhaar/spacebridge/faults"
	"github.com/hazyhaar/spacebridge/idgen"
	"github.com/hazyhaar/spacebridge/observability"
	"github.com/hazyhaar/spacebridge/optimizer"
	"github.com/hazyhaar/spacebridge/registry/internal/schedule"
	"github.com/hazyhaar/spacebridge/registry/internal/store"
)

// Schema is the registry DDL.
const Schema = store.Schema

// Registry is the site registry and crawl scheduler.
type Registry struct {
	store     *store.Store
	queue     *schedule.Queue
	cfg       Config
	logger    *slog.Logger
	metrics   *observability.MetricsManager
	recorder  Recorder
	sink      SlotSink
	optimizer optimizer.Optimizer
	now       func() time.Time
	newCrawl  idgen.Generator

	siteLocks sync.Map // site id -> *sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(l *slog.Logger) Option           { return func(r *Registry) { r.logger = l } }
func WithRecorder(rec Recorder) Option           { return func(r *Registry) { r.recorder = rec } }
func WithSlotSink(s SlotSink) Option             { return func(r *Registry) { r.sink = s } }
func WithOptimizer(o optimizer.Optimizer) Option { return func(r *Registry) { r.optimizer = o } }
func WithClock(fn func() time.Time) Option       { return func(r *Registry) { r.now = fn } }
func WithMetrics(m *observability.MetricsManager) Option {
	return func(r *Registry) { r.metrics = m }
}

// New opens the registry on db (Schema applied) and loads the crawl plan.
func New(ctx context.Context, db *sql.DB, cfg Config, opts ...Option) (*Registry, error) {
	cfg.defaults()
	r := &Registry{
		store:    store.New(db),
		queue:    schedule.New(),
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		newCrawl: idgen.Prefixed("crawl_", idgen.Default),
	}
	for _, o := range opts {
		o(r)
	}
	sites, err := r.store.ListSites(ctx, "", 0)
	if err != nil {
		return nil, fmt.Errorf("registry: load: %w", err)
	}
	for _, s := range sites {
		r.queue.Set(s.ID, s.URL, s.NextCrawlAt, s.Priority)
	}
	r.logger.Info("registry: loaded", "sites", len(sites))
	return r, nil
}

// SetSlotSink wires the allocator after construction.
func (r *Registry) SetSlotSink(s SlotSink) { r.sink = s }

// SetRecorder wires the ledger after construction.
func (r *Registry) SetRecorder(rec Recorder) { r.recorder = rec }

func (r *Registry) lockSite(id string) func() {
	v, _ := r.siteLocks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func normalizeURL(raw string) (string, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", faults.Invalid("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", "", faults.Invalid("url %q must be absolute http(s)", raw)
	}
	return u.String(), strings.ToLower(u.Hostname()), nil
}

func (r *Registry) frequency(res int, existing *Site) int {
	switch {
	case res > 0:
		return res
	case existing != nil && existing.CrawlFrequencyHours > 0:
		return existing.CrawlFrequencyHours
	}
	return r.cfg.DefaultFrequencyHours
}

// Ingest records one crawl outcome and returns the updated site.
func (r *Registry) Ingest(ctx context.Context, res CrawlResult) (*Site, error) {
	u, host, err := normalizeURL(res.URL)
	if err != nil {
		return nil, err
	}
	if res.CurrentSizeBytes < 0 || res.OptimizedSizeBytes < 0 {
		return nil, faults.Invalid("sizes must not be negative")
	}
	id := idgen.FromURL(u)
	unlock := r.lockSite(id)
	defer unlock()

	prev, err := r.store.GetSite(ctx, id)
	if err != nil {
		return nil, err
	}
	now := r.now()
	site := prev
	if site == nil {
		site = &Site{ID: id, URL: u, CreatedAt: now.UnixMilli()}
	}

	domain := res.Domain
	if domain == "" {
		domain = host
	}
	reclaimed, clamped := Reclaimed(res.CurrentSizeBytes, res.OptimizedSizeBytes)
	if clamped {
		r.logger.Warn("registry: optimized page larger than original",
			"site_id", id, "current", res.CurrentSizeBytes, "optimized", res.OptimizedSizeBytes)
	}
	potential := res.PotentialBytes
	if potential <= 0 {
		potential = reclaimed
	}
	crawlID := res.CrawlID
	if crawlID == "" {
		crawlID = r.newCrawl()
	}
	crawledAt := now.UnixMilli()
	if res.CrawledAt > 0 {
		crawledAt = res.CrawledAt
	}
	freq := r.frequency(res.FrequencyHours, prev)
	sameCrawl := prev != nil && prev.LastCrawlID == crawlID

	site.Domain = domain
	if res.OwnerID != "" {
		site.OwnerID = res.OwnerID
	} else if site.OwnerID == "" {
		site.OwnerID = "site:" + domain
	}
	site.LastCrawledAt = crawledAt
	site.CrawlFrequencyHours = freq
	site.NextCrawlAt = crawledAt + int64(freq)*time.Hour.Milliseconds()
	site.SEOScore = clamp(res.SEOScore, 0, 100)
	site.CurrentSizeBytes = res.CurrentSizeBytes
	site.OptimizedSizeBytes = res.OptimizedSizeBytes
	site.SpaceReclaimedBytes = reclaimed
	site.Clamped = clamped
	site.LoadTimeMs = res.LoadTimeMs
	site.Priority = Priority(site.SEOScore, potential, res.LoadTimeMs)
	site.FailCount, site.LastError = 0, ""
	site.UpdatedAt = now.UnixMilli()
	if !sameCrawl {
		site.LastCrawlID = crawlID
		site.LedgerRecorded = false
		site.RecordAttempts, site.RecordTriedAt, site.RecordBlocked = 0, 0, false
		site.CrawlCount++
	}
	if err := r.store.PutSite(ctx, site); err != nil {
		return nil, err
	}
	r.queue.Set(site.ID, site.URL, site.NextCrawlAt, site.Priority)

	if !site.LedgerRecorded && !site.RecordBlocked && reclaimed > r.cfg.RecordThreshold {
		if err := r.record(ctx, site); err != nil {
			r.logger.Warn("registry: ledger record deferred", "site_id", id, "crawl_id", crawlID, "error", err)
		}
	}

	if r.sink != nil {
		ids, err := r.sink.SyncSite(ctx, site)
		if err != nil {
			return site, fmt.Errorf("registry: sync slots of %s: %w", id, err)
		}
		site.SlotIDs = ids
		if err := r.store.PutSite(ctx, site); err != nil {
			return nil, err
		}
	}

	r.logger.Info("registry: crawl ingested", "site_id", id, "domain", domain,
		"reclaimed", reclaimed, "priority", site.Priority, "slots", len(site.SlotIDs))
	return site, nil
}

// record sends the crawl to the recorder and flags the site on success. A
// failure is counted on the site; a permanent one stops the retries for
// this crawl.
func (r *Registry) record(ctx context.Context, site *Site) error {
	if r.recorder == nil {
		return nil
	}
	err := r.recorder.RecordOptimization(ctx, Record{
		SiteID:     site.ID,
		CrawlID:    site.LastCrawlID,
		AccountID:  site.OwnerID,
		BytesSaved: site.SpaceReclaimedBytes,
		SEOScore:   site.SEOScore,
	})
	if err != nil {
		now := r.now().UnixMilli()
		site.RecordAttempts++
		site.RecordTriedAt = now
		site.RecordBlocked = connectivity.IsPermanent(err)
		if merr := r.store.MarkRecordFailed(context.WithoutCancel(ctx), site.ID, site.LastCrawlID, site.RecordBlocked, now); merr != nil {
			r.logger.Warn("registry: mark record failed", "site_id", site.ID, "error", merr)
		}
		return err
	}
	site.LedgerRecorded = true
	return r.store.MarkRecorded(ctx, site.ID, site.LastCrawlID, r.now().UnixMilli())
}

// Track registers url for crawling before its first result; it is due at
// once. Tracking a known url only updates its frequency.
func (r *Registry) Track(ctx context.Context, rawURL string, frequencyHours int, ownerID string) (*Site, error) {
	u, host, err := normalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	if frequencyHours < 0 {
		return nil, faults.Invalid("frequency must not be negative")
	}
	id := idgen.FromURL(u)
	unlock := r.lockSite(id)
	defer unlock()

	site, err := r.store.GetSite(ctx, id)
	if err != nil {
		return nil, err
	}
	now := r.now().UnixMilli()
	if site == nil {
		site = &Site{
			ID:        id,
			URL:       u,
			Domain:    host,
			OwnerID:   ownerID,
			Priority:  defaultPriority,
			CreatedAt: now,
		}
		if site.OwnerID == "" {
			site.OwnerID = "site:" + host
		}
		site.NextCrawlAt = now
	}
	if frequencyHours > 0 {
		site.CrawlFrequencyHours = frequencyHours
	} else if site.CrawlFrequencyHours == 0 {
		site.CrawlFrequencyHours = r.cfg.DefaultFrequencyHours
	}
	if site.LastCrawledAt > 0 {
		site.NextCrawlAt = site.LastCrawledAt + int64(site.CrawlFrequencyHours)*time.Hour.Milliseconds()
	}
	site.UpdatedAt = now
	if err := r.store.PutSite(ctx, site); err != nil {
		return nil, err
	}
	r.queue.Set(site.ID, site.URL, site.NextCrawlAt, site.Priority)
	return site, nil
}

// Get returns a site by id.
func (r *Registry) Get(ctx context.Context, id string) (*Site, error) {
	s, err := r.store.GetSite(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, &faults.NotFoundError{Kind: "site", ID: id}
	}
	return s, nil
}

// GetByURL returns the site of a url.
func (r *Registry) GetByURL(ctx context.Context, rawURL string) (*Site, error) {
	u, _, err := normalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, idgen.FromURL(u))
}

// List returns sites of a domain ("" = all) in crawl order.
func (r *Registry) List(ctx context.Context, domain string, limit int) ([]*Site, error) {
	return r.store.ListSites(ctx, strings.ToLower(domain), limit)
}

// Schedule returns the next limit entries of the crawl plan.
func (r *Registry) Schedule(limit int) []ScheduleEntry {
	return r.queue.Snapshot(limit)
}

// Stats returns aggregate counters and the next due crawl.
func (r *Registry) Stats(ctx context.Context) (*Stats, error) {
	t, err := r.store.Totals(ctx, r.cfg.RecordThreshold)
	if err != nil {
		return nil, err
	}
	st := &Stats{Totals: *t, Scheduled: r.queue.Len()}
	if e, ok := r.queue.Peek(); ok {
		st.NextDue = &e
	}
	return st, nil
}
