package registry

import (
	"context"
	"sync"
	"time"

	"github.com/hazyhaar/spacebridge/observability"
)

// Tick dispatches every due crawl to the optimizer, at most MaxConcurrent at
// a time, then retries ledger records that failed earlier. A failed crawl is
// rescheduled one frequency later; it never aborts the tick.
func (r *Registry) Tick(ctx context.Context) error {
	if r.optimizer != nil {
		r.dispatchDue(ctx)
	}
	r.retryRecords(ctx)
	return nil
}

func (r *Registry) dispatchDue(ctx context.Context) {
	due := r.queue.PopDue(r.now().UnixMilli(), r.cfg.MaxDuePerTick)
	if len(due) == 0 {
		return
	}
	r.logger.Debug("registry: dispatching crawls", "count", len(due))

	sem := make(chan struct{}, r.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for _, e := range due {
		select {
		case <-ctx.Done():
			// put back what we did not get to
			r.queue.Set(e.SiteID, e.URL, e.NextAt, e.Priority)
			continue
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(e ScheduleEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			r.crawl(ctx, e)
		}(e)
	}
	wg.Wait()
	if r.metrics != nil {
		r.metrics.Add(observability.MetricCrawlsDispatched, float64(len(due)), "count", nil)
	}
}

func (r *Registry) crawl(ctx context.Context, e ScheduleEntry) {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.CrawlTimeout)
	defer cancel()

	res, err := r.optimizer.Optimize(cctx, e.URL)
	if err == nil {
		res.URL = e.URL
		if _, err = r.Ingest(ctx, CrawlResult{Result: *res}); err == nil {
			return
		}
	}
	r.logger.Warn("registry: crawl failed", "site_id", e.SiteID, "url", e.URL, "error", err)
	r.reschedule(ctx, e, err)
}

// reschedule keeps the cadence after a failure: next attempt at now +
// frequency, no immediate retry.
func (r *Registry) reschedule(ctx context.Context, e ScheduleEntry, cause error) {
	unlock := r.lockSite(e.SiteID)
	defer unlock()

	site, err := r.store.GetSite(ctx, e.SiteID)
	if err != nil || site == nil {
		hours := r.cfg.DefaultFrequencyHours
		r.queue.Set(e.SiteID, e.URL, r.now().Add(time.Duration(hours)*time.Hour).UnixMilli(), e.Priority)
		return
	}
	now := r.now()
	site.FailCount++
	site.LastError = cause.Error()
	site.NextCrawlAt = now.Add(time.Duration(site.CrawlFrequencyHours) * time.Hour).UnixMilli()
	site.UpdatedAt = now.UnixMilli()
	if err := r.store.PutSite(ctx, site); err != nil {
		r.logger.Error("registry: persist reschedule", "site_id", site.ID, "error", err)
	}
	r.queue.Set(site.ID, site.URL, site.NextCrawlAt, site.Priority)
}

func (r *Registry) retryRecords(ctx context.Context) {
	if r.recorder == nil {
		return
	}
	sites, err := r.store.ListUnrecorded(ctx, r.cfg.RecordThreshold, r.cfg.RecordRetryMax)
	if err != nil {
		r.logger.Warn("registry: list unrecorded", "error", err)
		return
	}
	for _, s := range sites {
		if ctx.Err() != nil {
			return
		}
		if err := r.record(ctx, s); err != nil {
			r.logger.Warn("registry: ledger record retry failed", "site_id", s.ID, "crawl_id", s.LastCrawlID, "error", err)
		}
	}
}
