package registry

import (
	"context"

	"github.com/hazyhaar/spacebridge/optimizer"
	"github.com/hazyhaar/spacebridge/registry/internal/schedule"
	"github.com/hazyhaar/spacebridge/registry/internal/store"
)

type (
	Site          = store.Site
	Totals        = store.Totals
	ScheduleEntry = schedule.Entry
)

// CrawlResult is an optimization outcome submitted to the registry.
type CrawlResult struct {
	optimizer.Result
	// OwnerID is the account rewarded for the space; defaults to
	// "site:<domain>".
	OwnerID        string `json:"owner_id,omitempty"`
	FrequencyHours int    `json:"frequency_hours,omitempty"`
	CrawledAt      int64  `json:"crawled_at,omitempty"`
}

// Record is the ledger entry for one rewarded crawl.
type Record struct {
	SiteID     string `json:"site_id"`
	CrawlID    string `json:"crawl_id"`
	AccountID  string `json:"account_id"`
	BytesSaved int64  `json:"bytes_saved"`
	SEOScore   int    `json:"seo_score"`
}

// Recorder rewards crawls. Implementations must be idempotent on
// (SiteID, CrawlID).
type Recorder interface {
	RecordOptimization(ctx context.Context, rec Record) error
}

// SlotSink turns a site's reclaimed space into slots and returns their ids.
type SlotSink interface {
	SyncSite(ctx context.Context, site *Site) ([]string, error)
}

// Stats summarises the registry.
type Stats struct {
	Totals
	Scheduled int            `json:"scheduled"`
	NextDue   *ScheduleEntry `json:"next_due,omitempty"`
}
