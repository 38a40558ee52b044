// Package store persists crawled sites.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Store is the registry database handle.
type Store struct {
	DB *sql.DB
}

// New wraps db. The caller applies Schema.
func New(db *sql.DB) *Store { return &Store{DB: db} }

// Site is the latest crawl outcome of one URL.
type Site struct {
	ID                  string   `json:"id"`
	URL                 string   `json:"url"`
	Domain              string   `json:"domain"`
	OwnerID             string   `json:"owner_id"`
	LastCrawledAt       int64    `json:"last_crawled_at"`
	NextCrawlAt         int64    `json:"next_crawl_at"`
	CrawlFrequencyHours int      `json:"crawl_frequency_hours"`
	Priority            int      `json:"priority"`
	SEOScore            int      `json:"seo_score"`
	CurrentSizeBytes    int64    `json:"current_size_bytes"`
	OptimizedSizeBytes  int64    `json:"optimized_size_bytes"`
	SpaceReclaimedBytes int64    `json:"space_reclaimed_bytes"`
	Clamped             bool     `json:"clamped,omitempty"`
	LoadTimeMs          int64    `json:"load_time_ms,omitempty"`
	LastCrawlID         string   `json:"last_crawl_id,omitempty"`
	LedgerRecorded      bool     `json:"ledger_recorded"`
	// RecordAttempts counts failed ledger records of the last crawl;
	// RecordBlocked is set when the ledger refused it for good.
	RecordAttempts      int      `json:"record_attempts,omitempty"`
	RecordTriedAt       int64    `json:"record_tried_at,omitempty"`
	RecordBlocked       bool     `json:"record_blocked,omitempty"`
	CrawlCount          int      `json:"crawl_count"`
	FailCount           int      `json:"fail_count,omitempty"`
	LastError           string   `json:"last_error,omitempty"`
	SlotIDs             []string `json:"slot_ids"`
	CreatedAt           int64    `json:"created_at"`
	UpdatedAt           int64    `json:"updated_at"`
}

const siteCols = `id, url, domain, owner_id, last_crawled_at, next_crawl_at, frequency_hours, priority,
	seo_score, current_size, optimized_size, reclaimed, clamped, load_time_ms, last_crawl_id,
	ledger_recorded, record_attempts, record_tried_at, record_blocked,
	crawl_count, fail_count, last_error, slot_ids, created_at, updated_at`

func scanSite(sc interface{ Scan(...any) error }) (*Site, error) {
	s := &Site{}
	var slots string
	err := sc.Scan(&s.ID, &s.URL, &s.Domain, &s.OwnerID, &s.LastCrawledAt, &s.NextCrawlAt,
		&s.CrawlFrequencyHours, &s.Priority, &s.SEOScore, &s.CurrentSizeBytes, &s.OptimizedSizeBytes,
		&s.SpaceReclaimedBytes, &s.Clamped, &s.LoadTimeMs, &s.LastCrawlID, &s.LedgerRecorded,
		&s.RecordAttempts, &s.RecordTriedAt, &s.RecordBlocked, &s.CrawlCount, &s.FailCount, &s.LastError, &slots, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(slots), &s.SlotIDs); err != nil {
		return nil, fmt.Errorf("slot ids of %s: %w", s.ID, err)
	}
	return s, nil
}

// PutSite inserts or replaces s.
func (st *Store) PutSite(ctx context.Context, s *Site) error {
	slots := s.SlotIDs
	if slots == nil {
		slots = []string{}
	}
	raw, err := json.Marshal(slots)
	if err != nil {
		return err
	}
	_, err = st.DB.ExecContext(ctx, `
		INSERT INTO registry_sites (`+siteCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url, domain = excluded.domain, owner_id = excluded.owner_id,
			last_crawled_at = excluded.last_crawled_at, next_crawl_at = excluded.next_crawl_at,
			frequency_hours = excluded.frequency_hours, priority = excluded.priority,
			seo_score = excluded.seo_score, current_size = excluded.current_size,
			optimized_size = excluded.optimized_size, reclaimed = excluded.reclaimed,
			clamped = excluded.clamped, load_time_ms = excluded.load_time_ms,
			last_crawl_id = excluded.last_crawl_id, ledger_recorded = excluded.ledger_recorded,
			record_attempts = excluded.record_attempts, record_tried_at = excluded.record_tried_at,
			record_blocked = excluded.record_blocked,
			crawl_count = excluded.crawl_count, fail_count = excluded.fail_count,
			last_error = excluded.last_error, slot_ids = excluded.slot_ids,
			updated_at = excluded.updated_at`,
		s.ID, s.URL, s.Domain, s.OwnerID, s.LastCrawledAt, s.NextCrawlAt, s.CrawlFrequencyHours,
		s.Priority, s.SEOScore, s.CurrentSizeBytes, s.OptimizedSizeBytes, s.SpaceReclaimedBytes,
		s.Clamped, s.LoadTimeMs, s.LastCrawlID, s.LedgerRecorded, s.RecordAttempts, s.RecordTriedAt,
		s.RecordBlocked, s.CrawlCount, s.FailCount, s.LastError, string(raw), s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: put site %s: %w", s.ID, err)
	}
	return nil
}

// GetSite returns the site or nil.
func (st *Store) GetSite(ctx context.Context, id string) (*Site, error) {
	s, err := scanSite(st.DB.QueryRowContext(ctx, `SELECT `+siteCols+` FROM registry_sites WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get site %s: %w", id, err)
	}
	return s, nil
}

// ListSites returns sites of domain (all when empty) ordered by next crawl.
func (st *Store) ListSites(ctx context.Context, domain string, limit int) ([]*Site, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := st.DB.QueryContext(ctx, `SELECT `+siteCols+` FROM registry_sites
		WHERE (? = '' OR domain = ?) ORDER BY next_crawl_at, priority DESC, id LIMIT ?`,
		domain, domain, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list sites: %w", err)
	}
	defer rows.Close()
	var out []*Site
	for rows.Next() {
		s, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan site: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Totals aggregates the registry.
type Totals struct {
	Sites          int     `json:"sites"`
	Domains        int     `json:"domains"`
	ReclaimedBytes int64   `json:"reclaimed_bytes"`
	Crawls         int64   `json:"crawls"`
	Clamped        int     `json:"clamped"`
	Unrecorded     int     `json:"unrecorded"`
	AvgSEOScore    float64 `json:"avg_seo_score"`
}

// Totals computes the aggregate counters. minRecord is the reclaimed size
// above which a crawl must be recorded in the ledger.
func (st *Store) Totals(ctx context.Context, minRecord int64) (*Totals, error) {
	t := &Totals{}
	err := st.DB.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT domain), COALESCE(SUM(reclaimed), 0), COALESCE(SUM(crawl_count), 0),
			COALESCE(SUM(clamped), 0),
			COALESCE(SUM(CASE WHEN ledger_recorded = 0 AND reclaimed > ? THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(CASE WHEN crawl_count > 0 THEN seo_score END), 0)
		FROM registry_sites`, minRecord).
		Scan(&t.Sites, &t.Domains, &t.ReclaimedBytes, &t.Crawls, &t.Clamped, &t.Unrecorded, &t.AvgSEOScore)
	if err != nil {
		return nil, fmt.Errorf("store: totals: %w", err)
	}
	return t, nil
}

// ListUnrecorded returns crawled sites above minRecord whose last crawl has
// not reached the ledger yet and was not refused for good, least recently
// tried first.
func (st *Store) ListUnrecorded(ctx context.Context, minRecord int64, limit int) ([]*Site, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := st.DB.QueryContext(ctx, `SELECT `+siteCols+` FROM registry_sites
		WHERE ledger_recorded = 0 AND record_blocked = 0 AND reclaimed > ? AND last_crawl_id != ''
		ORDER BY record_tried_at, updated_at, id LIMIT ?`, minRecord, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list unrecorded: %w", err)
	}
	defer rows.Close()
	var out []*Site
	for rows.Next() {
		s, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan site: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MarkRecorded flags the crawl as rewarded, unless a newer crawl replaced it.
func (st *Store) MarkRecorded(ctx context.Context, id, crawlID string, now int64) error {
	_, err := st.DB.ExecContext(ctx, `UPDATE registry_sites SET ledger_recorded = 1, updated_at = ?
		WHERE id = ? AND last_crawl_id = ?`, now, id, crawlID)
	if err != nil {
		return fmt.Errorf("store: mark recorded %s: %w", id, err)
	}
	return nil
}

// MarkRecordFailed counts a failed record of crawlID. blocked parks the crawl
// until a newer one replaces it.
func (st *Store) MarkRecordFailed(ctx context.Context, id, crawlID string, blocked bool, now int64) error {
	_, err := st.DB.ExecContext(ctx, `UPDATE registry_sites
		SET record_attempts = record_attempts + 1, record_tried_at = ?, record_blocked = ?
		WHERE id = ? AND last_crawl_id = ?`, now, blocked, id, crawlID)
	if err != nil {
		return fmt.Errorf("store: mark record failed %s: %w", id, err)
	}
	return nil
}
