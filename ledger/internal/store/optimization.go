package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Optimization is a rewarded crawl outcome, unique per (site, crawl).
type Optimization struct {
	SiteID     string `json:"site_id"`
	CrawlID    string `json:"crawl_id"`
	AccountID  string `json:"account_id"`
	BytesSaved int64  `json:"bytes_saved"`
	SEOScore   int    `json:"seo_score"`
	TxID       string `json:"tx_id"`
	CreatedAt  int64  `json:"created_at"`
}

// GetOptimization returns the record or nil.
func (s *Store) GetOptimization(ctx context.Context, q DBTX, siteID, crawlID string) (*Optimization, error) {
	o := &Optimization{}
	err := q.QueryRowContext(ctx, `
		SELECT site_id, crawl_id, account_id, bytes_saved, seo_score, tx_id, created_at
		FROM ledger_optimizations WHERE site_id = ? AND crawl_id = ?`, siteID, crawlID).
		Scan(&o.SiteID, &o.CrawlID, &o.AccountID, &o.BytesSaved, &o.SEOScore, &o.TxID, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get optimization: %w", err)
	}
	return o, nil
}

// InsertOptimization records o.
func (s *Store) InsertOptimization(ctx context.Context, q DBTX, o *Optimization) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_optimizations (site_id, crawl_id, account_id, bytes_saved, seo_score, tx_id, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		o.SiteID, o.CrawlID, o.AccountID, o.BytesSaved, o.SEOScore, o.TxID, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert optimization: %w", err)
	}
	return nil
}
