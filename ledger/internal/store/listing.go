package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Listing is a marketplace offer for an asset.
type Listing struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	AssetID  string          `json:"asset_id"`
	SellerID string          `json:"seller_id"`
	Price    decimal.Decimal `json:"price"`
	Status   string          `json:"status"`
	ListedAt int64           `json:"listed_at"`
	SoldAt   *int64          `json:"sold_at,omitempty"`
	BuyerID  string          `json:"buyer_id,omitempty"`
	Fee      decimal.Decimal `json:"fee"`
}

const listingCols = `id, kind, asset_id, seller_id, price, status, listed_at, sold_at, COALESCE(buyer_id, ''), fee`

func scanListing(sc interface{ Scan(...any) error }) (*Listing, error) {
	l := &Listing{}
	var sold sql.NullInt64
	err := sc.Scan(&l.ID, &l.Kind, &l.AssetID, &l.SellerID, &l.Price, &l.Status, &l.ListedAt, &sold, &l.BuyerID, &l.Fee)
	if sold.Valid {
		l.SoldAt = &sold.Int64
	}
	return l, err
}

// InsertListing adds l. The unique partial index rejects a second active
// listing for the same asset.
func (s *Store) InsertListing(ctx context.Context, q DBTX, l *Listing) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_listings (id, kind, asset_id, seller_id, price, status, listed_at, fee)
		VALUES (?,?,?,?,?,?,?,?)`,
		l.ID, l.Kind, l.AssetID, l.SellerID, l.Price.String(), l.Status, l.ListedAt, l.Fee.String())
	if err != nil {
		return fmt.Errorf("store: insert listing %s: %w", l.ID, err)
	}
	return nil
}

// CloseListing moves an active listing to status (sold or cancelled).
// It reports false when the listing was no longer active.
func (s *Store) CloseListing(ctx context.Context, q DBTX, l *Listing) (bool, error) {
	var buyer sql.NullString
	if l.BuyerID != "" {
		buyer = sql.NullString{String: l.BuyerID, Valid: true}
	}
	var sold sql.NullInt64
	if l.SoldAt != nil {
		sold = sql.NullInt64{Int64: *l.SoldAt, Valid: true}
	}
	res, err := q.ExecContext(ctx, `
		UPDATE ledger_listings SET status = ?, sold_at = ?, buyer_id = ?, fee = ?
		WHERE id = ? AND status = 'active'`,
		l.Status, sold, buyer, l.Fee.String(), l.ID)
	if err != nil {
		return false, fmt.Errorf("store: close listing %s: %w", l.ID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// GetListing returns the listing or nil.
func (s *Store) GetListing(ctx context.Context, q DBTX, id string) (*Listing, error) {
	l, err := scanListing(q.QueryRowContext(ctx, `SELECT `+listingCols+` FROM ledger_listings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get listing %s: %w", id, err)
	}
	return l, nil
}

// ListListings returns listings with status (all when empty), newest first.
func (s *Store) ListListings(ctx context.Context, q DBTX, status string, limit int) ([]*Listing, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.QueryContext(ctx, `SELECT `+listingCols+` FROM ledger_listings
		WHERE (? = '' OR status = ?) ORDER BY listed_at DESC, id DESC LIMIT ?`, status, status, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list listings: %w", err)
	}
	defer rows.Close()
	var out []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan listing: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
