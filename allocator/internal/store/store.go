// Package store persists bridges, their slots and allocations.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/hazyhaar/spacebridge/registry"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Store is the allocator database handle.
type Store struct {
	DB *sql.DB
}

// New wraps db. The caller applies Schema.
func New(db *sql.DB) *Store { return &Store{DB: db} }

// Bridge pools the reclaimed space of one site.
type Bridge struct {
	ID                    string           `json:"id"`
	SourceSiteID          string           `json:"source_site_id"`
	SourceURL             string           `json:"source_url"`
	SpaceAvailableBytes   int64            `json:"space_available_bytes"`
	SpaceUsedBytes        int64            `json:"space_used_bytes"`
	ArchivedBytes         int64            `json:"archived_bytes"`
	ArchivedNotionalBytes int64            `json:"archived_notional_bytes"`
	Slots                 []*registry.Slot `json:"slots"`
	ConsumerIDs           []string         `json:"consumer_ids"`
	EfficiencyScore       int              `json:"efficiency_score"`
	ReclaimedBytes        int64            `json:"reclaimed_bytes"`
	CurrentSizeBytes      int64            `json:"current_size_bytes"`
	OptimizedSizeBytes    int64            `json:"optimized_size_bytes"`
	SEOScore              int              `json:"seo_score"`
	LastOptimizedAt       int64            `json:"last_optimized_at"`
	NextOptimizeAt        int64            `json:"next_optimize_at"`
	ModifiedAt            int64            `json:"modified_at"`
	Operational           bool             `json:"operational"`
	CreatedAt             int64            `json:"created_at"`
}

// Leg is the part of an allocation served by one bridge.
type Leg struct {
	BridgeID       string   `json:"bridge_id"`
	SlotIDs        []string `json:"slot_ids"`
	PhysicalBytes  int64    `json:"physical_bytes"`
	EffectiveBytes int64    `json:"effective_bytes"`
	Bonus          bool     `json:"bonus"`
}

// Allocation is a consumer's claim on slots.
type Allocation struct {
	ID             string          `json:"id"`
	ConsumerID     string          `json:"consumer_id"`
	RequestedBytes int64           `json:"requested_bytes"`
	PhysicalBytes  int64           `json:"physical_bytes"`
	EffectiveBytes int64           `json:"effective_bytes"`
	BonusBytes     int64           `json:"bonus_bytes"`
	Charge         decimal.Decimal `json:"charge"`
	TransactionID  string          `json:"transaction_id,omitempty"`
	Legs           []Leg           `json:"legs"`
	CreatedAt      int64           `json:"created_at"`
	ExpiresAt      int64           `json:"expires_at,omitempty"`
	ReleasedAt     int64           `json:"released_at,omitempty"`
}

// PutBridge upserts the bridge row (slots are written separately).
func (s *Store) PutBridge(ctx context.Context, q DBTX, b *Bridge) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO alloc_bridges (id, site_id, source_url, efficiency, reclaimed, current_size,
			optimized_size, seo_score, last_optimized_at, next_optimize_at, modified_at, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			source_url = excluded.source_url, efficiency = excluded.efficiency,
			reclaimed = excluded.reclaimed, current_size = excluded.current_size,
			optimized_size = excluded.optimized_size, seo_score = excluded.seo_score,
			last_optimized_at = excluded.last_optimized_at, next_optimize_at = excluded.next_optimize_at,
			modified_at = excluded.modified_at`,
		b.ID, b.SourceSiteID, b.SourceURL, b.EfficiencyScore, b.ReclaimedBytes, b.CurrentSizeBytes,
		b.OptimizedSizeBytes, b.SEOScore, b.LastOptimizedAt, b.NextOptimizeAt, b.ModifiedAt, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: put bridge %s: %w", b.ID, err)
	}
	return nil
}

// PutSlotShapes upserts the size, kind, price and archive flags of slots.
// Occupancy columns of existing rows are left alone.
func (s *Store) PutSlotShapes(ctx context.Context, q DBTX, bridgeID string, slots []*registry.Slot) error {
	for _, sl := range slots {
		_, err := q.ExecContext(ctx, `
			INSERT INTO alloc_slots (id, bridge_id, site_id, idx, size, kind, price, archived, orphaned)
			VALUES (?,?,?,?,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET
				idx = excluded.idx, size = excluded.size, kind = excluded.kind,
				price = excluded.price, archived = excluded.archived, orphaned = excluded.orphaned`,
			sl.ID, bridgeID, sl.OwnerSiteID, sl.Index, sl.SizeBytes, sl.Kind, sl.Price.String(),
			sl.Archived, sl.Orphaned)
		if err != nil {
			return fmt.Errorf("store: put slot %s: %w", sl.ID, err)
		}
	}
	return nil
}

// DeleteSlots removes unoccupied slots.
func (s *Store) DeleteSlots(ctx context.Context, q DBTX, ids []string) error {
	for _, id := range ids {
		if _, err := q.ExecContext(ctx, `DELETE FROM alloc_slots WHERE id = ? AND occupied = 0`, id); err != nil {
			return fmt.Errorf("store: delete slot %s: %w", id, err)
		}
	}
	return nil
}

// Occupy writes the occupancy of slot.
func (s *Store) Occupy(ctx context.Context, q DBTX, sl *registry.Slot) error {
	_, err := q.ExecContext(ctx, `
		UPDATE alloc_slots SET occupied = ?, occupant_id = ?, allocation_id = ?, expires_at = ?
		WHERE id = ?`,
		sl.Occupied, sl.OccupantID, sl.AllocationID, sl.ExpiresAt, sl.ID)
	if err != nil {
		return fmt.Errorf("store: occupy slot %s: %w", sl.ID, err)
	}
	return nil
}

// MoveOccupant hands slot id from one occupant to another. It reports false
// when from no longer holds the slot.
func (s *Store) MoveOccupant(ctx context.Context, q DBTX, id, from, to string) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE alloc_slots SET occupant_id = ?, allocation_id = '', expires_at = 0
		WHERE id = ? AND occupied = 1 AND occupant_id = ?`, to, id, from)
	if err != nil {
		return false, fmt.Errorf("store: move slot %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Vacate frees slot id if it is still held by occupant under allocationID.
// It reports false when the slot changed hands in the meantime.
func (s *Store) Vacate(ctx context.Context, q DBTX, id, occupant, allocationID string) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE alloc_slots SET occupied = 0, occupant_id = '', allocation_id = '', expires_at = 0
		WHERE id = ? AND occupied = 1 AND occupant_id = ? AND allocation_id = ?`,
		id, occupant, allocationID)
	if err != nil {
		return false, fmt.Errorf("store: vacate slot %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// PutAllocation upserts a.
func (s *Store) PutAllocation(ctx context.Context, q DBTX, a *Allocation) error {
	legs, err := json.Marshal(a.Legs)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO alloc_allocations (id, consumer_id, requested, physical, effective, bonus, charge,
			tx_id, legs, created_at, expires_at, released_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET released_at = excluded.released_at, expires_at = excluded.expires_at`,
		a.ID, a.ConsumerID, a.RequestedBytes, a.PhysicalBytes, a.EffectiveBytes, a.BonusBytes,
		a.Charge.String(), a.TransactionID, string(legs), a.CreatedAt, a.ExpiresAt, a.ReleasedAt)
	if err != nil {
		return fmt.Errorf("store: put allocation %s: %w", a.ID, err)
	}
	return nil
}

// LoadBridges returns every bridge with its slots ordered by index. Space
// counters are left for the caller to recompute.
func (s *Store) LoadBridges(ctx context.Context) ([]*Bridge, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, site_id, source_url, efficiency, reclaimed, current_size, optimized_size, seo_score,
			last_optimized_at, next_optimize_at, modified_at, created_at
		FROM alloc_bridges ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: load bridges: %w", err)
	}
	var bridges []*Bridge
	byID := make(map[string]*Bridge)
	for rows.Next() {
		b := &Bridge{}
		if err := rows.Scan(&b.ID, &b.SourceSiteID, &b.SourceURL, &b.EfficiencyScore, &b.ReclaimedBytes,
			&b.CurrentSizeBytes, &b.OptimizedSizeBytes, &b.SEOScore, &b.LastOptimizedAt,
			&b.NextOptimizeAt, &b.ModifiedAt, &b.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: scan bridge: %w", err)
		}
		bridges = append(bridges, b)
		byID[b.ID] = b
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	srows, err := s.DB.QueryContext(ctx, `
		SELECT bridge_id, id, site_id, idx, size, kind, price, archived, orphaned, occupied,
			occupant_id, allocation_id, expires_at
		FROM alloc_slots ORDER BY bridge_id, idx`)
	if err != nil {
		return nil, fmt.Errorf("store: load slots: %w", err)
	}
	defer srows.Close()
	for srows.Next() {
		var bridgeID string
		sl := &registry.Slot{}
		if err := srows.Scan(&bridgeID, &sl.ID, &sl.OwnerSiteID, &sl.Index, &sl.SizeBytes, &sl.Kind,
			&sl.Price, &sl.Archived, &sl.Orphaned, &sl.Occupied, &sl.OccupantID, &sl.AllocationID,
			&sl.ExpiresAt); err != nil {
			return nil, fmt.Errorf("store: scan slot: %w", err)
		}
		if b := byID[bridgeID]; b != nil {
			b.Slots = append(b.Slots, sl)
		}
	}
	return bridges, srows.Err()
}

// LoadAllocations returns every allocation.
func (s *Store) LoadAllocations(ctx context.Context) ([]*Allocation, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, consumer_id, requested, physical, effective, bonus, charge, tx_id, legs,
			created_at, expires_at, released_at
		FROM alloc_allocations ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("store: load allocations: %w", err)
	}
	defer rows.Close()
	var out []*Allocation
	for rows.Next() {
		a := &Allocation{}
		var legs string
		if err := rows.Scan(&a.ID, &a.ConsumerID, &a.RequestedBytes, &a.PhysicalBytes, &a.EffectiveBytes,
			&a.BonusBytes, &a.Charge, &a.TransactionID, &legs, &a.CreatedAt, &a.ExpiresAt,
			&a.ReleasedAt); err != nil {
			return nil, fmt.Errorf("store: scan allocation: %w", err)
		}
		if err := json.Unmarshal([]byte(legs), &a.Legs); err != nil {
			return nil, fmt.Errorf("store: legs of %s: %w", a.ID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
