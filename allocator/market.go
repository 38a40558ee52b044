package allocator

import (
	"context"
	"database/sql"

	"github.com/hazyhaar/spacebridge/faults"
	"github.com/hazyhaar/spacebridge/ledger"
)

var _ ledger.AssetOwner = (*Allocator)(nil)

// OwnerOf returns the consumer holding a slot, "" when it is free or still
// being allocated.
func (a *Allocator) OwnerOf(_ context.Context, slotID string) (string, error) {
	a.own.Lock()
	defer a.own.Unlock()
	sl := a.slots[slotID]
	if sl == nil {
		return "", &faults.NotFoundError{Kind: "slot", ID: slotID}
	}
	if !sl.Occupied {
		return "", nil
	}
	return sl.OccupantID, nil
}

// TransferAsset hands a slot from one consumer to another inside the
// ledger's purchase transaction. The slot leaves its original allocation,
// so releasing that allocation no longer frees it.
//
// Only the ownership mutex is taken: the caller holds a database
// transaction and allocations hold bridge locks while they persist.
func (a *Allocator) TransferAsset(ctx context.Context, tx *sql.Tx, slotID, from, to string) (func(), error) {
	if to == "" {
		return nil, faults.Invalid("buyer is required")
	}
	a.own.Lock()
	defer a.own.Unlock()
	sl := a.slots[slotID]
	if sl == nil {
		return nil, &faults.NotFoundError{Kind: "slot", ID: slotID}
	}
	if !sl.Occupied || sl.OccupantID != from {
		return nil, &faults.OwnershipError{Asset: slotID, Actor: from, Owner: sl.OccupantID}
	}
	moved, err := a.store.MoveOccupant(ctx, tx, slotID, from, to)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, &faults.OwnershipError{Asset: slotID, Actor: from}
	}

	prevAlloc, prevExp := sl.AllocationID, sl.ExpiresAt
	sl.OccupantID, sl.AllocationID, sl.ExpiresAt = to, "", 0
	a.logger.Info("allocator: slot transferred", "slot_id", slotID, "from", from, "to", to)

	undo := func() {
		a.own.Lock()
		defer a.own.Unlock()
		if sl.Occupied && sl.OccupantID == to && sl.AllocationID == "" {
			sl.OccupantID, sl.AllocationID, sl.ExpiresAt = from, prevAlloc, prevExp
		}
	}
	return undo, nil
}
