package allocator

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/spacebridge/dbopen"
	"github.com/hazyhaar/spacebridge/events"
	"github.com/hazyhaar/spacebridge/faults"
	"github.com/hazyhaar/spacebridge/registry"
)

// Release frees the slots an allocation still holds. Slots sold on the
// marketplace since then belong to their buyer and are left alone.
func (a *Allocator) Release(ctx context.Context, allocationID string) (*Allocation, error) {
	a.mu.RLock()
	al, ok := a.allocations[allocationID]
	var cur Allocation
	if ok {
		cur = *al
	}
	a.mu.RUnlock()
	if !ok {
		return nil, &faults.NotFoundError{Kind: "allocation", ID: allocationID}
	}
	if cur.ReleasedAt != 0 {
		return nil, faults.Invalid("allocation %s already released", allocationID)
	}

	var states []*bridgeState
	for _, leg := range cur.Legs {
		if st := a.state(leg.BridgeID); st != nil {
			states = append(states, st)
		}
	}
	unlock := lockAll(states)
	defer unlock()

	// A concurrent release may have won the locks.
	a.mu.RLock()
	released := al.ReleasedAt != 0
	a.mu.RUnlock()
	if released {
		return nil, faults.Invalid("allocation %s already released", allocationID)
	}

	ids := slotSet(&cur)
	now := a.now().UnixMilli()
	var held []*registry.Slot
	a.own.Lock()
	for _, st := range states {
		for _, sl := range st.b.Slots {
			if ids[sl.ID] && sl.Occupied && sl.AllocationID == cur.ID && sl.OccupantID == cur.ConsumerID {
				held = append(held, sl)
			}
		}
	}
	a.own.Unlock()

	cur.ReleasedAt = now
	var freed []*registry.Slot
	err := dbopen.RunTx(ctx, a.store.DB, func(tx *sql.Tx) error {
		freed = freed[:0]
		for _, sl := range held {
			ok, err := a.store.Vacate(ctx, tx, sl.ID, cur.ConsumerID, cur.ID)
			if err != nil {
				return err
			}
			if ok {
				freed = append(freed, sl)
			}
		}
		for _, st := range states {
			b := *st.b
			b.ModifiedAt = now
			if err := a.store.PutBridge(ctx, tx, &b); err != nil {
				return err
			}
		}
		return a.store.PutAllocation(ctx, tx, &cur)
	})
	if err != nil {
		return nil, faults.Transient("allocator: release "+allocationID, err)
	}

	a.own.Lock()
	for _, sl := range freed {
		if sl.AllocationID == cur.ID {
			sl.Occupied, sl.OccupantID, sl.AllocationID, sl.ExpiresAt = false, "", "", 0
		}
	}
	a.own.Unlock()
	for _, st := range states {
		st.b.ModifiedAt = now
		recount(st.b)
	}
	a.mu.Lock()
	al.ReleasedAt = now
	a.mu.Unlock()

	a.logger.Info("allocator: allocation released", "allocation_id", cur.ID, "consumer_id", cur.ConsumerID,
		"slots", len(freed))
	for _, leg := range cur.Legs {
		a.emitter.Emit(ctx, events.Event{
			Name:      events.AllocationReleased,
			BridgeID:  leg.BridgeID,
			AccountID: cur.ConsumerID,
			Data:      map[string]any{"allocation_id": cur.ID, "slot_ids": leg.SlotIDs},
		})
	}
	return &cur, nil
}

// ReleaseExpired releases every active allocation past its expiry and
// returns how many were released.
func (a *Allocator) ReleaseExpired(ctx context.Context) (int, error) {
	now := a.now().UnixMilli()
	var due []string
	a.mu.RLock()
	for id, al := range a.allocations {
		if al.ReleasedAt == 0 && al.ExpiresAt > 0 && al.ExpiresAt <= now {
			due = append(due, id)
		}
	}
	a.mu.RUnlock()

	n := 0
	for _, id := range due {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, err := a.Release(ctx, id); err != nil {
			a.logger.Warn("allocator: expiry release failed", "allocation_id", id, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// ReleaseSlot frees one slot held by consumerID, typically a slot bought on
// the marketplace.
func (a *Allocator) ReleaseSlot(ctx context.Context, consumerID, slotID string) error {
	a.own.Lock()
	sl := a.slots[slotID]
	a.own.Unlock()
	if sl == nil {
		return &faults.NotFoundError{Kind: "slot", ID: slotID}
	}
	st := a.state(BridgeID(sl.OwnerSiteID))
	if st == nil {
		return &faults.NotFoundError{Kind: "bridge", ID: BridgeID(sl.OwnerSiteID)}
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	a.own.Lock()
	occupant, allocationID := sl.OccupantID, sl.AllocationID
	held := sl.Occupied && occupant == consumerID
	a.own.Unlock()
	if !held {
		return &faults.OwnershipError{Asset: slotID, Actor: consumerID, Owner: occupant}
	}

	now := a.now().UnixMilli()
	var ok bool
	err := dbopen.RunTx(ctx, a.store.DB, func(tx *sql.Tx) error {
		var err error
		ok, err = a.store.Vacate(ctx, tx, slotID, consumerID, allocationID)
		if err != nil || !ok {
			return err
		}
		b := *st.b
		b.ModifiedAt = now
		return a.store.PutBridge(ctx, tx, &b)
	})
	if err != nil {
		return faults.Transient("allocator: release slot "+slotID, err)
	}
	if !ok {
		return fmt.Errorf("allocator: release slot %s: %w", slotID,
			&faults.OwnershipError{Asset: slotID, Actor: consumerID})
	}

	a.own.Lock()
	sl.Occupied, sl.OccupantID, sl.AllocationID, sl.ExpiresAt = false, "", "", 0
	a.own.Unlock()
	st.b.ModifiedAt = now
	recount(st.b)

	a.logger.Info("allocator: slot released", "slot_id", slotID, "consumer_id", consumerID)
	a.emitter.Emit(ctx, events.Event{
		Name:      events.AllocationReleased,
		BridgeID:  st.b.ID,
		AccountID: consumerID,
		Data:      map[string]any{"allocation_id": allocationID, "slot_ids": []string{slotID}},
	})
	return nil
}
