package allocator

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/hazyhaar/spacebridge/dbopen"
	"github.com/hazyhaar/spacebridge/events"
	"github.com/hazyhaar/spacebridge/faults"
	"github.com/hazyhaar/spacebridge/observability"
	"github.com/hazyhaar/spacebridge/registry"
)

type candidate struct {
	st    *bridgeState
	score float64
}

// free reports whether sl can be allocated. Caller holds the bridge lock.
func free(sl *registry.Slot) bool { return !sl.Occupied && !sl.Archived }

func (a *Allocator) bonus(b *Bridge) bool { return b.EfficiencyScore > a.cfg.BonusThreshold }

// effective is the capacity sl delivers on b.
func (a *Allocator) effective(b *Bridge, sl *registry.Slot) int64 {
	if a.bonus(b) {
		return int64(math.Floor(float64(sl.SizeBytes) * a.cfg.BonusFactor))
	}
	return sl.SizeBytes
}

func freeBytes(b *Bridge) int64 {
	var n int64
	for _, sl := range b.Slots {
		if free(sl) {
			n += sl.SizeBytes
		}
	}
	return n
}

// rank returns the top candidates by efficiency × free bytes.
func (a *Allocator) rank() []candidate {
	a.mu.RLock()
	states := make([]*bridgeState, 0, len(a.bridges))
	for _, st := range a.bridges {
		states = append(states, st)
	}
	a.mu.RUnlock()

	var out []candidate
	for _, st := range states {
		st.mu.Lock()
		if st.b.Operational {
			if f := freeBytes(st.b); f > 0 {
				out = append(out, candidate{st: st, score: float64(st.b.EfficiencyScore) * float64(f)})
			}
		}
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].st.b.ID < out[j].st.b.ID
	})
	if len(out) > a.cfg.MaxCandidates {
		out = out[:a.cfg.MaxCandidates]
	}
	return out
}

// lockAll locks states in ascending bridge id order.
func lockAll(states []*bridgeState) func() {
	sorted := append([]*bridgeState(nil), states...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].b.ID < sorted[j].b.ID })
	for _, st := range sorted {
		st.mu.Lock()
	}
	return func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			sorted[i].mu.Unlock()
		}
	}
}

// Price is what an allocation of n bytes costs, bonus excluded.
func (a *Allocator) Price(n int64) decimal.Decimal {
	return decimal.NewFromInt(n).Div(decimal.NewFromInt(1024)).
		Mul(decimal.NewFromFloat(a.cfg.PricePerKiB)).Round(6)
}

// Allocate claims whole free slots worth at least bytesRequired effective
// bytes for consumerID and charges the pre-bonus price. Either every slot is
// taken and paid for, or nothing changes.
func (a *Allocator) Allocate(ctx context.Context, consumerID string, bytesRequired int64) (*Allocation, error) {
	if consumerID == "" {
		return nil, faults.Invalid("consumer is required")
	}
	if bytesRequired <= 0 {
		return nil, faults.Invalid("bytes required must be positive, got %d", bytesRequired)
	}
	id := a.newID()
	a.emitter.Emit(ctx, events.Event{
		Name:      events.AllocationStarted,
		AccountID: consumerID,
		Data:      map[string]any{"allocation_id": id, "bytes_required": bytesRequired},
	})

	al, states, err := a.reserve(id, consumerID, bytesRequired)
	if err != nil {
		a.failed(ctx, id, consumerID, bytesRequired, err)
		return nil, err
	}

	al.Charge = a.Price(bytesRequired)
	if a.charger != nil {
		txn, err := a.charger.Charge(ctx, consumerID, al.Charge, "allocation "+id)
		if err != nil {
			a.unreserve(al, states)
			a.failed(ctx, id, consumerID, bytesRequired, err)
			return nil, err
		}
		al.TransactionID = txn.ID
	}

	// Once charged, a caller deadline must not split the charge from the
	// persist or from its refund.
	ctx = context.WithoutCancel(ctx)
	if err := a.commit(ctx, al, states); err != nil {
		a.unreserve(al, states)
		if a.charger != nil {
			if _, rerr := a.charger.Refund(ctx, consumerID, al.Charge, "refund "+id); rerr != nil {
				a.logger.Error("allocator: refund failed", "allocation_id", id, "consumer_id", consumerID, "error", rerr)
			}
		}
		err = faults.Transient("allocator: persist "+id, err)
		a.failed(ctx, id, consumerID, bytesRequired, err)
		return nil, err
	}

	a.mu.Lock()
	a.allocations[id] = al
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.Add(observability.MetricBytesAllocated, float64(al.PhysicalBytes), "bytes",
			map[string]string{"consumer": consumerID})
	}
	a.logger.Info("allocator: allocation completed", "allocation_id", id, "consumer_id", consumerID,
		"requested", bytesRequired, "physical", al.PhysicalBytes, "effective", al.EffectiveBytes,
		"bridges", len(al.Legs), "charge", al.Charge.String())
	for _, leg := range al.Legs {
		a.emitter.Emit(ctx, events.Event{
			Name:      events.AllocationCompleted,
			BridgeID:  leg.BridgeID,
			AccountID: consumerID,
			Data: map[string]any{
				"allocation_id": id, "slot_ids": leg.SlotIDs, "physical_bytes": leg.PhysicalBytes,
				"effective_bytes": leg.EffectiveBytes, "bonus": leg.Bonus,
			},
		})
	}
	cp := *al
	return &cp, nil
}

// reserve marks the slots of a new allocation occupied with no occupant yet,
// so they can neither be allocated again nor traded.
func (a *Allocator) reserve(id, consumerID string, need int64) (*Allocation, []*bridgeState, error) {
	cands := a.rank()
	if len(cands) == 0 {
		return nil, nil, &faults.CapacityError{Requested: need}
	}
	states := make([]*bridgeState, len(cands))
	for i, c := range cands {
		states[i] = c.st
	}
	unlock := lockAll(states)
	defer unlock()

	var total int64
	for _, st := range states {
		if !st.b.Operational {
			continue
		}
		for _, sl := range st.b.Slots {
			if free(sl) {
				total += a.effective(st.b, sl)
			}
		}
	}
	if total < need {
		return nil, nil, &faults.CapacityError{Requested: need, Available: total}
	}

	now := a.now()
	al := &Allocation{
		ID:             id,
		ConsumerID:     consumerID,
		RequestedBytes: need,
		CreatedAt:      now.UnixMilli(),
	}
	if a.cfg.AllocationTTL > 0 {
		al.ExpiresAt = now.Add(a.cfg.AllocationTTL).UnixMilli()
	}

	var used []*bridgeState
	remaining := need
	a.own.Lock()
	for _, st := range states {
		if remaining <= 0 {
			break
		}
		b := st.b
		if !b.Operational {
			continue
		}
		leg := Leg{BridgeID: b.ID, Bonus: a.bonus(b)}
		for _, sl := range b.Slots {
			if remaining <= 0 {
				break
			}
			if !free(sl) {
				continue
			}
			eff := a.effective(b, sl)
			sl.Occupied, sl.OccupantID, sl.AllocationID = true, "", id
			leg.SlotIDs = append(leg.SlotIDs, sl.ID)
			leg.PhysicalBytes += sl.SizeBytes
			leg.EffectiveBytes += eff
			remaining -= eff
		}
		if len(leg.SlotIDs) > 0 {
			al.Legs = append(al.Legs, leg)
			al.PhysicalBytes += leg.PhysicalBytes
			al.EffectiveBytes += leg.EffectiveBytes
			used = append(used, st)
		}
	}
	a.own.Unlock()
	al.BonusBytes = al.EffectiveBytes - al.PhysicalBytes
	for _, st := range used {
		recount(st.b)
	}
	return al, used, nil
}

// unreserve frees the slots reserved for al.
func (a *Allocator) unreserve(al *Allocation, states []*bridgeState) {
	unlock := lockAll(states)
	defer unlock()
	ids := slotSet(al)
	a.own.Lock()
	for _, st := range states {
		for _, sl := range st.b.Slots {
			if ids[sl.ID] && sl.AllocationID == al.ID {
				sl.Occupied, sl.OccupantID, sl.AllocationID, sl.ExpiresAt = false, "", "", 0
			}
		}
	}
	a.own.Unlock()
	for _, st := range states {
		recount(st.b)
	}
}

// commit persists al and hands its reserved slots to the consumer.
func (a *Allocator) commit(ctx context.Context, al *Allocation, states []*bridgeState) error {
	unlock := lockAll(states)
	defer unlock()
	ids := slotSet(al)
	now := a.now().UnixMilli()

	var slots []*registry.Slot
	for _, st := range states {
		for _, sl := range st.b.Slots {
			if ids[sl.ID] {
				slots = append(slots, sl)
			}
		}
	}
	err := dbopen.RunTx(ctx, a.store.DB, func(tx *sql.Tx) error {
		for _, st := range states {
			b := *st.b
			b.ModifiedAt = now
			if err := a.store.PutBridge(ctx, tx, &b); err != nil {
				return err
			}
		}
		for _, sl := range slots {
			row := registry.Slot{
				ID: sl.ID, Occupied: true, OccupantID: al.ConsumerID,
				AllocationID: al.ID, ExpiresAt: al.ExpiresAt,
			}
			if err := a.store.Occupy(ctx, tx, &row); err != nil {
				return err
			}
		}
		return a.store.PutAllocation(ctx, tx, al)
	})
	if err != nil {
		return err
	}

	a.own.Lock()
	for _, sl := range slots {
		sl.OccupantID, sl.ExpiresAt = al.ConsumerID, al.ExpiresAt
	}
	a.own.Unlock()
	for _, st := range states {
		st.b.ModifiedAt = now
	}
	return nil
}

func slotSet(al *Allocation) map[string]bool {
	ids := make(map[string]bool)
	for _, leg := range al.Legs {
		for _, id := range leg.SlotIDs {
			ids[id] = true
		}
	}
	return ids
}

func (a *Allocator) failed(ctx context.Context, id, consumerID string, requested int64, err error) {
	reason := "error"
	var ce *faults.CapacityError
	var be *faults.BalanceError
	switch {
	case errors.As(err, &ce):
		reason = "capacity"
	case errors.As(err, &be):
		reason = "balance"
	case faults.IsTransient(err):
		reason = "transient"
	}
	if a.metrics != nil {
		a.metrics.Add(observability.MetricAllocationFailures, 1, "count", map[string]string{"reason": reason})
	}
	a.logger.Warn("allocator: allocation failed", "allocation_id", id, "consumer_id", consumerID,
		"requested", requested, "reason", reason, "error", err)
	a.emitter.Emit(ctx, events.Event{
		Name:      events.AllocationFailed,
		AccountID: consumerID,
		Data: map[string]any{
			"allocation_id": id, "bytes_required": requested, "reason": reason, "error": err.Error(),
		},
	})
}
