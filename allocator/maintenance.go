package allocator

import (
	"context"
	"database/sql"
	"time"

	"github.com/hazyhaar/spacebridge/dbopen"
	"github.com/hazyhaar/spacebridge/events"
	"github.com/hazyhaar/spacebridge/registry"
)

type dueBridge struct {
	id, url   string
	reclaimed int64
}

// Reoptimize re-crawls every bridge whose next optimization time has
// passed. A crawl reporting more reclaimed space goes through the ingester
// so the site and the bridge grow together; otherwise the bridge is only
// rescheduled. Failures are reported as events and retried on the next call.
// It returns how many bridges were processed.
func (a *Allocator) Reoptimize(ctx context.Context) (int, error) {
	if a.optimizer == nil {
		return 0, nil
	}
	now := a.now()
	var due []dueBridge
	for _, b := range a.Bridges() {
		if b.NextOptimizeAt <= now.UnixMilli() && b.SourceURL != "" {
			due = append(due, dueBridge{id: b.ID, url: b.SourceURL, reclaimed: b.ReclaimedBytes})
		}
	}

	n := 0
	for _, d := range due {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := a.reoptimize(ctx, d); err != nil {
			a.logger.Warn("allocator: reoptimize failed", "bridge_id", d.id, "error", err)
			a.emitter.Emit(ctx, events.Event{
				Name:     events.OptimizationError,
				BridgeID: d.id,
				Data:     map[string]any{"url": d.url, "error": err.Error()},
			})
			continue
		}
		n++
	}
	return n, nil
}

func (a *Allocator) reoptimize(ctx context.Context, d dueBridge) error {
	a.emitter.Emit(ctx, events.Event{
		Name:     events.OptimizationStarted,
		BridgeID: d.id,
		Data:     map[string]any{"url": d.url},
	})
	res, err := a.optimizer.Optimize(ctx, d.url)
	if err != nil {
		return err
	}
	if res.URL == "" {
		res.URL = d.url
	}
	reclaimed, _ := registry.Reclaimed(res.CurrentSizeBytes, res.OptimizedSizeBytes)
	grown := reclaimed > d.reclaimed && a.ingester != nil
	if grown {
		if _, err := a.ingester.Ingest(ctx, registry.CrawlResult{Result: *res}); err != nil {
			return err
		}
	} else if err := a.reschedule(ctx, d.id); err != nil {
		return err
	}

	b, err := a.Bridge(d.id)
	if err != nil {
		return err
	}
	a.logger.Info("allocator: bridge reoptimized", "bridge_id", d.id, "grown", grown,
		"reclaimed", b.ReclaimedBytes, "efficiency", b.EfficiencyScore)
	a.emitter.Emit(ctx, events.Event{
		Name:     events.OptimizationCompleted,
		BridgeID: d.id,
		Data: map[string]any{
			"url": d.url, "grown": grown, "reclaimed_bytes": b.ReclaimedBytes,
			"available_bytes": b.SpaceAvailableBytes, "efficiency": b.EfficiencyScore,
		},
	})
	return nil
}

// reschedule stamps a crawl that brought no new space.
func (a *Allocator) reschedule(ctx context.Context, id string) error {
	st := a.state(id)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	now := a.now()
	b := *st.b
	b.LastOptimizedAt = now.UnixMilli()
	b.NextOptimizeAt = nextOptimize(now, a.cfg.ReoptimizeBase, a.cfg.ReoptimizeMinInterval,
		b.EfficiencyScore, b.SpaceUsedBytes, b.SpaceAvailableBytes).UnixMilli()
	if err := a.store.PutBridge(ctx, a.store.DB, &b); err != nil {
		return err
	}
	st.b.LastOptimizedAt, st.b.NextOptimizeAt = b.LastOptimizedAt, b.NextOptimizeAt
	return nil
}

// Archive marks the free slots of idle, little used bridges archived and
// returns how many bridges were archived.
func (a *Allocator) Archive(ctx context.Context) (int, error) {
	a.mu.RLock()
	states := make([]*bridgeState, 0, len(a.bridges))
	for _, st := range a.bridges {
		states = append(states, st)
	}
	a.mu.RUnlock()

	n := 0
	for _, st := range states {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ok, err := a.archive(ctx, st)
		if err != nil {
			a.logger.Warn("allocator: archive failed", "bridge_id", st.b.ID, "error", err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (a *Allocator) archive(ctx context.Context, st *bridgeState) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	b := st.b
	now := a.now()
	if now.Sub(time.UnixMilli(b.ModifiedAt)) < a.cfg.ArchiveAfter || b.SpaceAvailableBytes == 0 {
		return false, nil
	}
	if float64(b.SpaceUsedBytes) >= a.cfg.ArchiveMaxUsage*float64(b.SpaceAvailableBytes) {
		return false, nil
	}

	var marked []int
	var bytes int64
	for i, sl := range b.Slots {
		if free(sl) {
			marked = append(marked, i)
			bytes += sl.SizeBytes
		}
	}
	if len(marked) == 0 {
		return false, nil
	}
	for _, i := range marked {
		b.Slots[i].Archived = true
	}
	err := dbopen.RunTx(ctx, a.store.DB, func(tx *sql.Tx) error {
		return a.store.PutSlotShapes(ctx, tx, b.ID, b.Slots)
	})
	if err != nil {
		for _, i := range marked {
			b.Slots[i].Archived = false
		}
		return false, err
	}
	recount(b)

	a.logger.Info("allocator: space archived", "bridge_id", b.ID, "slots", len(marked), "bytes", bytes)
	a.emitter.Emit(ctx, events.Event{
		Name:     events.SpaceArchived,
		BridgeID: b.ID,
		Data: map[string]any{
			"slots": len(marked), "archived_bytes": bytes, "notional_bytes": bytes / 2,
		},
	})
	return true, nil
}
