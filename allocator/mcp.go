package allocator

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/spacebridge/kit"
)

// RegisterMCP registers the allocator tools on an MCP server.
func (a *Allocator) RegisterMCP(srv *mcp.Server) {
	a.registerAllocate(srv)
	a.registerEnqueue(srv)
	a.registerRelease(srv)
	a.registerReleaseSlot(srv)
	a.registerBridges(srv)
	a.registerBridge(srv)
	a.registerAllocations(srv)
	a.registerStats(srv)
}

var (
	strProp  = map[string]any{"type": "string"}
	intProp  = map[string]any{"type": "integer"}
	boolProp = map[string]any{"type": "boolean"}
)

func (a *Allocator) registerAllocate(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "allocator_allocate",
		Description: "Allocate reclaimed space to a consumer from the most efficient bridges and charge its ledger account",
		InputSchema: kit.InputSchema(map[string]any{
			"consumer_id":    strProp,
			"bytes_required": intProp,
		}, "consumer_id", "bytes_required"),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		p := r.(*AllocateRequest)
		return a.Allocate(ctx, p.ConsumerID, p.BytesRequired)
	}, kit.DecodeJSON[AllocateRequest]())
}

func (a *Allocator) registerEnqueue(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "allocator_enqueue",
		Description: "Queue an allocation served in the background once enough space exists",
		InputSchema: kit.InputSchema(map[string]any{
			"consumer_id":    strProp,
			"bytes_required": intProp,
		}, "consumer_id", "bytes_required"),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		p := r.(*AllocateRequest)
		return a.Enqueue(ctx, p.ConsumerID, p.BytesRequired)
	}, kit.DecodeJSON[AllocateRequest]())
}

func (a *Allocator) registerRelease(srv *mcp.Server) {
	type req struct {
		AllocationID string `json:"allocation_id"`
	}
	tool := &mcp.Tool{
		Name:        "allocator_release",
		Description: "Release an allocation and free the slots it still holds",
		InputSchema: kit.InputSchema(map[string]any{"allocation_id": strProp}, "allocation_id"),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		return a.Release(ctx, r.(*req).AllocationID)
	}, kit.DecodeJSON[req]())
}

func (a *Allocator) registerReleaseSlot(srv *mcp.Server) {
	type req struct {
		ConsumerID string `json:"consumer_id"`
		SlotID     string `json:"slot_id"`
	}
	tool := &mcp.Tool{
		Name:        "allocator_release_slot",
		Description: "Free a single slot held by a consumer",
		InputSchema: kit.InputSchema(map[string]any{"consumer_id": strProp, "slot_id": strProp}, "consumer_id", "slot_id"),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if err := a.ReleaseSlot(ctx, p.ConsumerID, p.SlotID); err != nil {
			return nil, err
		}
		return map[string]any{"released": p.SlotID}, nil
	}, kit.DecodeJSON[req]())
}

// bridgeSummary is a bridge without its slot list.
type bridgeSummary struct {
	ID                  string   `json:"id"`
	SourceURL           string   `json:"source_url"`
	SpaceAvailableBytes int64    `json:"space_available_bytes"`
	SpaceUsedBytes      int64    `json:"space_used_bytes"`
	ArchivedBytes       int64    `json:"archived_bytes"`
	Slots               int      `json:"slots"`
	ConsumerIDs         []string `json:"consumer_ids"`
	EfficiencyScore     int      `json:"efficiency_score"`
	Operational         bool     `json:"operational"`
}

func (a *Allocator) registerBridges(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "allocator_bridges",
		Description: "List bridges with their available, used and archived space",
		InputSchema: kit.InputSchema(map[string]any{}),
	}
	kit.RegisterMCPTool(srv, tool, func(_ context.Context, _ any) (any, error) {
		bridges := a.Bridges()
		out := make([]bridgeSummary, len(bridges))
		for i, b := range bridges {
			out[i] = bridgeSummary{
				ID: b.ID, SourceURL: b.SourceURL, SpaceAvailableBytes: b.SpaceAvailableBytes,
				SpaceUsedBytes: b.SpaceUsedBytes, ArchivedBytes: b.ArchivedBytes, Slots: len(b.Slots),
				ConsumerIDs: b.ConsumerIDs, EfficiencyScore: b.EfficiencyScore, Operational: b.Operational,
			}
		}
		return out, nil
	}, kit.DecodeJSON[struct{}]())
}

func (a *Allocator) registerBridge(srv *mcp.Server) {
	type req struct {
		BridgeID string `json:"bridge_id"`
	}
	tool := &mcp.Tool{
		Name:        "allocator_bridge",
		Description: "Show one bridge with every slot",
		InputSchema: kit.InputSchema(map[string]any{"bridge_id": strProp}, "bridge_id"),
	}
	kit.RegisterMCPTool(srv, tool, func(_ context.Context, r any) (any, error) {
		return a.Bridge(r.(*req).BridgeID)
	}, kit.DecodeJSON[req]())
}

func (a *Allocator) registerAllocations(srv *mcp.Server) {
	type req struct {
		ConsumerID string `json:"consumer_id"`
		Active     bool   `json:"active"`
	}
	tool := &mcp.Tool{
		Name:        "allocator_allocations",
		Description: "List allocations, newest first, optionally for one consumer and only the active ones",
		InputSchema: kit.InputSchema(map[string]any{"consumer_id": strProp, "active": boolProp}),
	}
	kit.RegisterMCPTool(srv, tool, func(_ context.Context, r any) (any, error) {
		p := r.(*req)
		return a.Allocations(p.ConsumerID, p.Active), nil
	}, kit.DecodeJSON[req]())
}

func (a *Allocator) registerStats(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "allocator_stats",
		Description: "Summarise bridges, space, allocations and the request queue",
		InputSchema: kit.InputSchema(map[string]any{}),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, _ any) (any, error) {
		return a.Stats(ctx)
	}, kit.DecodeJSON[struct{}]())
}
