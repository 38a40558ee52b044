package allocator

import (
	"context"

	"github.com/hazyhaar/spacebridge/connectivity"
	"github.com/hazyhaar/spacebridge/registry"
)

// Service names registered by RegisterConnectivity.
const (
	ServiceAllocate = "allocator_allocate"
	ServiceRelease  = "allocator_release"
	ServiceBridge   = "allocator_bridge"
	ServiceSyncSite = "allocator_sync_site"
)

// AllocateRequest is the payload of allocator_allocate.
type AllocateRequest struct {
	ConsumerID    string `json:"consumer_id"`
	BytesRequired int64  `json:"bytes_required"`
}

// SyncReply is the answer of allocator_sync_site.
type SyncReply struct {
	SlotIDs []string `json:"slot_ids"`
}

// RegisterConnectivity exposes the allocator to other components through
// router.
func (a *Allocator) RegisterConnectivity(router *connectivity.Router) {
	router.RegisterLocal(ServiceAllocate, connectivity.JSONHandler(
		func(ctx context.Context, req *AllocateRequest) (*Allocation, error) {
			return a.Allocate(ctx, req.ConsumerID, req.BytesRequired)
		}))
	router.RegisterLocal(ServiceRelease, connectivity.JSONHandler(
		func(ctx context.Context, req *struct {
			AllocationID string `json:"allocation_id"`
		}) (*Allocation, error) {
			return a.Release(ctx, req.AllocationID)
		}))
	router.RegisterLocal(ServiceBridge, connectivity.JSONHandler(
		func(_ context.Context, req *struct {
			BridgeID string `json:"bridge_id"`
		}) (*Bridge, error) {
			return a.Bridge(req.BridgeID)
		}))
	router.RegisterLocal(ServiceSyncSite, connectivity.JSONHandler(
		func(ctx context.Context, site *registry.Site) (*SyncReply, error) {
			ids, err := a.SyncSite(ctx, site)
			if err != nil {
				return nil, err
			}
			return &SyncReply{SlotIDs: ids}, nil
		}))
}
