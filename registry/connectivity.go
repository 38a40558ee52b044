package registry

import (
	"context"

	"github.com/hazyhaar/spacebridge/connectivity"
)

// RegisterConnectivity exposes the registry to crawl producers.
func (r *Registry) RegisterConnectivity(router *connectivity.Router) {
	router.RegisterLocal("registry_ingest", connectivity.JSONHandler(
		func(ctx context.Context, req *CrawlResult) (*Site, error) {
			return r.Ingest(ctx, *req)
		}))
	router.RegisterLocal("registry_track", connectivity.JSONHandler(
		func(ctx context.Context, req *TrackRequest) (*Site, error) {
			return r.Track(ctx, req.URL, req.FrequencyHours, req.OwnerID)
		}))
	router.RegisterLocal("registry_get_site", connectivity.JSONHandler(
		func(ctx context.Context, req *struct {
			ID  string `json:"id"`
			URL string `json:"url"`
		}) (*Site, error) {
			if req.ID == "" {
				return r.GetByURL(ctx, req.URL)
			}
			return r.Get(ctx, req.ID)
		}))
}

// TrackRequest registers a url before its first crawl.
type TrackRequest struct {
	URL            string `json:"url"`
	FrequencyHours int    `json:"frequency_hours"`
	OwnerID        string `json:"owner_id"`
}
