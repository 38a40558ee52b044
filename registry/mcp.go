package registry

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/spacebridge/kit"
)

// RegisterMCP registers the registry tools on an MCP server.
func (r *Registry) RegisterMCP(srv *mcp.Server) {
	str := map[string]any{"type": "string"}
	num := map[string]any{"type": "integer"}

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "registry_ingest",
		Description: "Record a crawl outcome (sizes before and after optimization, SEO score) for a URL",
		InputSchema: kit.InputSchema(map[string]any{
			"url":                  str,
			"domain":               str,
			"crawl_id":             str,
			"owner_id":             str,
			"current_size_bytes":   num,
			"optimized_size_bytes": num,
			"seo_score":            num,
			"load_time_ms":         num,
			"potential_bytes":      num,
			"frequency_hours":      num,
		}, "url", "current_size_bytes", "optimized_size_bytes"),
	}, func(ctx context.Context, req any) (any, error) {
		return r.Ingest(ctx, *req.(*CrawlResult))
	}, kit.DecodeJSON[CrawlResult]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "registry_track",
		Description: "Register a URL for crawling; it is due immediately",
		InputSchema: kit.InputSchema(map[string]any{
			"url":             str,
			"frequency_hours": num,
			"owner_id":        str,
		}, "url"),
	}, func(ctx context.Context, req any) (any, error) {
		p := req.(*TrackRequest)
		return r.Track(ctx, p.URL, p.FrequencyHours, p.OwnerID)
	}, kit.DecodeJSON[TrackRequest]())

	type listReq struct {
		Domain string `json:"domain"`
		Limit  int    `json:"limit"`
	}
	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "registry_list_sites",
		Description: "List crawled sites, optionally for one domain, in crawl order",
		InputSchema: kit.InputSchema(map[string]any{"domain": str, "limit": num}),
	}, func(ctx context.Context, req any) (any, error) {
		p := req.(*listReq)
		return r.List(ctx, p.Domain, p.Limit)
	}, kit.DecodeJSON[listReq]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "registry_schedule",
		Description: "Show the next crawls of the plan, soonest first",
		InputSchema: kit.InputSchema(map[string]any{"limit": num}),
	}, func(_ context.Context, req any) (any, error) {
		return r.Schedule(req.(*listReq).Limit), nil
	}, kit.DecodeJSON[listReq]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "registry_stats",
		Description: "Registry totals: sites, reclaimed bytes, crawls, pending ledger records",
		InputSchema: kit.InputSchema(map[string]any{}),
	}, func(ctx context.Context, _ any) (any, error) {
		return r.Stats(ctx)
	}, kit.DecodeJSON[struct{}]())
}
