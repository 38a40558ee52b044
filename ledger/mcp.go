package ledger

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/shopspring/decimal"

	"github.com/hazyhaar/spacebridge/kit"
)

// RegisterMCP registers the ledger tools on an MCP server.
func (l *Ledger) RegisterMCP(srv *mcp.Server) {
	l.registerBalance(srv)
	l.registerTransactions(srv)
	l.registerReward(srv)
	l.registerStake(srv)
	l.registerUnstake(srv)
	l.registerList(srv)
	l.registerPurchase(srv)
	l.registerListings(srv)
	l.registerSupply(srv)
}

var (
	strProp = map[string]any{"type": "string"}
	intProp = map[string]any{"type": "integer"}
	numProp = map[string]any{"type": "number"}
)

func (l *Ledger) registerBalance(srv *mcp.Server) {
	type req struct {
		AccountID string `json:"account_id"`
	}
	tool := &mcp.Tool{
		Name:        "ledger_balance",
		Description: "Show an account: spendable balance, staked balance and pending staking rewards",
		InputSchema: kit.InputSchema(map[string]any{"account_id": strProp}, "account_id"),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		return l.Account(ctx, r.(*req).AccountID)
	}, kit.DecodeJSON[req]())
}

func (l *Ledger) registerTransactions(srv *mcp.Server) {
	type req struct {
		AccountID string `json:"account_id"`
		Status    string `json:"status"`
		Limit     int    `json:"limit"`
	}
	tool := &mcp.Tool{
		Name:        "ledger_transactions",
		Description: "List the newest ledger transactions, optionally for one account and status (completed, failed)",
		InputSchema: kit.InputSchema(map[string]any{
			"account_id": strProp,
			"status":     strProp,
			"limit":      intProp,
		}),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return l.Transactions(ctx, p.AccountID, p.Status, p.Limit)
	}, kit.DecodeJSON[req]())
}

func (l *Ledger) registerReward(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ledger_record_optimization",
		Description: "Reward an account for the bytes one crawl saved; repeated calls for the same site and crawl are ignored",
		InputSchema: kit.InputSchema(map[string]any{
			"site_id":     strProp,
			"crawl_id":    strProp,
			"account_id":  strProp,
			"bytes_saved": intProp,
			"seo_score":   intProp,
		}, "site_id", "crawl_id", "account_id", "bytes_saved"),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		return l.RecordOptimization(ctx, *r.(*OptimizationRecord))
	}, kit.DecodeJSON[OptimizationRecord]())
}

func (l *Ledger) registerStake(srv *mcp.Server) {
	type req struct {
		AccountID string          `json:"account_id"`
		Amount    decimal.Decimal `json:"amount"`
		LockDays  int             `json:"lock_days"`
	}
	tool := &mcp.Tool{
		Name:        "ledger_stake",
		Description: "Lock tokens for a number of days; longer locks earn a higher APY",
		InputSchema: kit.InputSchema(map[string]any{
			"account_id": strProp,
			"amount":     numProp,
			"lock_days":  intProp,
		}, "account_id", "amount", "lock_days"),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return l.Stake(ctx, p.AccountID, p.Amount, p.LockDays)
	}, kit.DecodeJSON[req]())
}

func (l *Ledger) registerUnstake(srv *mcp.Server) {
	type req struct {
		AccountID string `json:"account_id"`
		StakeID   string `json:"stake_id"`
	}
	tool := &mcp.Tool{
		Name:        "ledger_unstake",
		Description: "Withdraw the principal of a stake whose lock period has ended",
		InputSchema: kit.InputSchema(map[string]any{"account_id": strProp, "stake_id": strProp}, "account_id", "stake_id"),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return l.Unstake(ctx, p.AccountID, p.StakeID)
	}, kit.DecodeJSON[req]())
}

func (l *Ledger) registerList(srv *mcp.Server) {
	type req struct {
		SellerID string          `json:"seller_id"`
		AssetID  string          `json:"asset_id"`
		Price    decimal.Decimal `json:"price"`
	}
	tool := &mcp.Tool{
		Name:        "market_list",
		Description: "Put an owned slot up for sale",
		InputSchema: kit.InputSchema(map[string]any{
			"seller_id": strProp,
			"asset_id":  strProp,
			"price":     numProp,
		}, "seller_id", "asset_id", "price"),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return l.List(ctx, p.SellerID, AssetSlot, p.AssetID, p.Price)
	}, kit.DecodeJSON[req]())
}

func (l *Ledger) registerPurchase(srv *mcp.Server) {
	type req struct {
		ListingID string `json:"listing_id"`
		BuyerID   string `json:"buyer_id"`
	}
	tool := &mcp.Tool{
		Name:        "market_purchase",
		Description: "Buy an active listing; the marketplace fee is burned",
		InputSchema: kit.InputSchema(map[string]any{"listing_id": strProp, "buyer_id": strProp}, "listing_id", "buyer_id"),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return l.Purchase(ctx, p.ListingID, p.BuyerID)
	}, kit.DecodeJSON[req]())
}

func (l *Ledger) registerListings(srv *mcp.Server) {
	type req struct {
		Status string `json:"status"`
		Limit  int    `json:"limit"`
	}
	tool := &mcp.Tool{
		Name:        "market_listings",
		Description: "List marketplace listings by status (active, sold, cancelled); empty status returns the history",
		InputSchema: kit.InputSchema(map[string]any{"status": strProp, "limit": intProp}),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return l.Listings(ctx, p.Status, p.Limit)
	}, kit.DecodeJSON[req]())
}

func (l *Ledger) registerSupply(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ledger_supply",
		Description: "Show circulating supply, burned tokens and the remaining rewards pool",
		InputSchema: kit.InputSchema(map[string]any{}),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, _ any) (any, error) {
		return l.Supply(ctx)
	}, kit.DecodeJSON[struct{}]())
}
