package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/hazyhaar/spacebridge/ledger/internal/store"
)

type (
	Account      = store.Account
	Transaction  = store.Transaction
	Stake        = store.Stake
	Listing      = store.Listing
	Supply       = store.State
	Optimization = store.Optimization
)

// Transaction kinds.
const (
	KindReward   = "reward"
	KindPurchase = "purchase"
	KindTransfer = "transfer"
	KindStake    = "stake"
	KindUnstake  = "unstake"
	KindFee      = "fee"
)

// Transaction statuses. pending is never persisted: a transaction is written
// once, completed inside the ledger transaction or failed after a rollback.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Stake statuses.
const (
	StakeActive    = "active"
	StakeMatured   = "matured"
	StakeWithdrawn = "withdrawn"
)

// Listing statuses.
const (
	ListingActive    = "active"
	ListingSold      = "sold"
	ListingCancelled = "cancelled"
)

// System accounts. They appear as from/to of transactions; only Treasury
// holds a balance row.
const (
	RewardsPool = "pool:rewards"
	StakingPool = "pool:staking"
	Treasury    = "treasury"
	BurnAddress = "burn"
	MintAddress = "mint"
)

// Places is the number of decimal places amounts are rounded to.
const Places = 6

// OptimizationRecord asks for the reward of one crawl.
type OptimizationRecord struct {
	SiteID     string `json:"site_id"`
	CrawlID    string `json:"crawl_id"`
	AccountID  string `json:"account_id"`
	BytesSaved int64  `json:"bytes_saved"`
	SEOScore   int    `json:"seo_score"`
}

// PurchaseReceipt is the outcome of a marketplace purchase.
type PurchaseReceipt struct {
	Listing      *Listing        `json:"listing"`
	SellerCredit decimal.Decimal `json:"seller_credit"`
	Fee          decimal.Decimal `json:"fee"`
	Transactions []*Transaction  `json:"transactions"`
}

func round(d decimal.Decimal) decimal.Decimal { return d.Round(Places) }
