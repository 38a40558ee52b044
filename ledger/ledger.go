// Package ledger is the token economy: account balances, the append-only
// transaction log, optimization rewards paid from a finite pool, staking
// with daily accrual, and a marketplace whose fees are burned.
//
// Every balance-changing operation runs in one SQLite transaction under the
// locks of the accounts it touches; it either fully applies or leaves the
// ledger untouched and logs a failed transaction.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hazyhaar/spacebridge/dbopen"
	"github.com/hazyhaar/spacebridge/events"
	"github.com/hazyhaar/spacebridge/faults"
	"github.com/hazyhaar/spacebridge/idgen"
	"github.com/hazyhaar/spacebridge/ledger/internal/store"
	"github.com/hazyhaar/spacebridge/observability"
)

// Schema is the ledger DDL, applied by the caller when opening the database.
const Schema = store.Schema

// stateKey is the lock guarding the supply counters.
const stateKey = "\x00state"

// AssetOwner resolves and moves marketplace assets. TransferAsset writes
// through tx so the move commits or rolls back with the ledger legs; undo
// reverts any in-memory change when the commit fails.
type AssetOwner interface {
	OwnerOf(ctx context.Context, assetID string) (string, error)
	TransferAsset(ctx context.Context, tx *sql.Tx, assetID, from, to string) (undo func(), err error)
}

// Ledger is the token economy.
type Ledger struct {
	store   *store.Store
	cfg     Config
	logger  *slog.Logger
	emitter events.Emitter
	metrics *observability.MetricsManager
	owner   AssetOwner
	locks   accountLocks
	now     func() time.Time

	newTxID      idgen.Generator
	newStakeID   idgen.Generator
	newListingID idgen.Generator

	baseRate, seoMult, baseAPY, feeRate decimal.Decimal
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithLogger(l *slog.Logger) Option     { return func(lg *Ledger) { lg.logger = l } }
func WithEmitter(e events.Emitter) Option  { return func(lg *Ledger) { lg.emitter = e } }
func WithClock(fn func() time.Time) Option { return func(lg *Ledger) { lg.now = fn } }
func WithAssetOwner(o AssetOwner) Option   { return func(lg *Ledger) { lg.owner = o } }
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(lg *Ledger) { lg.metrics = mm }
}

// New creates a Ledger on db (Schema already applied), creating the supply
// state and paying the genesis grants on first use.
func New(ctx context.Context, db *sql.DB, cfg Config, opts ...Option) (*Ledger, error) {
	cfg.defaults()
	l := &Ledger{
		store:        store.New(db),
		cfg:          cfg,
		logger:       slog.Default(),
		emitter:      events.Nop,
		now:          time.Now,
		newTxID:      idgen.Prefixed("tx_", idgen.Default),
		newStakeID:   idgen.Prefixed("stk_", idgen.Default),
		newListingID: idgen.Prefixed("lst_", idgen.Default),
		baseRate:     decimal.NewFromFloat(cfg.BaseRate),
		seoMult:      decimal.NewFromFloat(cfg.SEOMultiplier),
		baseAPY:      decimal.NewFromFloat(cfg.BaseAPY),
		feeRate:      decimal.NewFromFloat(cfg.FeeRate),
	}
	for _, o := range opts {
		o(l)
	}
	if err := l.init(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// SetAssetOwner wires the marketplace asset resolver after construction.
func (l *Ledger) SetAssetOwner(o AssetOwner) { l.owner = o }

func (l *Ledger) init(ctx context.Context) error {
	now := l.now().UnixMilli()
	return dbopen.RunTx(ctx, l.store.DB, func(tx *sql.Tx) error {
		created, err := l.store.EnsureState(ctx, tx, decimal.NewFromFloat(l.cfg.RewardsPool), now)
		if err != nil || !created {
			return err
		}
		st, err := l.store.GetState(ctx, tx)
		if err != nil {
			return err
		}
		for _, g := range l.cfg.Genesis {
			amt := round(decimal.NewFromFloat(g.Amount))
			if g.Account == "" || !amt.IsPositive() {
				continue
			}
			acct, err := l.store.LoadAccount(ctx, tx, g.Account, now)
			if err != nil {
				return err
			}
			acct.Balance = acct.Balance.Add(amt)
			acct.UpdatedAt = now
			if err := l.store.PutAccount(ctx, tx, acct); err != nil {
				return err
			}
			st.Circulating = st.Circulating.Add(amt)
			if err := l.store.InsertTransaction(ctx, tx, l.completed(KindTransfer, MintAddress, g.Account, amt, "genesis", now)); err != nil {
				return err
			}
		}
		st.UpdatedAt = now
		return l.store.PutState(ctx, tx, st)
	})
}

func (l *Ledger) completed(kind, from, to string, amount decimal.Decimal, memo string, now int64) *Transaction {
	return &Transaction{
		ID:        l.newTxID(),
		Kind:      kind,
		From:      from,
		To:        to,
		Amount:    amount,
		Memo:      memo,
		Status:    StatusCompleted,
		CreatedAt: now,
	}
}

// fail logs a failed transaction after the ledger transaction rolled back.
// Only domain rejections are logged; infrastructure errors are returned as is.
func (l *Ledger) fail(ctx context.Context, kind, from, to string, amount decimal.Decimal, memo string, cause error) {
	var be *faults.BalanceError
	var oe *faults.OwnershipError
	if !errors.As(cause, &be) && !errors.As(cause, &oe) {
		return
	}
	t := &Transaction{
		ID:        l.newTxID(),
		Kind:      kind,
		From:      from,
		To:        to,
		Amount:    amount,
		Memo:      memo,
		Status:    StatusFailed,
		Error:     cause.Error(),
		CreatedAt: l.now().UnixMilli(),
	}
	if err := l.store.InsertTransaction(context.WithoutCancel(ctx), l.store.DB, t); err != nil {
		l.logger.Error("ledger: log failed transaction", "kind", kind, "error", err)
	}
}

// debit removes amount from acct or fails with a BalanceError.
func debit(acct *Account, amount decimal.Decimal) error {
	if acct.Balance.LessThan(amount) {
		return &faults.BalanceError{
			Account:   acct.ID,
			Required:  amount.StringFixed(Places),
			Available: acct.Balance.StringFixed(Places),
		}
	}
	acct.Balance = acct.Balance.Sub(amount)
	return nil
}

func validAmount(amount decimal.Decimal) (decimal.Decimal, error) {
	amount = round(amount)
	if !amount.IsPositive() {
		return amount, faults.Invalid("amount must be positive, got %s", amount)
	}
	return amount, nil
}

// Account returns an account.
func (l *Ledger) Account(ctx context.Context, id string) (*Account, error) {
	a, err := l.store.GetAccount(ctx, l.store.DB, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, &faults.NotFoundError{Kind: "account", ID: id}
	}
	return a, nil
}

// Accounts lists every account.
func (l *Ledger) Accounts(ctx context.Context) ([]*Account, error) {
	return l.store.ListAccounts(ctx, l.store.DB)
}

// Balance returns the spendable balance, zero for unknown accounts.
func (l *Ledger) Balance(ctx context.Context, id string) (decimal.Decimal, error) {
	a, err := l.store.GetAccount(ctx, l.store.DB, id)
	if err != nil || a == nil {
		return decimal.Zero, err
	}
	return a.Balance, nil
}

// Transactions lists the newest transactions touching account ("" = all).
func (l *Ledger) Transactions(ctx context.Context, account, status string, limit int) ([]*Transaction, error) {
	return l.store.ListTransactions(ctx, l.store.DB, account, status, limit)
}

// Supply returns the supply counters.
func (l *Ledger) Supply(ctx context.Context) (*Supply, error) {
	st, err := l.store.GetState(ctx, l.store.DB)
	if err != nil {
		return nil, err
	}
	if st.Treasury, err = l.Balance(ctx, Treasury); err != nil {
		return nil, err
	}
	return st, nil
}

func (l *Ledger) record(name string, amount decimal.Decimal, labels map[string]string) {
	if l.metrics == nil {
		return
	}
	v, _ := amount.Float64()
	l.metrics.Add(name, v, "units", labels)
}
