// Package store persists the token ledger: accounts, the transaction log,
// stakes, marketplace listings, supply counters and recorded optimizations.
// Every method takes the DBTX to run on so the ledger can group writes in
// one transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the ledger database handle.
type Store struct {
	DB *sql.DB
}

// New wraps db. The caller applies Schema.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// Account is a token holder.
type Account struct {
	ID                    string          `json:"id"`
	Balance               decimal.Decimal `json:"balance"`
	StakedBalance         decimal.Decimal `json:"staked_balance"`
	PendingStakingRewards decimal.Decimal `json:"pending_staking_rewards"`
	TotalEarned           decimal.Decimal `json:"total_earned"`
	TotalSpent            decimal.Decimal `json:"total_spent"`
	CreatedAt             int64           `json:"created_at"`
	UpdatedAt             int64           `json:"updated_at"`
}

// GetAccount returns the account or nil when it does not exist.
func (s *Store) GetAccount(ctx context.Context, q DBTX, id string) (*Account, error) {
	a := &Account{}
	err := q.QueryRowContext(ctx, `
		SELECT id, balance, staked, pending_rewards, total_earned, total_spent, created_at, updated_at
		FROM ledger_accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.Balance, &a.StakedBalance, &a.PendingStakingRewards,
			&a.TotalEarned, &a.TotalSpent, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get account %s: %w", id, err)
	}
	return a, nil
}

// LoadAccount returns the account, or a zero-valued one stamped with now
// when it does not exist yet.
func (s *Store) LoadAccount(ctx context.Context, q DBTX, id string, now int64) (*Account, error) {
	a, err := s.GetAccount(ctx, q, id)
	if err != nil || a != nil {
		return a, err
	}
	return &Account{ID: id, CreatedAt: now, UpdatedAt: now}, nil
}

// PutAccount inserts or replaces the account row.
func (s *Store) PutAccount(ctx context.Context, q DBTX, a *Account) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_accounts (id, balance, staked, pending_rewards, total_earned, total_spent, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			balance = excluded.balance,
			staked = excluded.staked,
			pending_rewards = excluded.pending_rewards,
			total_earned = excluded.total_earned,
			total_spent = excluded.total_spent,
			updated_at = excluded.updated_at`,
		a.ID, a.Balance.String(), a.StakedBalance.String(), a.PendingStakingRewards.String(),
		a.TotalEarned.String(), a.TotalSpent.String(), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: put account %s: %w", a.ID, err)
	}
	return nil
}

// AccountsWithPending lists accounts holding undistributed staking rewards.
func (s *Store) AccountsWithPending(ctx context.Context, q DBTX) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id FROM ledger_accounts WHERE CAST(pending_rewards AS REAL) > 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: pending accounts: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListAccounts returns every account ordered by id.
func (s *Store) ListAccounts(ctx context.Context, q DBTX) ([]*Account, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, balance, staked, pending_rewards, total_earned, total_spent, created_at, updated_at
		FROM ledger_accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list accounts: %w", err)
	}
	defer rows.Close()
	var out []*Account
	for rows.Next() {
		a := &Account{}
		if err := rows.Scan(&a.ID, &a.Balance, &a.StakedBalance, &a.PendingStakingRewards,
			&a.TotalEarned, &a.TotalSpent, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// State holds the supply counters.
type State struct {
	RewardsPool decimal.Decimal `json:"rewards_pool"`
	Burned      decimal.Decimal `json:"burned"`
	Circulating decimal.Decimal `json:"circulating"`
	StakingPaid decimal.Decimal `json:"staking_paid"`
	// Treasury is the balance of the treasury account, filled on read.
	Treasury    decimal.Decimal `json:"treasury"`
	UpdatedAt   int64           `json:"updated_at"`
}

// EnsureState creates the state row with the initial pool if missing.
func (s *Store) EnsureState(ctx context.Context, q DBTX, pool decimal.Decimal, now int64) (created bool, err error) {
	res, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO ledger_state (id, rewards_pool, updated_at) VALUES (1, ?, ?)`,
		pool.String(), now)
	if err != nil {
		return false, fmt.Errorf("store: ensure state: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// GetState returns the supply counters.
func (s *Store) GetState(ctx context.Context, q DBTX) (*State, error) {
	st := &State{}
	err := q.QueryRowContext(ctx,
		`SELECT rewards_pool, burned, circulating, staking_paid, updated_at FROM ledger_state WHERE id = 1`).
		Scan(&st.RewardsPool, &st.Burned, &st.Circulating, &st.StakingPaid, &st.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: get state: %w", err)
	}
	return st, nil
}

// PutState overwrites the supply counters.
func (s *Store) PutState(ctx context.Context, q DBTX, st *State) error {
	_, err := q.ExecContext(ctx, `
		UPDATE ledger_state SET rewards_pool = ?, burned = ?, circulating = ?, staking_paid = ?, updated_at = ?
		WHERE id = 1`,
		st.RewardsPool.String(), st.Burned.String(), st.Circulating.String(), st.StakingPaid.String(), st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: put state: %w", err)
	}
	return nil
}
