package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Stake is a locked deposit earning time-weighted rewards.
type Stake struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account_id"`
	Amount      decimal.Decimal `json:"amount"`
	APY         decimal.Decimal `json:"apy"`
	LockDays    int             `json:"lock_days"`
	StartedAt   int64           `json:"started_at"`
	AccruedDays int             `json:"accrued_days"`
	Accrued     decimal.Decimal `json:"accrued"`
	Status      string          `json:"status"`
	UpdatedAt   int64           `json:"updated_at"`
}

const stakeCols = `id, account_id, amount, apy, lock_days, started_at, accrued_days, accrued, status, updated_at`

func scanStake(sc interface{ Scan(...any) error }) (*Stake, error) {
	st := &Stake{}
	err := sc.Scan(&st.ID, &st.AccountID, &st.Amount, &st.APY, &st.LockDays, &st.StartedAt,
		&st.AccruedDays, &st.Accrued, &st.Status, &st.UpdatedAt)
	return st, err
}

// PutStake inserts or replaces st.
func (s *Store) PutStake(ctx context.Context, q DBTX, st *Stake) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_stakes (`+stakeCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			accrued_days = excluded.accrued_days,
			accrued = excluded.accrued,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		st.ID, st.AccountID, st.Amount.String(), st.APY.String(), st.LockDays, st.StartedAt,
		st.AccruedDays, st.Accrued.String(), st.Status, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: put stake %s: %w", st.ID, err)
	}
	return nil
}

// GetStake returns the stake or nil.
func (s *Store) GetStake(ctx context.Context, q DBTX, id string) (*Stake, error) {
	st, err := scanStake(q.QueryRowContext(ctx, `SELECT `+stakeCols+` FROM ledger_stakes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get stake %s: %w", id, err)
	}
	return st, nil
}

// ListStakes returns stakes filtered by account and/or status (empty = any).
func (s *Store) ListStakes(ctx context.Context, q DBTX, account, status string) ([]*Stake, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+stakeCols+` FROM ledger_stakes
		WHERE (? = '' OR account_id = ?) AND (? = '' OR status = ?)
		ORDER BY started_at, id`, account, account, status, status)
	if err != nil {
		return nil, fmt.Errorf("store: list stakes: %w", err)
	}
	defer rows.Close()
	var out []*Stake
	for rows.Next() {
		st, err := scanStake(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan stake: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
