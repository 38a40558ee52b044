package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Transaction is one entry of the append-only log.
type Transaction struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
	Memo      string          `json:"memo,omitempty"`
	Status    string          `json:"status"`
	Error     string          `json:"error,omitempty"`
	CreatedAt int64           `json:"created_at"`
}

// InsertTransaction appends t.
func (s *Store) InsertTransaction(ctx context.Context, q DBTX, t *Transaction) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_transactions (id, kind, from_account, to_account, amount, memo, status, error, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Kind, t.From, t.To, t.Amount.String(), t.Memo, t.Status, t.Error, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert transaction %s: %w", t.ID, err)
	}
	return nil
}

// GetTransaction returns the transaction or nil.
func (s *Store) GetTransaction(ctx context.Context, q DBTX, id string) (*Transaction, error) {
	txs, err := s.queryTransactions(ctx, q, `WHERE id = ?`, id)
	if err != nil || len(txs) == 0 {
		return nil, err
	}
	return txs[0], nil
}

// ListTransactions returns the newest transactions touching account (all
// accounts when empty), optionally restricted to a status.
func (s *Store) ListTransactions(ctx context.Context, q DBTX, account, status string, limit int) ([]*Transaction, error) {
	var where []string
	var args []any
	if account != "" {
		where = append(where, "(from_account = ? OR to_account = ?)")
		args = append(args, account, account)
	}
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, status)
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	if limit <= 0 {
		limit = 100
	}
	clause += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)
	return s.queryTransactions(ctx, q, clause, args...)
}

func (s *Store) queryTransactions(ctx context.Context, q DBTX, clause string, args ...any) ([]*Transaction, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, kind, from_account, to_account, amount, memo, status, error, created_at
		FROM ledger_transactions `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query transactions: %w", err)
	}
	defer rows.Close()
	var out []*Transaction
	for rows.Next() {
		t := &Transaction{}
		if err := rows.Scan(&t.ID, &t.Kind, &t.From, &t.To, &t.Amount, &t.Memo, &t.Status, &t.Error, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
