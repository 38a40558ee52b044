package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/hazyhaar/spacebridge/dbopen"
	"github.com/hazyhaar/spacebridge/faults"
)

// Charge moves amount from account to the treasury (space purchases).
func (l *Ledger) Charge(ctx context.Context, accountID string, amount decimal.Decimal, memo string) (*Transaction, error) {
	return l.move(ctx, KindPurchase, accountID, Treasury, amount, memo)
}

// Refund returns a charge from the treasury to account.
func (l *Ledger) Refund(ctx context.Context, accountID string, amount decimal.Decimal, memo string) (*Transaction, error) {
	return l.move(ctx, KindTransfer, Treasury, accountID, amount, memo)
}

// Transfer moves amount between two holder accounts.
func (l *Ledger) Transfer(ctx context.Context, from, to string, amount decimal.Decimal, memo string) (*Transaction, error) {
	if from == to {
		return nil, faults.Invalid("transfer to self")
	}
	return l.move(ctx, KindTransfer, from, to, amount, memo)
}

func (l *Ledger) move(ctx context.Context, kind, from, to string, amount decimal.Decimal, memo string) (*Transaction, error) {
	if from == "" || to == "" {
		return nil, faults.Invalid("from and to are required")
	}
	amount, err := validAmount(amount)
	if err != nil {
		return nil, err
	}

	unlock := l.locks.lock(from, to)
	defer unlock()

	var out *Transaction
	err = dbopen.RunTx(ctx, l.store.DB, func(tx *sql.Tx) error {
		now := l.now().UnixMilli()
		src, err := l.store.LoadAccount(ctx, tx, from, now)
		if err != nil {
			return err
		}
		if err := debit(src, amount); err != nil {
			return err
		}
		dst, err := l.store.LoadAccount(ctx, tx, to, now)
		if err != nil {
			return err
		}
		dst.Balance = dst.Balance.Add(amount)
		switch kind {
		case KindPurchase:
			src.TotalSpent = src.TotalSpent.Add(amount)
		case KindTransfer:
			if from == Treasury {
				dst.TotalSpent = decimal.Max(decimal.Zero, dst.TotalSpent.Sub(amount))
			}
		}
		src.UpdatedAt, dst.UpdatedAt = now, now

		out = l.completed(kind, from, to, amount, memo, now)
		if err := l.store.PutAccount(ctx, tx, src); err != nil {
			return err
		}
		if err := l.store.PutAccount(ctx, tx, dst); err != nil {
			return err
		}
		return l.store.InsertTransaction(ctx, tx, out)
	})
	if err != nil {
		l.fail(ctx, kind, from, to, amount, memo, err)
		return nil, fmt.Errorf("ledger: %s %s->%s: %w", kind, from, to, err)
	}
	return out, nil
}

// Deposit mints amount into account (genesis top-ups, tests, admin credit).
func (l *Ledger) Deposit(ctx context.Context, accountID string, amount decimal.Decimal, memo string) (*Transaction, error) {
	if accountID == "" {
		return nil, faults.Invalid("account is required")
	}
	amount, err := validAmount(amount)
	if err != nil {
		return nil, err
	}
	unlock := l.locks.lock(accountID, stateKey)
	defer unlock()

	var out *Transaction
	err = dbopen.RunTx(ctx, l.store.DB, func(tx *sql.Tx) error {
		now := l.now().UnixMilli()
		acct, err := l.store.LoadAccount(ctx, tx, accountID, now)
		if err != nil {
			return err
		}
		st, err := l.store.GetState(ctx, tx)
		if err != nil {
			return err
		}
		acct.Balance = acct.Balance.Add(amount)
		acct.UpdatedAt = now
		st.Circulating = st.Circulating.Add(amount)
		st.UpdatedAt = now
		out = l.completed(KindTransfer, MintAddress, accountID, amount, memo, now)
		if err := l.store.PutAccount(ctx, tx, acct); err != nil {
			return err
		}
		if err := l.store.PutState(ctx, tx, st); err != nil {
			return err
		}
		return l.store.InsertTransaction(ctx, tx, out)
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: deposit %s: %w", accountID, err)
	}
	return out, nil
}
