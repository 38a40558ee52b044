package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hazyhaar/spacebridge/dbopen"
	"github.com/hazyhaar/spacebridge/events"
	"github.com/hazyhaar/spacebridge/faults"
)

const day = 24 * time.Hour

var daysPerYear = decimal.NewFromInt(365)

// APY returns the yield in percent for a lock of lockDays:
// baseAPY × (1 + lockDays/365).
func (l *Ledger) APY(lockDays int) decimal.Decimal {
	d := decimal.NewFromInt(int64(lockDays))
	return round(l.baseAPY.Mul(daysPerYear.Add(d)).Div(daysPerYear))
}

// accruedFor is amount × apy/100 × days/365, the total earned after days.
func accruedFor(st *Stake, days int) decimal.Decimal {
	return round(st.Amount.Mul(st.APY).Mul(decimal.NewFromInt(int64(days))).Div(hundred).Div(daysPerYear))
}

// Stake locks amount from account for lockDays.
func (l *Ledger) Stake(ctx context.Context, accountID string, amount decimal.Decimal, lockDays int) (*Stake, error) {
	if accountID == "" {
		return nil, faults.Invalid("account is required")
	}
	if lockDays <= 0 || lockDays > l.cfg.MaxLockDays {
		return nil, faults.Invalid("lock days must be in [1, %d], got %d", l.cfg.MaxLockDays, lockDays)
	}
	amount, err := validAmount(amount)
	if err != nil {
		return nil, err
	}

	unlock := l.locks.lock(accountID)
	defer unlock()

	var st *Stake
	memo := fmt.Sprintf("lock %d days", lockDays)
	err = dbopen.RunTx(ctx, l.store.DB, func(tx *sql.Tx) error {
		now := l.now().UnixMilli()
		acct, err := l.store.LoadAccount(ctx, tx, accountID, now)
		if err != nil {
			return err
		}
		if err := debit(acct, amount); err != nil {
			return err
		}
		acct.StakedBalance = acct.StakedBalance.Add(amount)
		acct.UpdatedAt = now
		st = &Stake{
			ID:        l.newStakeID(),
			AccountID: accountID,
			Amount:    amount,
			APY:       l.APY(lockDays),
			LockDays:  lockDays,
			StartedAt: now,
			Status:    StakeActive,
			UpdatedAt: now,
		}
		if err := l.store.PutAccount(ctx, tx, acct); err != nil {
			return err
		}
		if err := l.store.PutStake(ctx, tx, st); err != nil {
			return err
		}
		return l.store.InsertTransaction(ctx, tx, l.completed(KindStake, accountID, StakingPool, amount, memo, now))
	})
	if err != nil {
		l.fail(ctx, KindStake, accountID, StakingPool, amount, memo, err)
		return nil, fmt.Errorf("ledger: stake %s: %w", accountID, err)
	}

	l.emitter.Emit(ctx, events.Event{
		Name:      events.StakeCreated,
		AccountID: accountID,
		Data:      map[string]any{"stake_id": st.ID, "amount": amount.String(), "apy": st.APY.String(), "lock_days": lockDays},
	})
	return st, nil
}

// Stakes lists stakes of an account ("" = all) with a status ("" = any).
func (l *Ledger) Stakes(ctx context.Context, accountID, status string) ([]*Stake, error) {
	return l.store.ListStakes(ctx, l.store.DB, accountID, status)
}

// elapsedDays is the number of whole days since the stake started, capped at
// the lock period.
func (l *Ledger) elapsedDays(st *Stake, now time.Time) int {
	d := int(now.Sub(time.UnixMilli(st.StartedAt)) / day)
	if d < 0 {
		return 0
	}
	if d > st.LockDays {
		return st.LockDays
	}
	return d
}

// Accrue credits every active stake with the days elapsed since its last
// accrual, into the owner's pending rewards. A stake reaching its lock end is
// marked matured. It returns how many stakes moved.
func (l *Ledger) Accrue(ctx context.Context) (int, error) {
	active, err := l.store.ListStakes(ctx, l.store.DB, "", StakeActive)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, st := range active {
		ok, err := l.accrueOne(ctx, st.ID)
		if err != nil {
			l.logger.Warn("ledger: accrue stake", "stake_id", st.ID, "error", err)
			continue
		}
		if ok {
			moved++
		}
	}
	return moved, nil
}

func (l *Ledger) accrueOne(ctx context.Context, stakeID string) (bool, error) {
	var matured *Stake
	moved := false
	err := func() error {
		st, err := l.store.GetStake(ctx, l.store.DB, stakeID)
		if err != nil || st == nil {
			return err
		}
		unlock := l.locks.lock(st.AccountID)
		defer unlock()

		return dbopen.RunTx(ctx, l.store.DB, func(tx *sql.Tx) error {
			st, err := l.store.GetStake(ctx, tx, stakeID)
			if err != nil || st == nil || st.Status != StakeActive {
				return err
			}
			now := l.now()
			days := l.elapsedDays(st, now)
			if days <= st.AccruedDays {
				return nil
			}
			target := accruedFor(st, days)
			delta := target.Sub(st.Accrued)

			acct, err := l.store.LoadAccount(ctx, tx, st.AccountID, now.UnixMilli())
			if err != nil {
				return err
			}
			acct.PendingStakingRewards = acct.PendingStakingRewards.Add(delta)
			acct.UpdatedAt = now.UnixMilli()
			st.Accrued, st.AccruedDays, st.UpdatedAt = target, days, now.UnixMilli()
			if days >= st.LockDays {
				st.Status = StakeMatured
				matured = st
			}
			if err := l.store.PutAccount(ctx, tx, acct); err != nil {
				return err
			}
			moved = true
			return l.store.PutStake(ctx, tx, st)
		})
	}()
	if err != nil {
		return false, err
	}
	if matured != nil {
		l.emitter.Emit(ctx, events.Event{
			Name:      events.StakeMatured,
			AccountID: matured.AccountID,
			Data:      map[string]any{"stake_id": matured.ID, "accrued": matured.Accrued.String()},
		})
	}
	return moved, nil
}

// Sweep moves pending staking rewards into spendable balances, one completed
// reward transaction from the staking pool per account.
func (l *Ledger) Sweep(ctx context.Context) (int, error) {
	ids, err := l.store.AccountsWithPending(ctx, l.store.DB)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, id := range ids {
		t, err := l.sweepOne(ctx, id)
		if err != nil {
			l.logger.Warn("ledger: sweep account", "account", id, "error", err)
			continue
		}
		if t != nil {
			swept++
			l.emitter.Emit(ctx, events.Event{
				Name:      events.RewardIssued,
				AccountID: id,
				Data:      map[string]any{"amount": t.Amount.String(), "source": StakingPool, "tx_id": t.ID},
			})
		}
	}
	return swept, nil
}

func (l *Ledger) sweepOne(ctx context.Context, accountID string) (*Transaction, error) {
	unlock := l.locks.lock(accountID, stateKey)
	defer unlock()

	var out *Transaction
	err := dbopen.RunTx(ctx, l.store.DB, func(tx *sql.Tx) error {
		now := l.now().UnixMilli()
		acct, err := l.store.GetAccount(ctx, tx, accountID)
		if err != nil || acct == nil || !acct.PendingStakingRewards.IsPositive() {
			return err
		}
		st, err := l.store.GetState(ctx, tx)
		if err != nil {
			return err
		}
		amount := acct.PendingStakingRewards
		acct.Balance = acct.Balance.Add(amount)
		acct.TotalEarned = acct.TotalEarned.Add(amount)
		acct.PendingStakingRewards = decimal.Zero
		acct.UpdatedAt = now
		st.StakingPaid = st.StakingPaid.Add(amount)
		st.Circulating = st.Circulating.Add(amount)
		st.UpdatedAt = now

		out = l.completed(KindReward, StakingPool, accountID, amount, "staking rewards", now)
		if err := l.store.PutAccount(ctx, tx, acct); err != nil {
			return err
		}
		if err := l.store.PutState(ctx, tx, st); err != nil {
			return err
		}
		return l.store.InsertTransaction(ctx, tx, out)
	})
	return out, err
}

// Unstake returns the principal of a stake whose lock has ended. Rewards
// still pending are paid by the next sweep.
func (l *Ledger) Unstake(ctx context.Context, accountID, stakeID string) (*Stake, error) {
	unlock := l.locks.lock(accountID)
	defer unlock()

	var out *Stake
	err := dbopen.RunTx(ctx, l.store.DB, func(tx *sql.Tx) error {
		st, err := l.store.GetStake(ctx, tx, stakeID)
		if err != nil {
			return err
		}
		if st == nil {
			return &faults.NotFoundError{Kind: "stake", ID: stakeID}
		}
		if st.AccountID != accountID {
			return &faults.OwnershipError{Asset: stakeID, Actor: accountID, Owner: st.AccountID}
		}
		if st.Status == StakeWithdrawn {
			return faults.Invalid("stake %s already withdrawn", stakeID)
		}
		now := l.now()
		end := time.UnixMilli(st.StartedAt).Add(time.Duration(st.LockDays) * day)
		if now.Before(end) {
			return faults.Invalid("stake %s locked until %s", stakeID, end.UTC().Format(time.RFC3339))
		}

		acct, err := l.store.LoadAccount(ctx, tx, accountID, now.UnixMilli())
		if err != nil {
			return err
		}
		if st.AccruedDays < st.LockDays {
			target := accruedFor(st, st.LockDays)
			acct.PendingStakingRewards = acct.PendingStakingRewards.Add(target.Sub(st.Accrued))
			st.Accrued, st.AccruedDays = target, st.LockDays
		}
		acct.StakedBalance = acct.StakedBalance.Sub(st.Amount)
		acct.Balance = acct.Balance.Add(st.Amount)
		acct.UpdatedAt = now.UnixMilli()
		st.Status, st.UpdatedAt = StakeWithdrawn, now.UnixMilli()

		if err := l.store.PutAccount(ctx, tx, acct); err != nil {
			return err
		}
		if err := l.store.PutStake(ctx, tx, st); err != nil {
			return err
		}
		out = st
		return l.store.InsertTransaction(ctx, tx,
			l.completed(KindUnstake, StakingPool, accountID, st.Amount, "stake "+stakeID, now.UnixMilli()))
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: unstake %s: %w", stakeID, err)
	}
	return out, nil
}
