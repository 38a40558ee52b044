package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/hazyhaar/spacebridge/dbopen"
	"github.com/hazyhaar/spacebridge/events"
	"github.com/hazyhaar/spacebridge/faults"
	"github.com/hazyhaar/spacebridge/observability"
)

var (
	kib     = decimal.NewFromInt(1024)
	hundred = decimal.NewFromInt(100)
)

// RewardAmount is (bytes/1024) × baseRate × (1 + seo/100 × (multiplier−1)).
func (l *Ledger) RewardAmount(bytesSaved int64, seoScore int) decimal.Decimal {
	seo := decimal.NewFromInt(int64(clampScore(seoScore))).Div(hundred)
	factor := decimal.NewFromInt(1).Add(seo.Mul(l.seoMult.Sub(decimal.NewFromInt(1))))
	return round(decimal.NewFromInt(bytesSaved).Div(kib).Mul(l.baseRate).Mul(factor))
}

func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// Reward credits account for bytesSaved at seoScore, paid from the rewards
// pool. When the pool cannot cover it the reward fails with a BalanceError
// on the pool and a failed transaction is logged.
func (l *Ledger) Reward(ctx context.Context, accountID string, bytesSaved int64, seoScore int) (*Transaction, error) {
	return l.reward(ctx, accountID, bytesSaved, seoScore, nil)
}

// RecordOptimization rewards one crawl outcome exactly once: a second call
// for the same (site, crawl) returns the original transaction.
func (l *Ledger) RecordOptimization(ctx context.Context, rec OptimizationRecord) (*Transaction, error) {
	if rec.SiteID == "" || rec.CrawlID == "" {
		return nil, faults.Invalid("site_id and crawl_id are required")
	}
	return l.reward(ctx, rec.AccountID, rec.BytesSaved, rec.SEOScore, &rec)
}

func (l *Ledger) reward(ctx context.Context, accountID string, bytesSaved int64, seoScore int, rec *OptimizationRecord) (*Transaction, error) {
	if accountID == "" {
		return nil, faults.Invalid("account is required")
	}
	if bytesSaved <= 0 {
		return nil, faults.Invalid("bytes saved must be positive, got %d", bytesSaved)
	}
	amount := l.RewardAmount(bytesSaved, seoScore)
	memo := fmt.Sprintf("%d bytes saved, seo %d", bytesSaved, seoScore)
	if rec != nil {
		memo = fmt.Sprintf("site %s crawl %s: %s", rec.SiteID, rec.CrawlID, memo)
	}

	unlock := l.locks.lock(accountID, stateKey)
	defer unlock()

	var out *Transaction
	duplicate := false
	err := dbopen.RunTx(ctx, l.store.DB, func(tx *sql.Tx) error {
		now := l.now().UnixMilli()
		if rec != nil {
			prev, err := l.store.GetOptimization(ctx, tx, rec.SiteID, rec.CrawlID)
			if err != nil {
				return err
			}
			if prev != nil {
				duplicate = true
				out, err = l.store.GetTransaction(ctx, tx, prev.TxID)
				return err
			}
		}

		st, err := l.store.GetState(ctx, tx)
		if err != nil {
			return err
		}
		if st.RewardsPool.LessThan(amount) {
			return &faults.BalanceError{
				Account:   RewardsPool,
				Required:  amount.StringFixed(Places),
				Available: st.RewardsPool.StringFixed(Places),
			}
		}
		acct, err := l.store.LoadAccount(ctx, tx, accountID, now)
		if err != nil {
			return err
		}
		acct.Balance = acct.Balance.Add(amount)
		acct.TotalEarned = acct.TotalEarned.Add(amount)
		acct.UpdatedAt = now
		st.RewardsPool = st.RewardsPool.Sub(amount)
		st.Circulating = st.Circulating.Add(amount)
		st.UpdatedAt = now

		out = l.completed(KindReward, RewardsPool, accountID, amount, memo, now)
		if err := l.store.PutAccount(ctx, tx, acct); err != nil {
			return err
		}
		if err := l.store.PutState(ctx, tx, st); err != nil {
			return err
		}
		if err := l.store.InsertTransaction(ctx, tx, out); err != nil {
			return err
		}
		if rec != nil {
			return l.store.InsertOptimization(ctx, tx, &Optimization{
				SiteID: rec.SiteID, CrawlID: rec.CrawlID, AccountID: accountID,
				BytesSaved: bytesSaved, SEOScore: seoScore, TxID: out.ID, CreatedAt: now,
			})
		}
		return nil
	})
	if err != nil {
		l.fail(ctx, KindReward, RewardsPool, accountID, amount, memo, err)
		return nil, fmt.Errorf("ledger: reward %s: %w", accountID, err)
	}
	if duplicate {
		l.logger.Debug("ledger: optimization already rewarded",
			"site_id", rec.SiteID, "crawl_id", rec.CrawlID)
		return out, nil
	}

	l.logger.Info("ledger: reward issued", "account", accountID, "amount", amount.String(), "bytes", bytesSaved)
	l.record(observability.MetricRewardsIssued, amount, nil)
	l.emitter.Emit(ctx, events.Event{
		Name:      events.RewardIssued,
		AccountID: accountID,
		Data:      map[string]any{"amount": amount.String(), "bytes_saved": bytesSaved, "tx_id": out.ID},
	})
	return out, nil
}
