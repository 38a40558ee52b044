package ledger

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/hazyhaar/spacebridge/connectivity"
)

// Service names registered by RegisterConnectivity.
const (
	ServiceRecordOptimization = "ledger_record_optimization"
	ServiceCharge             = "ledger_charge"
	ServiceRefund             = "ledger_refund"
	ServiceBalance            = "ledger_balance"
	ServiceSupply             = "ledger_supply"
)

// MoveRequest is the payload of ledger_charge and ledger_refund.
type MoveRequest struct {
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	Memo      string          `json:"memo"`
}

// BalanceReply is the answer of ledger_balance.
type BalanceReply struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
}

// RegisterConnectivity exposes the ledger to other components through router.
func (l *Ledger) RegisterConnectivity(router *connectivity.Router) {
	router.RegisterLocal(ServiceRecordOptimization, connectivity.JSONHandler(
		func(ctx context.Context, req *OptimizationRecord) (*Transaction, error) {
			return l.RecordOptimization(ctx, *req)
		}))
	router.RegisterLocal(ServiceCharge, connectivity.JSONHandler(
		func(ctx context.Context, req *MoveRequest) (*Transaction, error) {
			return l.Charge(ctx, req.AccountID, req.Amount, req.Memo)
		}))
	router.RegisterLocal(ServiceRefund, connectivity.JSONHandler(
		func(ctx context.Context, req *MoveRequest) (*Transaction, error) {
			return l.Refund(ctx, req.AccountID, req.Amount, req.Memo)
		}))
	router.RegisterLocal(ServiceBalance, connectivity.JSONHandler(
		func(ctx context.Context, req *struct {
			AccountID string `json:"account_id"`
		}) (*BalanceReply, error) {
			b, err := l.Balance(ctx, req.AccountID)
			if err != nil {
				return nil, err
			}
			return &BalanceReply{AccountID: req.AccountID, Balance: b}, nil
		}))
	router.RegisterLocal(ServiceSupply, connectivity.JSONHandler(
		func(ctx context.Context, _ *struct{}) (*Supply, error) {
			return l.Supply(ctx)
		}))
}
