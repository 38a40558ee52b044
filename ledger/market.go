package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/hazyhaar/spacebridge/dbopen"
	"github.com/hazyhaar/spacebridge/events"
	"github.com/hazyhaar/spacebridge/faults"
	"github.com/hazyhaar/spacebridge/observability"
)

// AssetSlot is the listing kind of allocator slots.
const AssetSlot = "slot"

var errNoAssetOwner = errors.New("ledger: marketplace has no asset owner")

// List offers assetID for sale at price. The seller must currently own it and
// an asset can only have one active listing.
func (l *Ledger) List(ctx context.Context, sellerID, kind, assetID string, price decimal.Decimal) (*Listing, error) {
	if l.owner == nil {
		return nil, errNoAssetOwner
	}
	if sellerID == "" || assetID == "" {
		return nil, faults.Invalid("seller and asset are required")
	}
	if kind == "" {
		kind = AssetSlot
	}
	price, err := validAmount(price)
	if err != nil {
		return nil, err
	}
	owner, err := l.owner.OwnerOf(ctx, assetID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list %s: %w", assetID, err)
	}
	if owner != sellerID {
		return nil, &faults.OwnershipError{Asset: assetID, Actor: sellerID, Owner: owner}
	}

	lst := &Listing{
		ID:       l.newListingID(),
		Kind:     kind,
		AssetID:  assetID,
		SellerID: sellerID,
		Price:    price,
		Status:   ListingActive,
		ListedAt: l.now().UnixMilli(),
	}
	if err := l.store.InsertListing(ctx, l.store.DB, lst); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, faults.Invalid("asset %s already has an active listing", assetID)
		}
		return nil, err
	}
	l.emitter.Emit(ctx, events.Event{
		Name:      events.ListingCreated,
		AccountID: sellerID,
		Data:      map[string]any{"listing_id": lst.ID, "asset_id": assetID, "price": price.String()},
	})
	return lst, nil
}

// Listing returns a listing.
func (l *Ledger) Listing(ctx context.Context, id string) (*Listing, error) {
	lst, err := l.store.GetListing(ctx, l.store.DB, id)
	if err != nil {
		return nil, err
	}
	if lst == nil {
		return nil, &faults.NotFoundError{Kind: "listing", ID: id}
	}
	return lst, nil
}

// Listings returns listings with status ("" = all history).
func (l *Ledger) Listings(ctx context.Context, status string, limit int) ([]*Listing, error) {
	return l.store.ListListings(ctx, l.store.DB, status, limit)
}

// Fee is the burned part of a sale at price.
func (l *Ledger) Fee(price decimal.Decimal) decimal.Decimal {
	return round(price.Mul(l.feeRate))
}

// Purchase buys an active listing. The buyer pays the full price, the seller
// receives price minus the fee, the fee is burned and the asset moves to the
// buyer, all in one transaction.
func (l *Ledger) Purchase(ctx context.Context, listingID, buyerID string) (*PurchaseReceipt, error) {
	if l.owner == nil {
		return nil, errNoAssetOwner
	}
	lst, err := l.Listing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if lst.Status != ListingActive {
		return nil, faults.Invalid("listing %s is %s", listingID, lst.Status)
	}
	if buyerID == lst.SellerID {
		return nil, &faults.OwnershipError{Asset: lst.AssetID, Actor: buyerID, Owner: lst.SellerID}
	}

	fee := l.Fee(lst.Price)
	credit := lst.Price.Sub(fee)
	memo := "listing " + listingID

	unlock := l.locks.lock(buyerID, lst.SellerID, stateKey)
	defer unlock()

	var (
		undo    func()
		receipt *PurchaseReceipt
	)
	err = dbopen.RunTx(ctx, l.store.DB, func(tx *sql.Tx) error {
		now := l.now().UnixMilli()
		cur, err := l.store.GetListing(ctx, tx, listingID)
		if err != nil {
			return err
		}
		if cur == nil || cur.Status != ListingActive {
			return faults.Invalid("listing %s is no longer active", listingID)
		}

		buyer, err := l.store.LoadAccount(ctx, tx, buyerID, now)
		if err != nil {
			return err
		}
		if err := debit(buyer, cur.Price); err != nil {
			return err
		}
		buyer.TotalSpent = buyer.TotalSpent.Add(cur.Price)
		buyer.UpdatedAt = now

		seller, err := l.store.LoadAccount(ctx, tx, cur.SellerID, now)
		if err != nil {
			return err
		}
		seller.Balance = seller.Balance.Add(credit)
		seller.TotalEarned = seller.TotalEarned.Add(credit)
		seller.UpdatedAt = now

		st, err := l.store.GetState(ctx, tx)
		if err != nil {
			return err
		}
		st.Burned = st.Burned.Add(fee)
		st.Circulating = st.Circulating.Sub(fee)
		st.UpdatedAt = now

		owner, err := l.owner.OwnerOf(ctx, cur.AssetID)
		if err != nil {
			return err
		}
		if owner != cur.SellerID {
			return &faults.OwnershipError{Asset: cur.AssetID, Actor: cur.SellerID, Owner: owner}
		}

		cur.Status, cur.BuyerID, cur.SoldAt, cur.Fee = ListingSold, buyerID, &now, fee
		closed, err := l.store.CloseListing(ctx, tx, cur)
		if err != nil {
			return err
		}
		if !closed {
			return faults.Invalid("listing %s is no longer active", listingID)
		}

		txs := []*Transaction{l.completed(KindPurchase, buyerID, cur.SellerID, credit, memo, now)}
		if fee.IsPositive() {
			txs = append(txs, l.completed(KindFee, buyerID, BurnAddress, fee, memo, now))
		}
		for _, a := range []*Account{buyer, seller} {
			if err := l.store.PutAccount(ctx, tx, a); err != nil {
				return err
			}
		}
		if err := l.store.PutState(ctx, tx, st); err != nil {
			return err
		}
		for _, t := range txs {
			if err := l.store.InsertTransaction(ctx, tx, t); err != nil {
				return err
			}
		}

		// last step: the asset only moves once every ledger leg is written
		undo, err = l.owner.TransferAsset(ctx, tx, cur.AssetID, cur.SellerID, buyerID)
		if err != nil {
			return err
		}
		receipt = &PurchaseReceipt{Listing: cur, SellerCredit: credit, Fee: fee, Transactions: txs}
		return nil
	})
	if err != nil {
		if undo != nil {
			undo()
		}
		l.fail(ctx, KindPurchase, buyerID, lst.SellerID, lst.Price, memo, err)
		return nil, fmt.Errorf("ledger: purchase %s: %w", listingID, err)
	}

	l.record(observability.MetricFeesBurned, fee, map[string]string{"listing": listingID})
	l.logger.Info("ledger: listing sold", "listing_id", listingID, "buyer", buyerID,
		"price", lst.Price.String(), "fee", fee.String())
	l.emitter.Emit(ctx, events.Event{
		Name:      events.ListingSold,
		AccountID: buyerID,
		Data: map[string]any{
			"listing_id": listingID, "asset_id": lst.AssetID, "seller_id": lst.SellerID,
			"price": lst.Price.String(), "fee": fee.String(),
		},
	})
	return receipt, nil
}

// CancelListing withdraws an active listing. Only the seller may cancel.
func (l *Ledger) CancelListing(ctx context.Context, listingID, sellerID string) (*Listing, error) {
	lst, err := l.Listing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if lst.SellerID != sellerID {
		return nil, &faults.OwnershipError{Asset: lst.AssetID, Actor: sellerID, Owner: lst.SellerID}
	}
	lst.Status = ListingCancelled
	closed, err := l.store.CloseListing(ctx, l.store.DB, lst)
	if err != nil {
		return nil, err
	}
	if !closed {
		return nil, faults.Invalid("listing %s is not active", listingID)
	}
	return lst, nil
}
