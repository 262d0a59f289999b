/*
balance.go - Balance projection and status summary

PURPOSE:
  The balance cache is a projection of the ledger. This file holds the
  recompute logic (the consistency check: cached balance == sum of
  posted deltas), the rolling redemption window, and the status summary
  served to dashboards.

SEE ALSO:
  - store.go: BalanceStore interface
  - redemption.go: consumer of the rolling window
*/
package loyalty

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// RecomputeBalance replays the ledger and returns the sum of posted
// deltas for the user. The cached balance must always equal this value;
// held and voided entries are excluded.
func RecomputeBalance(ctx context.Context, store LedgerStore, userID UserID) (Points, error) {
	entries, err := store.EntriesForUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	var total Points
	for _, e := range entries {
		if e.CountsTowardBalance() {
			total += e.DeltaPoints
		}
	}
	return total, nil
}

// RedeemedInWindow returns the absolute total of posted REDEEM entries
// in the trailing RollingCapWindow ending at now.
func RedeemedInWindow(ctx context.Context, store LedgerStore, userID UserID, now time.Time) (Points, error) {
	entries, err := store.EntriesSince(ctx, userID, now.Add(-RollingCapWindow))
	if err != nil {
		return 0, err
	}

	var redeemed Points
	for _, e := range entries {
		if e.Reason == ReasonRedeem && e.CountsTowardBalance() {
			redeemed += -e.DeltaPoints
		}
	}
	return redeemed, nil
}

// =============================================================================
// STATUS SUMMARY - Dashboard view of a user's points
// =============================================================================

// CapStatus describes the rolling redemption cap position.
type CapStatus struct {
	Max        Points
	Redeemed   Points
	Remaining  Points
	Percentage float64 // redeemed share of the cap, 0-100
}

// Summary is the status surface for dashboards: current points, their
// GBP value, and whether the user can redeem right now.
type Summary struct {
	UserID          UserID
	Points          Points
	GBPValue        decimal.Decimal
	MinRedeemPoints Points
	MinRedeemGBP    decimal.Decimal
	CanRedeem       bool
	IsVerified      bool
	Cap             CapStatus
}

// Summarize builds the status summary for a user at the given time.
func Summarize(ctx context.Context, store Store, accounts AccountStore, userID UserID, now time.Time) (*Summary, error) {
	balance, err := store.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}

	redeemed, err := RedeemedInWindow(ctx, store, userID, now)
	if err != nil {
		return nil, err
	}

	verified := false
	if acct, err := accounts.GetAccount(ctx, userID); err == nil {
		verified = acct.PhoneVerified
	} else if !IsNotFound(err) {
		return nil, err
	}

	remaining := RollingCapPoints - redeemed
	if remaining < 0 {
		remaining = 0
	}

	return &Summary{
		UserID:          userID,
		Points:          balance,
		GBPValue:        balance.Value().GBP(),
		MinRedeemPoints: MinRedeemPoints,
		MinRedeemGBP:    MinRedeemPoints.Value().GBP(),
		CanRedeem:       verified && balance >= MinRedeemPoints && remaining >= MinRedeemPoints,
		IsVerified:      verified,
		Cap: CapStatus{
			Max:        RollingCapPoints,
			Redeemed:   redeemed,
			Remaining:  remaining,
			Percentage: float64(redeemed) / float64(RollingCapPoints) * 100,
		},
	}, nil
}
