/*
redemption.go - Point redemption against bookings

PURPOSE:
  The RedemptionEngine validates and posts point debits, returning the
  GBP credit to subtract from the checkout charge.

VALIDATION ORDER (first failing rule wins):
  1. points >= 500                         BelowMinimumRedemption
  2. points in whole £5 steps              InvalidIncrement
  3. mobile number verified                PhoneNotVerified
  4. balance covers the points             InsufficientBalance
  5. 30-day rolling total within £50 cap   RedemptionCapExceeded
  6. booking at least the £10 minimum      BookingBelowMinimum
     and redemption at most 50% of it      RedemptionExceedsBookingCap

CONCURRENCY:
  Validation and the ledger-debit+balance-debit pair run under the
  per-user lock; two concurrent redemptions for the same user cannot
  both pass rule 4 against a stale balance. The store transaction makes
  the append and debit all-or-nothing on top of that.

SEE ALSO:
  - types.go: the policy constants behind every rule
  - balance.go: RedeemedInWindow
*/
package loyalty

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// REDEMPTION ENGINE
// =============================================================================

// RedemptionEngine posts point debits against bookings.
type RedemptionEngine struct {
	store    TxStore
	accounts AccountStore
	locks    *UserLocks
	audit    AuditLog
	now      func() time.Time
}

func NewRedemptionEngine(store TxStore, accounts AccountStore, locks *UserLocks, audit AuditLog) *RedemptionEngine {
	return &RedemptionEngine{store: store, accounts: accounts, locks: locks, audit: audit, now: time.Now}
}

// WithClock overrides the engine clock. Test hook.
func (r *RedemptionEngine) WithClock(now func() time.Time) *RedemptionEngine {
	r.now = now
	return r
}

// RedeemInput describes a redemption request.
type RedeemInput struct {
	UserID         UserID
	Points         Points
	IdempotencyKey string

	// BookingAmountPence, when set, enables the booking-relative rules.
	BookingAmountPence *Pence
	BookingID          string
}

// RedeemResult is the outcome of a redemption.
type RedeemResult struct {
	Entry      LedgerEntry
	Points     Points
	ValuePence Pence
	NewBalance Points
	Replayed   bool
}

// Redeem validates and posts a redemption, returning the GBP credit in
// pence. A replayed idempotency key returns the original result even if
// the request differs.
func (r *RedemptionEngine) Redeem(ctx context.Context, in RedeemInput) (*RedeemResult, error) {
	defer r.locks.Acquire(in.UserID)()

	if in.IdempotencyKey != "" {
		existing, err := r.store.FindByIdempotencyKey(ctx, in.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			balance, err := r.store.Balance(ctx, in.UserID)
			if err != nil {
				return nil, err
			}
			points := -existing.DeltaPoints
			return &RedeemResult{
				Entry:      *existing,
				Points:     points,
				ValuePence: points.Value(),
				NewBalance: balance,
				Replayed:   true,
			}, nil
		}
	}

	now := r.now()
	valuePence := in.Points.Value()

	// Rule 1: minimum redemption.
	if in.Points < MinRedeemPoints {
		return nil, fmt.Errorf("%d points: %w", in.Points, ErrBelowMinimumRedemption)
	}

	// Rule 2: whole £5 steps.
	if in.Points%RedeemStepPoints != 0 {
		return nil, fmt.Errorf("%d points: %w", in.Points, ErrInvalidIncrement)
	}

	// Rule 3: verified mobile.
	acct, err := r.accounts.GetAccount(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if !acct.PhoneVerified {
		return nil, fmt.Errorf("user %s: %w", in.UserID, ErrPhoneNotVerified)
	}

	// Rule 4: balance.
	balance, err := r.store.Balance(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if balance < in.Points {
		return nil, &InsufficientBalanceError{UserID: in.UserID, Available: balance, Requested: in.Points}
	}

	// Rule 5: rolling cap.
	redeemed, err := RedeemedInWindow(ctx, r.store, in.UserID, now)
	if err != nil {
		return nil, err
	}
	if redeemed+in.Points > RollingCapPoints {
		return nil, &RedemptionCapError{UserID: in.UserID, Cap: RollingCapPoints, Redeemed: redeemed, Requested: in.Points}
	}

	// Rule 6: booking-relative rules.
	if in.BookingAmountPence != nil {
		amount := *in.BookingAmountPence
		if amount < MinBookingPence {
			return nil, &BookingRuleError{BookingPence: amount, ValuePence: valuePence, Rule: ErrBookingBelowMinimum}
		}
		if valuePence*2 > amount {
			return nil, &BookingRuleError{BookingPence: amount, ValuePence: valuePence, Rule: ErrRedemptionExceedsBookingCap}
		}
	}

	entry := LedgerEntry{
		ID:             EntryID(uuid.NewString()),
		UserID:         in.UserID,
		DeltaPoints:    -in.Points,
		Reason:         ReasonRedeem,
		Status:         EntryPosted,
		Metadata:       map[string]string{},
		IdempotencyKey: in.IdempotencyKey,
		CreatedBy:      "system",
		CreatedAt:      now.UTC(),
	}
	if in.BookingID != "" {
		entry.Metadata[MetaBookingID] = in.BookingID
	}

	var newBalance Points
	err = r.store.WithTx(ctx, func(s Store) error {
		if err := NewLedger(s).Append(ctx, entry); err != nil {
			return err
		}
		nb, err := s.ApplyDelta(ctx, in.UserID, -in.Points)
		if err != nil {
			return err
		}
		newBalance = nb
		return nil
	})
	if err != nil {
		return nil, err
	}

	if r.audit != nil {
		_ = r.audit.AppendAudit(ctx, AuditEntry{
			ID:      uuid.NewString(),
			At:      now.UTC(),
			ActorID: "system",
			Action:  AuditRedemption,
			UserID:  in.UserID,
			Payload: map[string]any{
				"points":      int64(in.Points),
				"value_pence": int64(valuePence),
				"booking_id":  in.BookingID,
			},
		})
	}

	return &RedeemResult{
		Entry:      entry,
		Points:     in.Points,
		ValuePence: valuePence,
		NewBalance: newBalance,
	}, nil
}
