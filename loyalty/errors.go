/*
errors.go - Centralized error types for the loyalty engine

PURPOSE:
  All engine errors in one place for consistency and discoverability.
  The referral package wraps these with fraud-specific errors of its own.

ERROR CATEGORIES:
  1. Validation errors - user-correctable input problems, surfaced verbatim
  2. State errors - balance/cap/verification problems, surfaced with guidance
  3. Ledger errors - persistence and idempotency conflicts

USAGE:
  if errors.Is(err, loyalty.ErrInsufficientBalance) {
      // prompt the user to earn more points
  }

SEE ALSO:
  - ledger.go, earning.go, redemption.go: producers of these errors
  - referral/fraud.go: fraud error taxonomy
*/
package loyalty

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateIdempotencyKey is returned when a ledger entry with the
	// same idempotency key already exists. Expected behavior on retries;
	// engines resolve it to the original result rather than surfacing it.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrInsufficientBalance is returned when a debit would take the
	// balance negative.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidAmount is returned for earn requests with a non-positive
	// booking amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrDuplicateBonus is returned when a one-off bonus (e.g. review)
	// has already been granted for the same source record.
	ErrDuplicateBonus = errors.New("bonus already granted")

	// ErrNotFirstBooking is returned when a referral bonus is attempted
	// for a referee who already triggered one.
	ErrNotFirstBooking = errors.New("referral bonus only applies to first booking")

	// ErrSelfReferral is returned when referrer and referee are the same
	// account.
	ErrSelfReferral = errors.New("self referral")

	// ErrBelowMinimumRedemption is returned for redemptions under 500 points.
	ErrBelowMinimumRedemption = errors.New("below minimum redemption")

	// ErrInvalidIncrement is returned when points are not a whole number
	// of £5 steps.
	ErrInvalidIncrement = errors.New("redemption must be in 500-point increments")

	// ErrPhoneNotVerified is returned when redeeming without a verified
	// mobile number.
	ErrPhoneNotVerified = errors.New("phone not verified")

	// ErrRedemptionCapExceeded is returned when a redemption would break
	// the 30-day rolling cap.
	ErrRedemptionCapExceeded = errors.New("rolling redemption cap exceeded")

	// ErrBookingBelowMinimum is returned when the booking is too small to
	// redeem against.
	ErrBookingBelowMinimum = errors.New("booking below minimum order for redemption")

	// ErrRedemptionExceedsBookingCap is returned when the redeemed value
	// would exceed half the booking amount.
	ErrRedemptionExceedsBookingCap = errors.New("redemption exceeds booking cap")

	// ErrAccountNotFound is returned when a referenced account doesn't exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrBookingNotFound is returned when a referenced booking doesn't exist.
	ErrBookingNotFound = errors.New("booking not found")

	// ErrEntryNotFound is returned when a referenced ledger entry doesn't exist.
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrEntryNotSettleable is returned when settling an entry that is not
	// in the held state.
	ErrEntryNotSettleable = errors.New("entry is not held")

	// ErrConcurrentModification is returned when a compare-and-set loses
	// a race. Safe to retry.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError details a balance shortage.
type InsufficientBalanceError struct {
	UserID    UserID
	Available Points
	Requested Points
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %d, requested %d", e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// RedemptionCapError details a rolling-cap violation.
type RedemptionCapError struct {
	UserID    UserID
	Cap       Points
	Redeemed  Points // already redeemed in the trailing window
	Requested Points
}

func (e *RedemptionCapError) Error() string {
	return fmt.Sprintf("rolling redemption cap exceeded: cap %d, redeemed %d, requested %d",
		e.Cap, e.Redeemed, e.Requested)
}

func (e *RedemptionCapError) Unwrap() error { return ErrRedemptionCapExceeded }

// BookingRuleError details a booking-relative redemption failure.
type BookingRuleError struct {
	BookingPence Pence
	ValuePence   Pence
	Rule         error // ErrBookingBelowMinimum or ErrRedemptionExceedsBookingCap
}

func (e *BookingRuleError) Error() string {
	return fmt.Sprintf("%v: booking %s, redemption %s", e.Rule,
		e.BookingPence.GBP(), e.ValuePence.GBP())
}

func (e *BookingRuleError) Unwrap() error { return e.Rule }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidationError reports whether the error is a user-correctable
// input problem that should be surfaced verbatim.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrBelowMinimumRedemption) ||
		errors.Is(err, ErrInvalidIncrement) ||
		errors.Is(err, ErrBookingBelowMinimum) ||
		errors.Is(err, ErrRedemptionExceedsBookingCap) ||
		errors.Is(err, ErrInvalidAmount)
}

// IsStateError reports whether the error reflects account or balance
// state that the user can act on (verify phone, wait for the cap window).
func IsStateError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrRedemptionCapExceeded) ||
		errors.Is(err, ErrPhoneNotVerified)
}

// IsRetryable reports whether the operation might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsNotFound reports whether the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrBookingNotFound) ||
		errors.Is(err, ErrEntryNotFound)
}
