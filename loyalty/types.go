/*
Package loyalty implements the BlkPoints ledger engine.

PURPOSE:
  This package contains the core types and engines for the loyalty points
  system: an append-only ledger of point movements, a cached balance
  projection, and the earning/redemption engines that post to them.

KEY CONCEPTS IN THIS FILE (types.go):
  - Points: integer point quantity (1 point = £0.01)
  - Pence: money in GBP minor units (no floats inside the engine)
  - LedgerEntry: an immutable ledger record of a balance change
  - Account/Booking: the narrow slices of platform data the engine needs

DESIGN PRINCIPLES:
  1. Immutability: ledger entries are never edited, only reversed
  2. Integer money: pence and points everywhere; decimal.Decimal only
     at the presentation boundary
  3. Idempotency: every posting operation carries a caller-supplied key
  4. Auditability: every entry records reason, metadata, and actor context

USAGE:
  entry := loyalty.LedgerEntry{
      UserID:      "usr-123",
      DeltaPoints: 25,
      Reason:      loyalty.ReasonReviewVerified,
      Status:      loyalty.EntryPosted,
  }

SEE ALSO:
  - ledger.go: append/idempotency discipline
  - earning.go, redemption.go: the posting engines
  - store.go: persistence interfaces
*/
package loyalty

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// POINTS & MONEY
// =============================================================================

// Points is a signed quantity of BlkPoints.
type Points int64

// Pence is an amount of money in GBP minor units.
type Pence int64

// GBP returns the amount as a decimal number of pounds.
// Presentation only - the engine itself never leaves minor units.
func (p Pence) GBP() decimal.Decimal {
	return decimal.NewFromInt(int64(p)).Div(decimal.NewFromInt(100))
}

// Value converts points to their monetary value.
func (pts Points) Value() Pence { return Pence(pts) * PencePerPoint }

// =============================================================================
// POLICY CONSTANTS
// =============================================================================
//
// These are the single source of truth for the loyalty scheme's rates and
// limits. Call sites must use the constants, never re-derive the numbers.

const (
	// PencePerPoint is the conversion rate: 1 point = £0.01.
	PencePerPoint Pence = 1

	// EarnPointsPerPound grants 1 point per whole £1 of a completed booking.
	EarnPointsPerPound Points = 1

	// ReviewBonusPoints is the fixed grant for a verified review.
	ReviewBonusPoints Points = 25

	// ReferralBonusPoints is the fixed grant for a confirmed referral.
	ReferralBonusPoints Points = 100

	// MinRedeemPoints is the smallest allowed redemption (500 pts = £5).
	MinRedeemPoints Points = 500

	// RedeemStepPoints is the redemption increment (£5 steps).
	RedeemStepPoints Points = 500

	// RollingCapPoints limits total redemption in the trailing window (£50).
	RollingCapPoints Points = 5000

	// RollingCapWindow is the trailing window for the redemption cap.
	RollingCapWindow = 30 * 24 * time.Hour

	// MinBookingPence is the smallest booking a redemption may be applied
	// to: twice the minimum redemption value (£10).
	MinBookingPence = Pence(2) * Pence(MinRedeemPoints) * PencePerPoint

	// MaxBookingSharePercent caps a redemption at 50% of the booking amount.
	MaxBookingSharePercent = 50
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type EntryID string

// =============================================================================
// LEDGER ENTRY - Immutable record of a point movement
// =============================================================================

// EntryReason classifies why points moved.
type EntryReason string

const (
	ReasonBookingCompleted  EntryReason = "BOOKING_COMPLETED"
	ReasonReviewVerified    EntryReason = "REVIEW_VERIFIED"
	ReasonReferralCompleted EntryReason = "REFERRAL_COMPLETED"
	ReasonRedeem            EntryReason = "REDEEM"
	ReasonAdjustment        EntryReason = "ADJUSTMENT"
	ReasonReversal          EntryReason = "REVERSAL"
)

// EntryStatus tracks settlement of an entry.
//
// Almost every entry is created as EntryPosted and counts toward the
// balance immediately. Referral bonuses are the exception: they are
// created EntryHeld, excluded from the balance, and later settled to
// EntryPosted (booking survived the confirmation window) or EntryVoid
// (booking was cancelled/refunded). Settlement is the single permitted
// state change on a ledger entry; everything else is append-only.
type EntryStatus string

const (
	EntryPosted EntryStatus = "posted"
	EntryHeld   EntryStatus = "held"
	EntryVoid   EntryStatus = "void"
)

// Metadata keys used on ledger entries.
const (
	MetaBookingID  = "bookingId"
	MetaReviewID   = "reviewId"
	MetaReferralID = "referralId"
	MetaRefereeID  = "refereeId"
	MetaReversalOf = "reversalOf"
)

// LedgerEntry is a single movement of points for a user.
// Immutable once created (Status excepted, see EntryStatus).
type LedgerEntry struct {
	ID          EntryID
	UserID      UserID
	DeltaPoints Points // positive = earn, negative = redeem/reversal
	Reason      EntryReason
	Status      EntryStatus
	Metadata    map[string]string

	IdempotencyKey string

	// Audit fields
	CreatedBy string // actor that posted the entry ("system", admin id, ...)
	CreatedAt time.Time
}

// CountsTowardBalance reports whether the entry is included in the
// balance projection. Held and voided entries never are.
func (e LedgerEntry) CountsTowardBalance() bool { return e.Status == EntryPosted }

// =============================================================================
// BALANCE RECORD - Cached projection of the ledger
// =============================================================================

// BalanceRecord is the fast-read balance for a user. It is a cache:
// the value is always recomputable as the sum of DeltaPoints over the
// user's posted ledger entries.
type BalanceRecord struct {
	UserID    UserID
	Points    Points // invariant: >= 0
	UpdatedAt time.Time
}

// =============================================================================
// PLATFORM COLLABORATORS - Narrow views of surrounding data
// =============================================================================

// Account is the slice of a platform account the engine needs: the
// verification state for redemption and the fingerprints used by
// referral fraud checks.
type Account struct {
	ID                UserID
	Email             string
	PhoneHash         string
	PhoneVerified     bool
	DeviceFingerprint string
	PaymentHash       string
	CreatedAt         time.Time
}

// BookingStatus is the settled state of a booking as reported by the
// booking subsystem. The engine never drives booking state.
type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
	BookingRefunded  BookingStatus = "refunded"
)

// Booking is the slice of a booking the engine needs.
type Booking struct {
	ID          string
	UserID      UserID
	AmountPence Pence
	Status      BookingStatus
	CompletedAt time.Time
}
