/*
Package referral implements the refer-a-friend programme on top of the
loyalty ledger.

PURPOSE:
  Tracks referral records from link click through signup and first
  booking, gates them through fraud checks, and holds the referrer's
  bonus in a 24-hour confirmation window before it becomes spendable.

LIFECYCLE:
  clicked -> signed_up -> completed -> pending_confirmation
                                         -> confirmed  (bonus credited)
                                         -> cancelled  (bonus voided)

  The signup transition requires every fraud check to pass. The bonus
  itself is a held loyalty ledger entry; only the confirmation sweep
  settles it.

SEE ALSO:
  - fraud.go: signup- and booking-time checks
  - engine.go: lifecycle transitions
  - confirm.go: the confirmation sweep
  - monitor.go: suspicious-referrer reporting
*/
package referral

import (
	"context"
	"time"

	"github.com/blkpages/loyalty-engine/loyalty"
)

// ConfirmationWindow is how long a referral bonus stays pending after
// the referee's first booking completes.
const ConfirmationWindow = 24 * time.Hour

// =============================================================================
// REFERRAL RECORD
// =============================================================================

// Status is the referral lifecycle state.
type Status string

const (
	StatusClicked             Status = "clicked"
	StatusSignedUp            Status = "signed_up"
	StatusCompleted           Status = "completed"
	StatusPendingConfirmation Status = "pending_confirmation"
	StatusConfirmed           Status = "confirmed"
	StatusCancelled           Status = "cancelled"
)

// Record tracks one referral from click to settlement.
// Invariant: ReferrerID != RefereeID once the referee is known.
type Record struct {
	ID         string
	ReferrerID loyalty.UserID
	RefereeID  loyalty.UserID // empty until signup
	Status     Status

	// Abuse-detection fingerprints captured at signup.
	DeviceFingerprint string
	PhoneHash         string
	PaymentHash       string
	IPAddress         string

	// First-booking tracking.
	FirstBookingID     string
	BookingCompletedAt time.Time
	ConfirmAt          time.Time // completion time + ConfirmationWindow

	// BonusEntryID is the held loyalty ledger entry for the bonus.
	BonusEntryID loyalty.EntryID

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// STORE
// =============================================================================

// Store persists referral records.
type Store interface {
	SaveReferral(ctx context.Context, r Record) error

	// GetReferral returns the record or ErrReferralNotFound.
	GetReferral(ctx context.Context, id string) (*Record, error)

	// UpdateReferral overwrites the mutable fields of an existing
	// record. Status is not among them: lifecycle moves go through
	// TransitionStatus so the CAS gate cannot be bypassed.
	UpdateReferral(ctx context.Context, r Record) error

	// TransitionStatus is the compare-and-set gate for lifecycle moves:
	// it succeeds (true) only if the record is currently in `from`.
	// Multi-instance sweeps rely on this to never double-credit.
	TransitionStatus(ctx context.Context, id string, from, to Status) (bool, error)

	// FindActiveByReferee returns the non-terminal referral for a
	// referee, or nil. A referee has at most one.
	FindActiveByReferee(ctx context.Context, refereeID loyalty.UserID) (*Record, error)

	// ListByReferrer returns all referrals made by a referrer.
	ListByReferrer(ctx context.Context, referrerID loyalty.UserID) ([]Record, error)

	// ListReferrers returns referrer ids with at least min referrals.
	ListReferrers(ctx context.Context, min int) ([]loyalty.UserID, error)

	// ListDueForConfirmation returns pending_confirmation records whose
	// ConfirmAt is at or before the cutoff.
	ListDueForConfirmation(ctx context.Context, cutoff time.Time) ([]Record, error)
}
