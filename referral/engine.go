/*
engine.go - Referral lifecycle orchestration

PURPOSE:
  Drives referral records through their lifecycle: Click creates the
  record, SignUp advances it past the fraud checks, and
  CompleteFirstBooking posts the held bonus and opens the confirmation
  window.

IDEMPOTENCY:
  CompleteFirstBooking is safe to retry: the bonus posting replays via
  its idempotency key, and the signed_up -> completed compare-and-set
  makes concurrent completions converge on one bonus.

SEE ALSO:
  - fraud.go: the checks SignUp and CompleteFirstBooking run
  - confirm.go: settlement after the window elapses
*/
package referral

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/blkpages/loyalty-engine/loyalty"
)

// Engine drives referral lifecycle transitions.
type Engine struct {
	referrals Store
	earning   *loyalty.EarningEngine
	guard     *FraudGuard
	now       func() time.Time
}

func NewEngine(referrals Store, earning *loyalty.EarningEngine, guard *FraudGuard) *Engine {
	return &Engine{referrals: referrals, earning: earning, guard: guard, now: time.Now}
}

// WithClock overrides the engine clock. Test hook.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Click records a referral link click.
func (e *Engine) Click(ctx context.Context, referrerID loyalty.UserID, ip string) (*Record, error) {
	now := e.now().UTC()
	rec := Record{
		ID:         uuid.NewString(),
		ReferrerID: referrerID,
		Status:     StatusClicked,
		IPAddress:  ip,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.referrals.SaveReferral(ctx, rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SignupInput carries the referee details captured when the referred
// account is created.
type SignupInput struct {
	RefereeID         loyalty.UserID
	RefereeEmail      string
	PhoneHash         string
	DeviceFingerprint string
	PaymentHash       string
	IPAddress         string
}

// SignUp advances a clicked referral to signed_up after the fraud
// checks pass. On a fraud rejection the record stays clicked and the
// error is returned for the caller to translate; the check itself has
// already been audited.
func (e *Engine) SignUp(ctx context.Context, referralID string, in SignupInput) (*Record, error) {
	rec, err := e.referrals.GetReferral(ctx, referralID)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusClicked {
		return nil, fmt.Errorf("referral %s in state %s: %w", referralID, rec.Status, loyalty.ErrConcurrentModification)
	}

	err = e.guard.CheckSignup(ctx, SignupCheck{
		ReferralID:        rec.ID,
		ReferrerID:        rec.ReferrerID,
		RefereeID:         in.RefereeID,
		RefereeEmail:      in.RefereeEmail,
		PhoneHash:         in.PhoneHash,
		DeviceFingerprint: in.DeviceFingerprint,
		PaymentHash:       in.PaymentHash,
		IPAddress:         in.IPAddress,
	})
	if err != nil {
		return nil, err
	}

	ok, err := e.referrals.TransitionStatus(ctx, rec.ID, StatusClicked, StatusSignedUp)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("referral %s: %w", rec.ID, loyalty.ErrConcurrentModification)
	}

	rec.RefereeID = in.RefereeID
	rec.PhoneHash = in.PhoneHash
	rec.DeviceFingerprint = in.DeviceFingerprint
	rec.PaymentHash = in.PaymentHash
	if in.IPAddress != "" {
		rec.IPAddress = in.IPAddress
	}
	rec.UpdatedAt = e.now().UTC()
	if err := e.referrals.UpdateReferral(ctx, *rec); err != nil {
		return nil, err
	}
	rec.Status = StatusSignedUp
	return rec, nil
}

// CompleteFirstBooking reacts to the referee's first completed booking:
// it re-runs the fraud invariants, posts the held bonus to the
// referrer's ledger, and opens the confirmation window
// (completed -> pending_confirmation, ConfirmAt = now + 24h).
//
// Returns (nil, nil) when the referee has no active referral - most
// bookings are not referred and this is the common path. A referral left
// in completed by a failed earlier attempt is picked up and finished on
// retry.
func (e *Engine) CompleteFirstBooking(ctx context.Context, refereeID loyalty.UserID, bookingID, idem string) (*Record, error) {
	rec, err := e.referrals.FindActiveByReferee(ctx, refereeID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	switch rec.Status {
	case StatusSignedUp:
		if err := e.guard.RecheckAtBooking(ctx, rec.ID, rec.ReferrerID, rec.RefereeID); err != nil {
			return nil, err
		}

		// CAS gate: only one booking completion claims the referral.
		ok, err := e.referrals.TransitionStatus(ctx, rec.ID, StatusSignedUp, StatusCompleted)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
	case StatusCompleted:
		// A previous attempt claimed the referral but failed before
		// opening the window. Resume it: the bonus posting below
		// replays through its idempotency key.
	default:
		return nil, nil
	}

	res, err := e.earning.EarnReferralBonus(ctx, loyalty.ReferralEarnInput{
		ReferrerID:     rec.ReferrerID,
		RefereeID:      rec.RefereeID,
		ReferralID:     rec.ID,
		BookingID:      bookingID,
		IdempotencyKey: idem,
	})
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	rec.FirstBookingID = bookingID
	rec.BookingCompletedAt = now
	rec.ConfirmAt = now.Add(ConfirmationWindow)
	rec.BonusEntryID = res.Entry.ID
	rec.UpdatedAt = now
	if err := e.referrals.UpdateReferral(ctx, *rec); err != nil {
		return nil, err
	}

	if _, err := e.referrals.TransitionStatus(ctx, rec.ID, StatusCompleted, StatusPendingConfirmation); err != nil {
		return nil, err
	}
	rec.Status = StatusPendingConfirmation
	return rec, nil
}
