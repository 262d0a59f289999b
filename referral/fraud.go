/*
fraud.go - Referral abuse prevention

PURPOSE:
  Signup- and booking-time checks that gate whether a referral can earn
  at all. Duplicate-account abuse is detected through fingerprints:
  phone hash, device fingerprint, and payment-card hash.

DISCLOSURE POLICY:
  Fraud rejections are recorded in the audit log and reported to the
  caller as errors, but handlers must never echo them to the signup
  flow in a way that reveals which check fired. IsFraudError lets the
  API layer collapse them into a generic response.

SEE ALSO:
  - engine.go: calls CheckSignup / RecheckAtBooking
  - monitor.go: offline pattern detection over the same fingerprints
*/
package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/blkpages/loyalty-engine/loyalty"
)

// =============================================================================
// FRAUD ERRORS
// =============================================================================

var (
	// ErrReferralNotFound is returned when a referenced referral doesn't exist.
	ErrReferralNotFound = errors.New("referral not found")

	// ErrSelfReferralBlocked is returned when referrer and referee are
	// the same person (same account, email, or phone).
	ErrSelfReferralBlocked = errors.New("self referral blocked")

	// ErrDuplicatePhone is returned when the referee's phone number is
	// already registered to a different account.
	ErrDuplicatePhone = errors.New("phone already registered")

	// ErrDuplicateDevice is returned when the referee's device
	// fingerprint already signed up before.
	ErrDuplicateDevice = errors.New("device already used for signup")

	// ErrDuplicatePaymentMethod is returned when the referee's payment
	// card matches an existing account.
	ErrDuplicatePaymentMethod = errors.New("payment method already registered")
)

// IsFraudError reports whether the error is a fraud rejection. These
// are logged, never surfaced verbatim to the referee.
func IsFraudError(err error) bool {
	return errors.Is(err, ErrSelfReferralBlocked) ||
		errors.Is(err, ErrDuplicatePhone) ||
		errors.Is(err, ErrDuplicateDevice) ||
		errors.Is(err, ErrDuplicatePaymentMethod) ||
		errors.Is(err, loyalty.ErrSelfReferral) ||
		errors.Is(err, loyalty.ErrNotFirstBooking)
}

// =============================================================================
// FRAUD GUARD
// =============================================================================

// FraudGuard runs the anti-abuse checks.
type FraudGuard struct {
	accounts loyalty.AccountStore
	ledger   loyalty.LedgerStore
	audit    loyalty.AuditLog
	now      func() time.Time
}

func NewFraudGuard(accounts loyalty.AccountStore, ledger loyalty.LedgerStore, audit loyalty.AuditLog) *FraudGuard {
	return &FraudGuard{accounts: accounts, ledger: ledger, audit: audit, now: time.Now}
}

// SignupCheck carries the referee identity captured at signup.
type SignupCheck struct {
	ReferralID        string
	ReferrerID        loyalty.UserID
	RefereeID         loyalty.UserID
	RefereeEmail      string
	PhoneHash         string
	DeviceFingerprint string
	PaymentHash       string
	IPAddress         string
}

// CheckSignup runs all signup-time checks. All must pass for the
// referral to advance to signed_up. Failures are audited.
func (g *FraudGuard) CheckSignup(ctx context.Context, in SignupCheck) error {
	if err := g.checkSignup(ctx, in); err != nil {
		g.recordRejection(ctx, in.ReferralID, in.ReferrerID, err)
		return err
	}
	return nil
}

func (g *FraudGuard) checkSignup(ctx context.Context, in SignupCheck) error {
	if in.ReferrerID == in.RefereeID {
		return fmt.Errorf("referral %s: %w", in.ReferralID, ErrSelfReferralBlocked)
	}

	referrer, err := g.accounts.GetAccount(ctx, in.ReferrerID)
	if err != nil {
		return err
	}

	// Same email or same mobile as the referrer: one person, two accounts.
	if in.RefereeEmail != "" && strings.EqualFold(referrer.Email, in.RefereeEmail) {
		return fmt.Errorf("referral %s: %w", in.ReferralID, ErrSelfReferralBlocked)
	}
	if in.PhoneHash != "" && referrer.PhoneHash == in.PhoneHash {
		return fmt.Errorf("referral %s: %w", in.ReferralID, ErrSelfReferralBlocked)
	}

	// Phone already registered to a different account.
	if in.PhoneHash != "" {
		owner, err := g.accounts.FindAccountByPhoneHash(ctx, in.PhoneHash)
		if err != nil {
			return err
		}
		if owner != nil && owner.ID != in.RefereeID {
			return fmt.Errorf("referral %s: %w", in.ReferralID, ErrDuplicatePhone)
		}
	}

	// Device fingerprint seen on a prior signup.
	if in.DeviceFingerprint != "" {
		seen, err := g.accounts.DeviceSeen(ctx, in.DeviceFingerprint)
		if err != nil {
			return err
		}
		if seen {
			return fmt.Errorf("referral %s: %w", in.ReferralID, ErrDuplicateDevice)
		}
	}

	// Payment card matching an existing account. Optional at signup.
	if in.PaymentHash != "" {
		owner, err := g.accounts.FindAccountByPaymentHash(ctx, in.PaymentHash)
		if err != nil {
			return err
		}
		if owner != nil && owner.ID != in.RefereeID {
			return fmt.Errorf("referral %s: %w", in.ReferralID, ErrDuplicatePaymentMethod)
		}
	}

	return nil
}

// RecheckAtBooking re-verifies the invariants at booking completion.
// Defense in depth against races between concurrent booking completions.
func (g *FraudGuard) RecheckAtBooking(ctx context.Context, referralID string, referrerID, refereeID loyalty.UserID) error {
	if referrerID == refereeID {
		err := fmt.Errorf("referral %s: %w", referralID, ErrSelfReferralBlocked)
		g.recordRejection(ctx, referralID, referrerID, err)
		return err
	}

	// No prior REFERRAL_COMPLETED bonus may exist for this referee.
	prior, err := g.ledger.FindByMetadata(ctx, loyalty.MetaRefereeID, string(refereeID))
	if err != nil {
		return err
	}
	for _, p := range prior {
		if p.Reason == loyalty.ReasonReferralCompleted && p.Status != loyalty.EntryVoid {
			err := fmt.Errorf("referral %s: %w", referralID, loyalty.ErrNotFirstBooking)
			g.recordRejection(ctx, referralID, referrerID, err)
			return err
		}
	}
	return nil
}

func (g *FraudGuard) recordRejection(ctx context.Context, referralID string, referrerID loyalty.UserID, cause error) {
	if g.audit == nil {
		return
	}
	_ = g.audit.AppendAudit(ctx, loyalty.AuditEntry{
		ID:      uuid.NewString(),
		At:      g.now().UTC(),
		ActorID: "fraud-guard",
		Action:  loyalty.AuditFraudRejected,
		UserID:  referrerID,
		Payload: map[string]any{
			"referral_id": referralID,
			"cause":       cause.Error(),
		},
	})
}
