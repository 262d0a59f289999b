/*
earning.go - Point grants for bookings, reviews, and referrals

PURPOSE:
  The EarningEngine computes and posts point grants. Each operation is
  idempotent via a caller-supplied key: a replayed key returns the
  original result and posts nothing.

OPERATIONS:
  EarnOnCompletedBooking: floor(£amount) points at 1 point per £1
  EarnOnVerifiedReview:   fixed 25-point bonus, once per review
  EarnReferralBonus:      fixed 100-point bonus, posted HELD - the
                          referral package opens the 24h confirmation
                          window and settles the entry later
  Adjust / Reverse:       admin corrections (ADJUSTMENT / REVERSAL)

ATOMICITY:
  Ledger append and balance credit happen inside one store transaction.
  A failure leaves both untouched. Operations on the same user are
  additionally serialized through UserLocks.

SEE ALSO:
  - redemption.go: the debit side
  - referral/engine.go: caller of EarnReferralBonus
*/
package loyalty

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// EARNING ENGINE
// =============================================================================

// EarningEngine posts point grants to the ledger and balance cache.
type EarningEngine struct {
	store TxStore
	locks *UserLocks
	audit AuditLog
	now   func() time.Time
}

func NewEarningEngine(store TxStore, locks *UserLocks, audit AuditLog) *EarningEngine {
	return &EarningEngine{store: store, locks: locks, audit: audit, now: time.Now}
}

// WithClock overrides the engine clock. Test hook.
func (e *EarningEngine) WithClock(now func() time.Time) *EarningEngine {
	e.now = now
	return e
}

// EarnResult is the outcome of a grant operation.
type EarnResult struct {
	Entry         LedgerEntry
	PointsGranted Points
	NewBalance    Points
	Replayed      bool // true when the idempotency key had already been processed
}

// =============================================================================
// BOOKING COMPLETION
// =============================================================================

// BookingEarnInput describes a completed booking to grant points for.
type BookingEarnInput struct {
	UserID         UserID
	AmountPence    Pence
	BookingID      string
	IdempotencyKey string
}

// EarnOnCompletedBooking grants floor(£amount) points at 1 point per £1.
// Fails with ErrInvalidAmount for non-positive amounts.
func (e *EarningEngine) EarnOnCompletedBooking(ctx context.Context, in BookingEarnInput) (*EarnResult, error) {
	if in.AmountPence <= 0 {
		return nil, fmt.Errorf("booking %s: %w", in.BookingID, ErrInvalidAmount)
	}

	defer e.locks.Acquire(in.UserID)()

	if res, err := e.replay(ctx, in.UserID, in.IdempotencyKey); res != nil || err != nil {
		return res, err
	}

	// Integer division floors the whole-pound amount.
	granted := Points(in.AmountPence/100) * EarnPointsPerPound

	entry := LedgerEntry{
		ID:          EntryID(uuid.NewString()),
		UserID:      in.UserID,
		DeltaPoints: granted,
		Reason:      ReasonBookingCompleted,
		Status:      EntryPosted,
		Metadata: map[string]string{
			MetaBookingID: in.BookingID,
		},
		IdempotencyKey: in.IdempotencyKey,
		CreatedBy:      "system",
		CreatedAt:      e.now().UTC(),
	}

	return e.post(ctx, entry)
}

// =============================================================================
// VERIFIED REVIEW
// =============================================================================

// ReviewEarnInput describes a verified review to grant the bonus for.
type ReviewEarnInput struct {
	UserID         UserID
	ReviewID       string
	IdempotencyKey string
}

// EarnOnVerifiedReview grants the fixed review bonus once per review.
// Fails with ErrDuplicateBonus if the review was already rewarded,
// regardless of idempotency key.
func (e *EarningEngine) EarnOnVerifiedReview(ctx context.Context, in ReviewEarnInput) (*EarnResult, error) {
	defer e.locks.Acquire(in.UserID)()

	if res, err := e.replay(ctx, in.UserID, in.IdempotencyKey); res != nil || err != nil {
		return res, err
	}

	prior, err := e.store.FindByMetadata(ctx, MetaReviewID, in.ReviewID)
	if err != nil {
		return nil, err
	}
	if len(prior) > 0 {
		return nil, fmt.Errorf("review %s: %w", in.ReviewID, ErrDuplicateBonus)
	}

	entry := LedgerEntry{
		ID:          EntryID(uuid.NewString()),
		UserID:      in.UserID,
		DeltaPoints: ReviewBonusPoints,
		Reason:      ReasonReviewVerified,
		Status:      EntryPosted,
		Metadata: map[string]string{
			MetaReviewID: in.ReviewID,
		},
		IdempotencyKey: in.IdempotencyKey,
		CreatedBy:      "system",
		CreatedAt:      e.now().UTC(),
	}

	return e.post(ctx, entry)
}

// =============================================================================
// REFERRAL BONUS (held)
// =============================================================================

// ReferralEarnInput describes a referee first booking that earns the
// referrer a bonus.
type ReferralEarnInput struct {
	ReferrerID     UserID
	RefereeID      UserID
	ReferralID     string
	BookingID      string
	IdempotencyKey string
}

// EarnReferralBonus posts the referral bonus as a HELD entry: recorded
// in the ledger but excluded from the balance until the confirmation
// window settles it. Enforces the first-booking-only rule (at most one
// REFERRAL_COMPLETED entry per referee, ever) and blocks self-referral.
func (e *EarningEngine) EarnReferralBonus(ctx context.Context, in ReferralEarnInput) (*EarnResult, error) {
	if in.ReferrerID == in.RefereeID {
		return nil, fmt.Errorf("referral %s: %w", in.ReferralID, ErrSelfReferral)
	}

	defer e.locks.Acquire(in.ReferrerID)()

	if res, err := e.replay(ctx, in.ReferrerID, in.IdempotencyKey); res != nil || err != nil {
		return res, err
	}

	entry := LedgerEntry{
		ID:          EntryID(uuid.NewString()),
		UserID:      in.ReferrerID,
		DeltaPoints: ReferralBonusPoints,
		Reason:      ReasonReferralCompleted,
		Status:      EntryHeld,
		Metadata: map[string]string{
			MetaReferralID: in.ReferralID,
			MetaRefereeID:  string(in.RefereeID),
			MetaBookingID:  in.BookingID,
		},
		IdempotencyKey: in.IdempotencyKey,
		CreatedBy:      "system",
		CreatedAt:      e.now().UTC(),
	}

	// First-booking-only: any non-void REFERRAL_COMPLETED entry for this
	// referee, held or posted, blocks another. The check and the append
	// share one transaction, so two referrers racing for the same referee
	// cannot both pass; the store's referee uniqueness guard backstops
	// writers in other processes. Held entries do not touch the balance.
	err := e.store.WithTx(ctx, func(s Store) error {
		prior, err := s.FindByMetadata(ctx, MetaRefereeID, string(in.RefereeID))
		if err != nil {
			return err
		}
		for _, p := range prior {
			if p.Reason == ReasonReferralCompleted && p.Status != EntryVoid {
				return fmt.Errorf("referee %s: %w", in.RefereeID, ErrNotFirstBooking)
			}
		}
		return NewLedger(s).Append(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	balance, err := e.store.Balance(ctx, in.ReferrerID)
	if err != nil {
		return nil, err
	}
	return &EarnResult{Entry: entry, PointsGranted: entry.DeltaPoints, NewBalance: balance}, nil
}

// =============================================================================
// ADMIN CORRECTIONS
// =============================================================================

// Adjust posts a manual ADJUSTMENT entry. Negative adjustments fail
// with ErrInsufficientBalance rather than taking the balance negative.
func (e *EarningEngine) Adjust(ctx context.Context, userID UserID, delta Points, reason, actorID, idem string) (*EarnResult, error) {
	defer e.locks.Acquire(userID)()

	if res, err := e.replay(ctx, userID, idem); res != nil || err != nil {
		return res, err
	}

	entry := LedgerEntry{
		ID:          EntryID(uuid.NewString()),
		UserID:      userID,
		DeltaPoints: delta,
		Reason:      ReasonAdjustment,
		Status:      EntryPosted,
		Metadata: map[string]string{
			"note": reason,
		},
		IdempotencyKey: idem,
		CreatedBy:      actorID,
		CreatedAt:      e.now().UTC(),
	}

	res, err := e.post(ctx, entry)
	if err != nil {
		return nil, err
	}

	e.recordAudit(ctx, AuditAdjustment, actorID, userID, map[string]any{
		"delta": int64(delta),
		"note":  reason,
	})
	return res, nil
}

// Reverse posts a REVERSAL entry undoing a posted entry. The original
// stays in the ledger; the reversal references it via metadata.
func (e *EarningEngine) Reverse(ctx context.Context, entryID EntryID, actorID, idem string) (*EarnResult, error) {
	original, err := e.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if original.Status != EntryPosted {
		return nil, fmt.Errorf("entry %s: %w", entryID, ErrEntryNotSettleable)
	}

	defer e.locks.Acquire(original.UserID)()

	if res, err := e.replay(ctx, original.UserID, idem); res != nil || err != nil {
		return res, err
	}

	entry := LedgerEntry{
		ID:          EntryID(uuid.NewString()),
		UserID:      original.UserID,
		DeltaPoints: -original.DeltaPoints,
		Reason:      ReasonReversal,
		Status:      EntryPosted,
		Metadata: map[string]string{
			MetaReversalOf: string(original.ID),
		},
		IdempotencyKey: idem,
		CreatedBy:      actorID,
		CreatedAt:      e.now().UTC(),
	}

	res, err := e.post(ctx, entry)
	if err != nil {
		return nil, err
	}

	e.recordAudit(ctx, AuditReversal, actorID, original.UserID, map[string]any{
		"reversed_entry": string(original.ID),
		"delta":          int64(entry.DeltaPoints),
	})
	return res, nil
}

// =============================================================================
// INTERNALS
// =============================================================================

// replay resolves an already-processed idempotency key to its original
// result. Returns (nil, nil) for unseen keys.
func (e *EarningEngine) replay(ctx context.Context, userID UserID, key string) (*EarnResult, error) {
	if key == "" {
		return nil, nil
	}
	existing, err := e.store.FindByIdempotencyKey(ctx, key)
	if err != nil || existing == nil {
		return nil, err
	}
	balance, err := e.store.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &EarnResult{Entry: *existing, PointsGranted: existing.DeltaPoints, NewBalance: balance, Replayed: true}, nil
}

// post appends the entry and applies its delta to the balance in one
// store transaction.
func (e *EarningEngine) post(ctx context.Context, entry LedgerEntry) (*EarnResult, error) {
	var newBalance Points
	err := e.store.WithTx(ctx, func(s Store) error {
		if err := NewLedger(s).Append(ctx, entry); err != nil {
			return err
		}
		nb, err := s.ApplyDelta(ctx, entry.UserID, entry.DeltaPoints)
		if err != nil {
			return err
		}
		newBalance = nb
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &EarnResult{Entry: entry, PointsGranted: entry.DeltaPoints, NewBalance: newBalance}, nil
}

func (e *EarningEngine) recordAudit(ctx context.Context, action AuditAction, actorID string, userID UserID, payload map[string]any) {
	if e.audit == nil {
		return
	}
	// Audit failures must not fail the operation.
	_ = e.audit.AppendAudit(ctx, AuditEntry{
		ID:      uuid.NewString(),
		At:      e.now().UTC(),
		ActorID: actorID,
		Action:  action,
		UserID:  userID,
		Payload: payload,
	})
}
