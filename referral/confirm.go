/*
confirm.go - Pending-bonus confirmation sweep

PURPOSE:
  Referral bonuses sit in pending_confirmation for 24 hours after the
  referee's first booking completes. This sweep scans the due records
  and settles each one:

    booking still completed  -> confirmed: entry held->posted, balance
                                           credited
    booking cancelled/refunded -> cancelled: entry held->void, no credit
                                             ever happens

DESIGN:
  One periodic scan over all due records, not per-referral timers -
  resource usage stays bounded no matter how many referrals exist.

MULTI-INSTANCE SAFETY:
  The compare-and-set on referral status is the confirmation gate. Only
  the instance that wins pending_confirmation -> confirmed performs the
  credit, so concurrent sweeps never double-credit.

SEE ALSO:
  - engine.go: opens the window
  - api/sweeper.go: the background loop driving Run
*/
package referral

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/blkpages/loyalty-engine/loyalty"
)

// ConfirmationSweep settles due pending_confirmation referrals.
type ConfirmationSweep struct {
	referrals Store
	loyal     loyalty.TxStore
	bookings  loyalty.BookingStore
	audit     loyalty.AuditLog
	now       func() time.Time
}

func NewConfirmationSweep(referrals Store, loyal loyalty.TxStore, bookings loyalty.BookingStore, audit loyalty.AuditLog) *ConfirmationSweep {
	return &ConfirmationSweep{referrals: referrals, loyal: loyal, bookings: bookings, audit: audit, now: time.Now}
}

// WithClock overrides the sweep clock. Test hook.
func (s *ConfirmationSweep) WithClock(now func() time.Time) *ConfirmationSweep {
	s.now = now
	return s
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Confirmed int
	Cancelled int
	Skipped   int // lost the CAS race or errored; retried next pass
}

// Run performs one sweep pass over all due records.
func (s *ConfirmationSweep) Run(ctx context.Context) (SweepResult, error) {
	now := s.now().UTC()

	due, err := s.referrals.ListDueForConfirmation(ctx, now)
	if err != nil {
		return SweepResult{}, err
	}

	var result SweepResult
	for _, rec := range due {
		booking, err := s.bookings.GetBooking(ctx, rec.FirstBookingID)
		if err != nil {
			log.Printf("[Sweep] referral %s: booking lookup failed: %v", rec.ID, err)
			result.Skipped++
			continue
		}

		if booking.Status == loyalty.BookingCompleted {
			if err := s.confirm(ctx, rec); err != nil {
				if err == errLostRace {
					result.Skipped++
				} else {
					log.Printf("[Sweep] referral %s: confirm failed: %v", rec.ID, err)
					result.Skipped++
				}
				continue
			}
			result.Confirmed++
		} else {
			if err := s.cancel(ctx, rec); err != nil {
				if err == errLostRace {
					result.Skipped++
				} else {
					log.Printf("[Sweep] referral %s: cancel failed: %v", rec.ID, err)
					result.Skipped++
				}
				continue
			}
			result.Cancelled++
		}
	}

	if result.Confirmed > 0 || result.Cancelled > 0 {
		log.Printf("[Sweep] settled %d referrals: %d confirmed, %d cancelled, %d skipped",
			result.Confirmed+result.Cancelled, result.Confirmed, result.Cancelled, result.Skipped)
	}
	return result, nil
}

var errLostRace = loyalty.ErrConcurrentModification

// confirm credits the held bonus. The CAS must win before any money
// moves; the settle+credit pair is then atomic in the loyalty store.
func (s *ConfirmationSweep) confirm(ctx context.Context, rec Record) error {
	ok, err := s.referrals.TransitionStatus(ctx, rec.ID, StatusPendingConfirmation, StatusConfirmed)
	if err != nil {
		return err
	}
	if !ok {
		return errLostRace
	}

	err = s.loyal.WithTx(ctx, func(st loyalty.Store) error {
		entry, err := st.GetEntry(ctx, rec.BonusEntryID)
		if err != nil {
			return err
		}
		if err := st.SettleEntry(ctx, rec.BonusEntryID, loyalty.EntryPosted); err != nil {
			return err
		}
		_, err = st.ApplyDelta(ctx, rec.ReferrerID, entry.DeltaPoints)
		return err
	})
	if err != nil {
		return err
	}

	s.recordAudit(ctx, loyalty.AuditReferralConfirmed, rec)
	return nil
}

// cancel voids the held bonus; no credit ever happens.
func (s *ConfirmationSweep) cancel(ctx context.Context, rec Record) error {
	ok, err := s.referrals.TransitionStatus(ctx, rec.ID, StatusPendingConfirmation, StatusCancelled)
	if err != nil {
		return err
	}
	if !ok {
		return errLostRace
	}

	if err := s.loyal.SettleEntry(ctx, rec.BonusEntryID, loyalty.EntryVoid); err != nil {
		return err
	}

	s.recordAudit(ctx, loyalty.AuditReferralCancelled, rec)
	return nil
}

func (s *ConfirmationSweep) recordAudit(ctx context.Context, action loyalty.AuditAction, rec Record) {
	if s.audit == nil {
		return
	}
	_ = s.audit.AppendAudit(ctx, loyalty.AuditEntry{
		ID:      uuid.NewString(),
		At:      s.now().UTC(),
		ActorID: "confirmation-sweep",
		Action:  action,
		UserID:  rec.ReferrerID,
		Payload: map[string]any{
			"referral_id": rec.ID,
			"booking_id":  rec.FirstBookingID,
			"entry_id":    string(rec.BonusEntryID),
		},
	})
}
