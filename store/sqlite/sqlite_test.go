package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blkpages/loyalty-engine/loyalty"
	"github.com/blkpages/loyalty-engine/referral"
	"github.com/blkpages/loyalty-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testEntry(id, user string, delta loyalty.Points, idem string) loyalty.LedgerEntry {
	return loyalty.LedgerEntry{
		ID:             loyalty.EntryID(id),
		UserID:         loyalty.UserID(user),
		DeltaPoints:    delta,
		Reason:         loyalty.ReasonBookingCompleted,
		Status:         loyalty.EntryPosted,
		Metadata:       map[string]string{loyalty.MetaBookingID: "bkg-" + id},
		IdempotencyKey: idem,
		CreatedBy:      "system",
		CreatedAt:      time.Now().UTC(),
	}
}

// =============================================================================
// LEDGER PERSISTENCE
// =============================================================================

func TestSQLite_AppendAndReadBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := testEntry("e-1", "usr-1", 45, "key-1")
	require.NoError(t, store.AppendEntry(ctx, e))

	got, err := store.GetEntry(ctx, "e-1")
	require.NoError(t, err)

	assert.Equal(t, e.UserID, got.UserID)
	assert.Equal(t, e.DeltaPoints, got.DeltaPoints)
	assert.Equal(t, e.Reason, got.Reason)
	assert.Equal(t, e.Metadata, got.Metadata)
	assert.Equal(t, e.IdempotencyKey, got.IdempotencyKey)
}

func TestSQLite_DuplicateIdempotencyKey_UniqueConstraint(t *testing.T) {
	// The unique index is the real guard: even a caller that skips the
	// engine-level check cannot land two entries under one key.

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendEntry(ctx, testEntry("e-1", "usr-1", 10, "key-1")))

	err := store.AppendEntry(ctx, testEntry("e-2", "usr-1", 10, "key-1"))
	assert.ErrorIs(t, err, loyalty.ErrDuplicateIdempotencyKey)
}

func TestSQLite_EmptyIdempotencyKeys_DoNotCollide(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendEntry(ctx, testEntry("e-1", "usr-1", 10, "")))
	assert.NoError(t, store.AppendEntry(ctx, testEntry("e-2", "usr-1", 10, "")))
}

func TestSQLite_FindByMetadata(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := testEntry("e-1", "usr-1", 25, "key-1")
	e.Reason = loyalty.ReasonReviewVerified
	e.Metadata = map[string]string{loyalty.MetaReviewID: "rev-42"}
	require.NoError(t, store.AppendEntry(ctx, e))
	require.NoError(t, store.AppendEntry(ctx, testEntry("e-2", "usr-2", 10, "key-2")))

	matches, err := store.FindByMetadata(ctx, loyalty.MetaReviewID, "rev-42")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, loyalty.EntryID("e-1"), matches[0].ID)

	none, err := store.FindByMetadata(ctx, loyalty.MetaReviewID, "rev-43")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLite_SecondReferralBonusForReferee_UniqueIndex(t *testing.T) {
	// The partial unique index on the referee metadata enforces one live
	// referral bonus per referee at the database level.

	store := newTestStore(t)
	ctx := context.Background()

	bonus := func(id, referrer, idem string) loyalty.LedgerEntry {
		e := testEntry(id, referrer, 100, idem)
		e.Reason = loyalty.ReasonReferralCompleted
		e.Status = loyalty.EntryHeld
		e.Metadata = map[string]string{loyalty.MetaRefereeID: "usr-new"}
		return e
	}

	require.NoError(t, store.AppendEntry(ctx, bonus("e-1", "usr-ref-a", "key-1")))

	err := store.AppendEntry(ctx, bonus("e-2", "usr-ref-b", "key-2"))
	assert.ErrorIs(t, err, loyalty.ErrNotFirstBooking)

	// Voiding removes the entry from the partial index.
	require.NoError(t, store.SettleEntry(ctx, "e-1", loyalty.EntryVoid))
	assert.NoError(t, store.AppendEntry(ctx, bonus("e-3", "usr-ref-b", "key-3")))
}

func TestSQLite_SettleEntry_ExactlyOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	held := testEntry("e-1", "usr-1", 100, "key-1")
	held.Status = loyalty.EntryHeld
	require.NoError(t, store.AppendEntry(ctx, held))

	require.NoError(t, store.SettleEntry(ctx, "e-1", loyalty.EntryVoid))

	err := store.SettleEntry(ctx, "e-1", loyalty.EntryPosted)
	assert.ErrorIs(t, err, loyalty.ErrEntryNotSettleable)

	err = store.SettleEntry(ctx, "e-missing", loyalty.EntryPosted)
	assert.ErrorIs(t, err, loyalty.ErrEntryNotFound)
}

// =============================================================================
// BALANCES
// =============================================================================

func TestSQLite_ApplyDelta_GuardsAgainstNegative(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	balance, err := store.ApplyDelta(ctx, "usr-1", 100)
	require.NoError(t, err)
	assert.Equal(t, loyalty.Points(100), balance)

	_, err = store.ApplyDelta(ctx, "usr-1", -150)
	assert.ErrorIs(t, err, loyalty.ErrInsufficientBalance)

	// First-ever delta for a user cannot be a debit either.
	_, err = store.ApplyDelta(ctx, "usr-fresh", -10)
	assert.ErrorIs(t, err, loyalty.ErrInsufficientBalance)
}

func TestSQLite_WithTx_RollbackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(s loyalty.Store) error {
		if err := s.AppendEntry(ctx, testEntry("e-1", "usr-1", 100, "key-1")); err != nil {
			return err
		}
		if _, err := s.ApplyDelta(ctx, "usr-1", 100); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	balance, err := store.Balance(ctx, "usr-1")
	require.NoError(t, err)
	assert.Equal(t, loyalty.Points(0), balance)

	_, err = store.GetEntry(ctx, "e-1")
	assert.ErrorIs(t, err, loyalty.ErrEntryNotFound)
}

// =============================================================================
// REFERRALS
// =============================================================================

func TestSQLite_TransitionStatus_CAS(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.SaveReferral(ctx, referral.Record{
		ID:         "rfl-1",
		ReferrerID: "usr-1",
		Status:     referral.StatusPendingConfirmation,
		CreatedAt:  now,
		UpdatedAt:  now,
	}))

	ok, err := store.TransitionStatus(ctx, "rfl-1", referral.StatusPendingConfirmation, referral.StatusConfirmed)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.TransitionStatus(ctx, "rfl-1", referral.StatusPendingConfirmation, referral.StatusCancelled)
	require.NoError(t, err)
	assert.False(t, ok, "losing the race reports false, not an error")
}

func TestSQLite_DeviceSeen_CoversAccountsAndReferrals(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seen, err := store.DeviceSeen(ctx, "dev-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, store.SaveAccount(ctx, loyalty.Account{ID: "usr-1", DeviceFingerprint: "dev-1"}))
	seen, err = store.DeviceSeen(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, seen)

	require.NoError(t, store.SaveReferral(ctx, referral.Record{
		ID: "rfl-1", ReferrerID: "usr-2", Status: referral.StatusSignedUp,
		DeviceFingerprint: "dev-2", CreatedAt: now, UpdatedAt: now,
	}))
	seen, err = store.DeviceSeen(ctx, "dev-2")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestSQLite_ListDueForConfirmation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	save := func(id string, status referral.Status, confirmAt time.Time) {
		require.NoError(t, store.SaveReferral(ctx, referral.Record{
			ID: id, ReferrerID: "usr-1", Status: status,
			ConfirmAt: confirmAt, CreatedAt: now, UpdatedAt: now,
		}))
	}

	save("due", referral.StatusPendingConfirmation, now.Add(-time.Hour))
	save("not-yet", referral.StatusPendingConfirmation, now.Add(time.Hour))
	save("settled", referral.StatusConfirmed, now.Add(-time.Hour))

	due, err := store.ListDueForConfirmation(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].ID)
}
