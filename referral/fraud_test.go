package referral_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blkpages/loyalty-engine/loyalty"
	"github.com/blkpages/loyalty-engine/referral"
	"github.com/blkpages/loyalty-engine/store/memory"
)

// =============================================================================
// SIGNUP CHECKS
// =============================================================================

func newGuard(t *testing.T) (*referral.FraudGuard, *memory.Store) {
	t.Helper()
	store := memory.New()
	return referral.NewFraudGuard(store, store, store), store
}

func TestCheckSignup_SameAccount_Blocked(t *testing.T) {
	guard, store := newGuard(t)
	ctx := context.Background()
	require.NoError(t, store.SaveAccount(ctx, loyalty.Account{ID: "usr-1", Email: "a@example.com"}))

	err := guard.CheckSignup(ctx, referral.SignupCheck{
		ReferralID: "rfl-1",
		ReferrerID: "usr-1",
		RefereeID:  "usr-1",
	})
	assert.ErrorIs(t, err, referral.ErrSelfReferralBlocked)
}

func TestCheckSignup_SameEmailDifferentCase_Blocked(t *testing.T) {
	// Email comparison is case-insensitive: A@Example.com is the same
	// person as a@example.com.

	guard, store := newGuard(t)
	ctx := context.Background()
	require.NoError(t, store.SaveAccount(ctx, loyalty.Account{ID: "usr-1", Email: "referrer@example.com"}))

	err := guard.CheckSignup(ctx, referral.SignupCheck{
		ReferralID:   "rfl-1",
		ReferrerID:   "usr-1",
		RefereeID:    "usr-2",
		RefereeEmail: "Referrer@Example.COM",
	})
	assert.ErrorIs(t, err, referral.ErrSelfReferralBlocked)
}

func TestCheckSignup_SamePhoneAsReferrer_Blocked(t *testing.T) {
	guard, store := newGuard(t)
	ctx := context.Background()
	require.NoError(t, store.SaveAccount(ctx, loyalty.Account{ID: "usr-1", Email: "a@example.com", PhoneHash: "ph-shared"}))

	err := guard.CheckSignup(ctx, referral.SignupCheck{
		ReferralID: "rfl-1",
		ReferrerID: "usr-1",
		RefereeID:  "usr-2",
		PhoneHash:  "ph-shared",
	})
	assert.ErrorIs(t, err, referral.ErrSelfReferralBlocked)
}

func TestCheckSignup_PhoneRegisteredElsewhere_Blocked(t *testing.T) {
	// GIVEN: The referee's phone hash belongs to an unrelated existing account
	// THEN: Duplicate-account rejection

	guard, store := newGuard(t)
	ctx := context.Background()
	require.NoError(t, store.SaveAccount(ctx, loyalty.Account{ID: "usr-ref", Email: "ref@example.com"}))
	require.NoError(t, store.SaveAccount(ctx, loyalty.Account{ID: "usr-old", Email: "old@example.com", PhoneHash: "ph-taken"}))

	err := guard.CheckSignup(ctx, referral.SignupCheck{
		ReferralID: "rfl-1",
		ReferrerID: "usr-ref",
		RefereeID:  "usr-new",
		PhoneHash:  "ph-taken",
	})
	assert.ErrorIs(t, err, referral.ErrDuplicatePhone)
}

func TestCheckSignup_KnownDevice_Blocked(t *testing.T) {
	guard, store := newGuard(t)
	ctx := context.Background()
	require.NoError(t, store.SaveAccount(ctx, loyalty.Account{ID: "usr-ref", Email: "ref@example.com"}))
	require.NoError(t, store.SaveAccount(ctx, loyalty.Account{ID: "usr-old", Email: "old@example.com", DeviceFingerprint: "dev-1"}))

	err := guard.CheckSignup(ctx, referral.SignupCheck{
		ReferralID:        "rfl-1",
		ReferrerID:        "usr-ref",
		RefereeID:         "usr-new",
		DeviceFingerprint: "dev-1",
	})
	assert.ErrorIs(t, err, referral.ErrDuplicateDevice)
}

func TestCheckSignup_KnownPaymentCard_Blocked(t *testing.T) {
	guard, store := newGuard(t)
	ctx := context.Background()
	require.NoError(t, store.SaveAccount(ctx, loyalty.Account{ID: "usr-ref", Email: "ref@example.com"}))
	require.NoError(t, store.SaveAccount(ctx, loyalty.Account{ID: "usr-old", Email: "old@example.com", PaymentHash: "card-1"}))

	err := guard.CheckSignup(ctx, referral.SignupCheck{
		ReferralID:  "rfl-1",
		ReferrerID:  "usr-ref",
		RefereeID:   "usr-new",
		PaymentHash: "card-1",
	})
	assert.ErrorIs(t, err, referral.ErrDuplicatePaymentMethod)
}

func TestCheckSignup_CleanReferee_Passes(t *testing.T) {
	guard, store := newGuard(t)
	ctx := context.Background()
	require.NoError(t, store.SaveAccount(ctx, loyalty.Account{ID: "usr-ref", Email: "ref@example.com", PhoneHash: "ph-ref"}))

	err := guard.CheckSignup(ctx, referral.SignupCheck{
		ReferralID:        "rfl-1",
		ReferrerID:        "usr-ref",
		RefereeID:         "usr-new",
		RefereeEmail:      "new@example.com",
		PhoneHash:         "ph-new",
		DeviceFingerprint: "dev-new",
		PaymentHash:       "card-new",
	})
	assert.NoError(t, err)
}

// =============================================================================
// AUDIT TRAIL
// =============================================================================

func TestCheckSignup_RejectionIsAudited(t *testing.T) {
	// The rejection must land in the audit log with its cause; the
	// caller-facing error is for the API layer to collapse, not skip.

	guard, store := newGuard(t)
	ctx := context.Background()
	require.NoError(t, store.SaveAccount(ctx, loyalty.Account{ID: "usr-1", Email: "a@example.com"}))

	_ = guard.CheckSignup(ctx, referral.SignupCheck{
		ReferralID: "rfl-1",
		ReferrerID: "usr-1",
		RefereeID:  "usr-1",
	})

	audits, err := store.QueryAudit(ctx, loyalty.AuditFilter{
		Actions: []loyalty.AuditAction{loyalty.AuditFraudRejected},
	})
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "fraud-guard", audits[0].ActorID)
	assert.Equal(t, "rfl-1", audits[0].Payload["referral_id"])
}

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

func TestIsFraudError(t *testing.T) {
	assert.True(t, referral.IsFraudError(referral.ErrSelfReferralBlocked))
	assert.True(t, referral.IsFraudError(referral.ErrDuplicatePhone))
	assert.True(t, referral.IsFraudError(referral.ErrDuplicateDevice))
	assert.True(t, referral.IsFraudError(referral.ErrDuplicatePaymentMethod))
	assert.True(t, referral.IsFraudError(loyalty.ErrSelfReferral))
	assert.True(t, referral.IsFraudError(loyalty.ErrNotFirstBooking))

	assert.False(t, referral.IsFraudError(loyalty.ErrInsufficientBalance))
	assert.False(t, referral.IsFraudError(nil))
}
