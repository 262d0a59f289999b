package loyalty_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blkpages/loyalty-engine/loyalty"
	"github.com/blkpages/loyalty-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type redemptionFixture struct {
	store      *memory.Store
	earning    *loyalty.EarningEngine
	redemption *loyalty.RedemptionEngine
}

func newRedemptionFixture(t *testing.T) *redemptionFixture {
	t.Helper()
	store := memory.New()
	locks := loyalty.NewUserLocks()
	return &redemptionFixture{
		store:      store,
		earning:    loyalty.NewEarningEngine(store, locks, store),
		redemption: loyalty.NewRedemptionEngine(store, store, locks, store),
	}
}

// seedUser creates a verified account with the given balance.
func (f *redemptionFixture) seedUser(t *testing.T, id loyalty.UserID, balance loyalty.Points, verified bool) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.SaveAccount(ctx, loyalty.Account{
		ID:            id,
		Email:         string(id) + "@example.com",
		PhoneVerified: verified,
	}))
	if balance > 0 {
		_, err := f.earning.Adjust(ctx, id, balance, "test seed", "test", "seed-"+string(id))
		require.NoError(t, err)
	}
}

func pencePtr(p loyalty.Pence) *loyalty.Pence { return &p }

// =============================================================================
// VALIDATION RULES
// =============================================================================

func TestRedeem_BelowMinimum_Rejected(t *testing.T) {
	f := newRedemptionFixture(t)
	f.seedUser(t, "usr-1", 1000, true)

	_, err := f.redemption.Redeem(context.Background(), loyalty.RedeemInput{
		UserID: "usr-1", Points: 499, IdempotencyKey: "rdm-1",
	})
	assert.ErrorIs(t, err, loyalty.ErrBelowMinimumRedemption)
}

func TestRedeem_NotAStepMultiple_Rejected(t *testing.T) {
	// GIVEN: 750 points requested
	// THEN: Rejected - redemption moves in whole £5 steps

	f := newRedemptionFixture(t)
	f.seedUser(t, "usr-1", 1000, true)

	_, err := f.redemption.Redeem(context.Background(), loyalty.RedeemInput{
		UserID: "usr-1", Points: 750, IdempotencyKey: "rdm-1",
	})
	assert.ErrorIs(t, err, loyalty.ErrInvalidIncrement)
}

func TestRedeem_PhoneNotVerified_Rejected(t *testing.T) {
	f := newRedemptionFixture(t)
	f.seedUser(t, "usr-1", 1000, false)

	_, err := f.redemption.Redeem(context.Background(), loyalty.RedeemInput{
		UserID: "usr-1", Points: 500, IdempotencyKey: "rdm-1",
	})
	assert.ErrorIs(t, err, loyalty.ErrPhoneNotVerified)
}

func TestRedeem_InsufficientBalance_Rejected(t *testing.T) {
	f := newRedemptionFixture(t)
	f.seedUser(t, "usr-1", 400, true)

	_, err := f.redemption.Redeem(context.Background(), loyalty.RedeemInput{
		UserID: "usr-1", Points: 500, IdempotencyKey: "rdm-1",
	})
	assert.ErrorIs(t, err, loyalty.ErrInsufficientBalance)

	var detail *loyalty.InsufficientBalanceError
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, loyalty.Points(400), detail.Available)
	assert.Equal(t, loyalty.Points(500), detail.Requested)
}

func TestRedeem_Success(t *testing.T) {
	// GIVEN: 1000 points, verified
	// WHEN: Redeeming 500
	// THEN: £5.00 credit, balance 500, REDEEM entry posted

	f := newRedemptionFixture(t)
	f.seedUser(t, "usr-1", 1000, true)
	ctx := context.Background()

	res, err := f.redemption.Redeem(ctx, loyalty.RedeemInput{
		UserID: "usr-1", Points: 500, IdempotencyKey: "rdm-1",
	})
	require.NoError(t, err)

	assert.Equal(t, loyalty.Pence(500), res.ValuePence)
	assert.Equal(t, "5.00", res.ValuePence.GBP().StringFixed(2))
	assert.Equal(t, loyalty.Points(500), res.NewBalance)
	assert.Equal(t, loyalty.Points(-500), res.Entry.DeltaPoints)
	assert.Equal(t, loyalty.ReasonRedeem, res.Entry.Reason)
}

// =============================================================================
// BOOKING-RELATIVE RULES
// =============================================================================

func TestRedeem_BookingBelowMinimum(t *testing.T) {
	// GIVEN: A £9.50 booking
	// WHEN: Redeeming 500 points against it
	// THEN: BookingBelowMinimum - under the £10 minimum order

	f := newRedemptionFixture(t)
	f.seedUser(t, "usr-1", 1000, true)

	_, err := f.redemption.Redeem(context.Background(), loyalty.RedeemInput{
		UserID:             "usr-1",
		Points:             500,
		IdempotencyKey:     "rdm-1",
		BookingAmountPence: pencePtr(950),
	})
	assert.ErrorIs(t, err, loyalty.ErrBookingBelowMinimum)
}

func TestRedeem_ExactMinimumBooking_Allowed(t *testing.T) {
	// GIVEN: A £10.00 booking
	// WHEN: Redeeming 500 points (£5, exactly 50% of the booking)
	// THEN: Allowed - both boundaries are inclusive

	f := newRedemptionFixture(t)
	f.seedUser(t, "usr-1", 1000, true)

	res, err := f.redemption.Redeem(context.Background(), loyalty.RedeemInput{
		UserID:             "usr-1",
		Points:             500,
		IdempotencyKey:     "rdm-1",
		BookingAmountPence: pencePtr(1000),
	})
	require.NoError(t, err)
	assert.Equal(t, loyalty.Pence(500), res.ValuePence)
}

func TestRedeem_ExceedsHalfOfBooking_Rejected(t *testing.T) {
	// GIVEN: A £40.00 booking
	// WHEN: Redeeming 3000 points (£30)
	// THEN: RedemptionExceedsBookingCap - over 50% of the booking

	f := newRedemptionFixture(t)
	f.seedUser(t, "usr-1", 4000, true)

	_, err := f.redemption.Redeem(context.Background(), loyalty.RedeemInput{
		UserID:             "usr-1",
		Points:             3000,
		IdempotencyKey:     "rdm-1",
		BookingAmountPence: pencePtr(4000),
	})
	assert.ErrorIs(t, err, loyalty.ErrRedemptionExceedsBookingCap)

	var detail *loyalty.BookingRuleError
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, loyalty.Pence(4000), detail.BookingPence)
	assert.Equal(t, loyalty.Pence(3000), detail.ValuePence)
}

// =============================================================================
// ROLLING 30-DAY CAP
// =============================================================================

func TestRedeem_RollingCap(t *testing.T) {
	// GIVEN: 5000 points already redeemed within the window
	// WHEN: Redeeming 500 more
	// THEN: RedemptionCapExceeded
	// AND WHEN: The clock moves past the window
	// THEN: The same redemption succeeds

	f := newRedemptionFixture(t)
	f.seedUser(t, "usr-1", 10000, true)
	ctx := context.Background()

	start := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	now := start
	f.redemption.WithClock(func() time.Time { return now })

	// Exhaust the cap in two chunks.
	_, err := f.redemption.Redeem(ctx, loyalty.RedeemInput{UserID: "usr-1", Points: 2500, IdempotencyKey: "rdm-1"})
	require.NoError(t, err)
	now = start.Add(24 * time.Hour)
	_, err = f.redemption.Redeem(ctx, loyalty.RedeemInput{UserID: "usr-1", Points: 2500, IdempotencyKey: "rdm-2"})
	require.NoError(t, err)

	now = start.Add(48 * time.Hour)
	_, err = f.redemption.Redeem(ctx, loyalty.RedeemInput{UserID: "usr-1", Points: 500, IdempotencyKey: "rdm-3"})
	assert.ErrorIs(t, err, loyalty.ErrRedemptionCapExceeded)

	var detail *loyalty.RedemptionCapError
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, loyalty.Points(5000), detail.Redeemed)

	// 31 days after the first redemption both chunks age out.
	now = start.Add(31 * 24 * time.Hour)
	_, err = f.redemption.Redeem(ctx, loyalty.RedeemInput{UserID: "usr-1", Points: 500, IdempotencyKey: "rdm-4"})
	assert.NoError(t, err)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestRedeem_Replay_ReturnsOriginalResult(t *testing.T) {
	// GIVEN: A 500-point redemption processed under key "rdm-1"
	// WHEN: The key is retried asking for 1000 points
	// THEN: The original 500-point result comes back, no new debit

	f := newRedemptionFixture(t)
	f.seedUser(t, "usr-1", 2000, true)
	ctx := context.Background()

	first, err := f.redemption.Redeem(ctx, loyalty.RedeemInput{
		UserID: "usr-1", Points: 500, IdempotencyKey: "rdm-1",
	})
	require.NoError(t, err)

	second, err := f.redemption.Redeem(ctx, loyalty.RedeemInput{
		UserID: "usr-1", Points: 1000, IdempotencyKey: "rdm-1",
	})
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
	assert.Equal(t, loyalty.Points(500), second.Points)
	assert.Equal(t, loyalty.Points(1500), second.NewBalance, "no second debit")
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestRedeem_ConcurrentDoubleSpend_ExactlyOneSucceeds(t *testing.T) {
	// GIVEN: Balance of exactly 500 points
	// WHEN: Two concurrent 500-point redemptions with distinct keys
	// THEN: Exactly one succeeds; the other fails on balance

	f := newRedemptionFixture(t)
	f.seedUser(t, "usr-1", 500, true)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.redemption.Redeem(ctx, loyalty.RedeemInput{
				UserID:         "usr-1",
				Points:         500,
				IdempotencyKey: map[int]string{0: "rdm-a", 1: "rdm-b"}[i],
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, loyalty.ErrInsufficientBalance)
		}
	}
	assert.Equal(t, 1, succeeded)

	balance, err := f.store.Balance(ctx, "usr-1")
	require.NoError(t, err)
	assert.Equal(t, loyalty.Points(0), balance)
}
