/*
handlers_test.go - Unit tests for API handlers

Tests for:
- Points status endpoint shape
- Redemption endpoint (success and rule violations)
- Fraud-silent referral signup responses
- Booking-completed event flow
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/blkpages/loyalty-engine/loyalty"
	"github.com/blkpages/loyalty-engine/referral"
	"github.com/blkpages/loyalty-engine/store/memory"
)

func newTestServer(t *testing.T) (*httptest.Server, *memory.Store) {
	store := memory.New()
	server := httptest.NewServer(NewRouter(NewHandler(store)))
	t.Cleanup(server.Close)
	return server, store
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return out
}

func TestPointsStatusEndpoint(t *testing.T) {
	// GIVEN: A verified user with 750 points
	server, store := newTestServer(t)
	ctx := context.Background()

	if err := store.SaveAccount(ctx, loyalty.Account{ID: "usr-1", PhoneVerified: true}); err != nil {
		t.Fatalf("Failed to save account: %v", err)
	}
	earning := loyalty.NewEarningEngine(store, loyalty.NewUserLocks(), store)
	if _, err := earning.Adjust(ctx, "usr-1", 750, "seed", "test", "seed-1"); err != nil {
		t.Fatalf("Failed to seed balance: %v", err)
	}

	// WHEN: Fetching the status
	resp, err := http.Get(server.URL + "/api/users/usr-1/points")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	// THEN: The dashboard fields are populated
	status := decode[PointsStatusDTO](t, resp)
	if status.Points != 750 {
		t.Errorf("Expected 750 points, got %d", status.Points)
	}
	if status.GBPValue != "7.50" {
		t.Errorf("Expected gbp_value 7.50, got %s", status.GBPValue)
	}
	if status.MinRedeemGBP != "5.00" {
		t.Errorf("Expected min_redeem_gbp 5.00, got %s", status.MinRedeemGBP)
	}
	if !status.CanRedeem {
		t.Error("Expected can_redeem true")
	}
	if status.RedemptionCap.Max != 5000 {
		t.Errorf("Expected cap max 5000, got %d", status.RedemptionCap.Max)
	}
}

func TestRedeemEndpoint_Success(t *testing.T) {
	server, store := newTestServer(t)
	ctx := context.Background()

	if err := store.SaveAccount(ctx, loyalty.Account{ID: "usr-1", PhoneVerified: true}); err != nil {
		t.Fatalf("Failed to save account: %v", err)
	}
	earning := loyalty.NewEarningEngine(store, loyalty.NewUserLocks(), store)
	if _, err := earning.Adjust(ctx, "usr-1", 1000, "seed", "test", "seed-1"); err != nil {
		t.Fatalf("Failed to seed balance: %v", err)
	}

	resp := postJSON(t, server.URL+"/api/users/usr-1/redeem", RedeemRequest{
		Points:         500,
		IdempotencyKey: "rdm-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	out := decode[RedeemResponse](t, resp)
	if out.ValueGBP != "5.00" {
		t.Errorf("Expected value_gbp 5.00, got %s", out.ValueGBP)
	}
	if out.NewBalance != 500 {
		t.Errorf("Expected new_balance 500, got %d", out.NewBalance)
	}
}

func TestRedeemEndpoint_RuleViolations(t *testing.T) {
	server, store := newTestServer(t)
	ctx := context.Background()

	if err := store.SaveAccount(ctx, loyalty.Account{ID: "usr-1", PhoneVerified: true}); err != nil {
		t.Fatalf("Failed to save account: %v", err)
	}
	earning := loyalty.NewEarningEngine(store, loyalty.NewUserLocks(), store)
	if _, err := earning.Adjust(ctx, "usr-1", 400, "seed", "test", "seed-1"); err != nil {
		t.Fatalf("Failed to seed balance: %v", err)
	}

	// Below the minimum: a validation problem, 422.
	resp := postJSON(t, server.URL+"/api/users/usr-1/redeem", RedeemRequest{
		Points: 100, IdempotencyKey: "rdm-1",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for below-minimum, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Insufficient balance: account state, 409.
	resp = postJSON(t, server.URL+"/api/users/usr-1/redeem", RedeemRequest{
		Points: 500, IdempotencyKey: "rdm-2",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 for insufficient balance, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestReferralSignup_FraudRejectionIsSilent(t *testing.T) {
	// GIVEN: A referral whose referee is the referrer (self-referral)
	server, store := newTestServer(t)
	ctx := context.Background()

	if err := store.SaveAccount(ctx, loyalty.Account{ID: "usr-1", Email: "a@example.com"}); err != nil {
		t.Fatalf("Failed to save account: %v", err)
	}

	click := postJSON(t, server.URL+"/api/referrals/click", ReferralClickRequest{ReferrerID: "usr-1"})
	if click.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201 for click, got %d", click.StatusCode)
	}
	ref := decode[ReferralDTO](t, click)

	// WHEN: The fraudulent signup posts
	resp := postJSON(t, server.URL+"/api/referrals/signup", ReferralSignupRequest{
		ReferralID: ref.ID,
		RefereeID:  "usr-1",
	})

	// THEN: Same 200 body as a clean signup - nothing reveals the rejection
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if body["status"] != "recorded" {
		t.Errorf("Expected generic status, got %v", body)
	}

	// But the audit trail has it.
	audits, err := store.QueryAudit(ctx, loyalty.AuditFilter{
		Actions: []loyalty.AuditAction{loyalty.AuditFraudRejected},
	})
	if err != nil {
		t.Fatalf("Failed to query audit: %v", err)
	}
	if len(audits) != 1 {
		t.Errorf("Expected 1 fraud audit entry, got %d", len(audits))
	}
}

func TestSuspiciousReferrersEndpoint_IncludesReferrals(t *testing.T) {
	// GIVEN: A referrer with six signups all from one device
	server, store := newTestServer(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 6; i++ {
		if err := store.SaveReferral(ctx, referral.Record{
			ID:                fmt.Sprintf("rfl-%d", i),
			ReferrerID:        "usr-farm",
			RefereeID:         loyalty.UserID(fmt.Sprintf("usr-new-%d", i)),
			Status:            referral.StatusSignedUp,
			DeviceFingerprint: "dev-shared",
			PhoneHash:         fmt.Sprintf("ph-%d", i),
			CreatedAt:         now,
			UpdatedAt:         now,
		}); err != nil {
			t.Fatalf("Failed to save referral: %v", err)
		}
	}

	// WHEN: Fetching the monitoring report
	resp, err := http.Get(server.URL + "/api/admin/referrals/suspicious")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	// THEN: The flagged row carries the underlying referrals for review
	rows := decode[[]SuspiciousReferrerDTO](t, resp)
	if len(rows) != 1 {
		t.Fatalf("Expected 1 flagged referrer, got %d", len(rows))
	}
	if rows[0].ReferrerID != "usr-farm" {
		t.Errorf("Expected usr-farm flagged, got %s", rows[0].ReferrerID)
	}
	if rows[0].UniqueDevices != 1 {
		t.Errorf("Expected 1 unique device, got %d", rows[0].UniqueDevices)
	}
	if len(rows[0].Referrals) != 6 {
		t.Fatalf("Expected 6 referrals in the report row, got %d", len(rows[0].Referrals))
	}
	if rows[0].Referrals[0].ReferrerID != "usr-farm" {
		t.Errorf("Expected referral rows for usr-farm, got %s", rows[0].Referrals[0].ReferrerID)
	}
}

func TestBookingCompletedEvent_GrantsPoints(t *testing.T) {
	server, store := newTestServer(t)
	ctx := context.Background()

	if err := store.SaveAccount(ctx, loyalty.Account{ID: "usr-1"}); err != nil {
		t.Fatalf("Failed to save account: %v", err)
	}

	resp := postJSON(t, server.URL+"/api/bookings", CreateBookingRequest{
		ID: "bkg-1", UserID: "usr-1", AmountPence: 4599,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, server.URL+"/api/events/booking-completed", BookingCompletedRequest{
		BookingID: "bkg-1", IdempotencyKey: "evt-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	out := decode[EarnResponse](t, resp)
	if out.Points != 45 {
		t.Errorf("Expected 45 points for a £45.99 booking, got %d", out.Points)
	}

	balance, err := store.Balance(ctx, "usr-1")
	if err != nil {
		t.Fatalf("Failed to read balance: %v", err)
	}
	if balance != 45 {
		t.Errorf("Expected balance 45, got %d", balance)
	}
}
