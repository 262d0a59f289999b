/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  GBP amounts are serialized as fixed two-decimal strings ("5.00") to
  keep floats out of the contract. Point counts are plain integers.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - loyalty/balance.go: Summary, the source of PointsStatusDTO
*/
package api

import (
	"time"

	"github.com/blkpages/loyalty-engine/loyalty"
	"github.com/blkpages/loyalty-engine/referral"
)

// =============================================================================
// USER TYPES
// =============================================================================

// UserDTO represents a platform account in API responses.
type UserDTO struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	PhoneVerified bool   `json:"phone_verified"`
	CreatedAt     string `json:"created_at,omitempty"`
}

// CreateUserRequest is the request to create an account.
type CreateUserRequest struct {
	ID                string `json:"id"`
	Email             string `json:"email"`
	PhoneHash         string `json:"phone_hash,omitempty"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
	PaymentHash       string `json:"payment_hash,omitempty"`
}

// =============================================================================
// POINTS STATUS
// =============================================================================

// PointsStatusDTO is the dashboard view of a user's points.
type PointsStatusDTO struct {
	UserID          string           `json:"user_id"`
	Points          int64            `json:"points"`
	GBPValue        string           `json:"gbp_value"`
	MinRedeemPoints int64            `json:"min_redeem_points"`
	MinRedeemGBP    string           `json:"min_redeem_gbp"`
	CanRedeem       bool             `json:"can_redeem"`
	IsVerified      bool             `json:"is_verified"`
	RedemptionCap   RedemptionCapDTO `json:"redemption_cap"`
}

// RedemptionCapDTO describes the 30-day rolling redemption cap position.
type RedemptionCapDTO struct {
	Max        int64   `json:"max"`
	Redeemed   int64   `json:"redeemed"`
	Remaining  int64   `json:"remaining"`
	Percentage float64 `json:"percentage"`
}

func toPointsStatusDTO(s *loyalty.Summary) PointsStatusDTO {
	return PointsStatusDTO{
		UserID:          string(s.UserID),
		Points:          int64(s.Points),
		GBPValue:        s.GBPValue.StringFixed(2),
		MinRedeemPoints: int64(s.MinRedeemPoints),
		MinRedeemGBP:    s.MinRedeemGBP.StringFixed(2),
		CanRedeem:       s.CanRedeem,
		IsVerified:      s.IsVerified,
		RedemptionCap: RedemptionCapDTO{
			Max:        int64(s.Cap.Max),
			Redeemed:   int64(s.Cap.Redeemed),
			Remaining:  int64(s.Cap.Remaining),
			Percentage: s.Cap.Percentage,
		},
	}
}

// =============================================================================
// LEDGER TYPES
// =============================================================================

// EntryDTO represents a ledger entry.
type EntryDTO struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Delta     int64             `json:"delta_points"`
	Reason    string            `json:"reason"`
	Status    string            `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedBy string            `json:"created_by,omitempty"`
	CreatedAt string            `json:"created_at"`
}

func toEntryDTO(e loyalty.LedgerEntry) EntryDTO {
	return EntryDTO{
		ID:        string(e.ID),
		UserID:    string(e.UserID),
		Delta:     int64(e.DeltaPoints),
		Reason:    string(e.Reason),
		Status:    string(e.Status),
		Metadata:  e.Metadata,
		CreatedBy: e.CreatedBy,
		CreatedAt: e.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// REDEMPTION TYPES
// =============================================================================

// RedeemRequest is the request to redeem points against a booking.
type RedeemRequest struct {
	Points         int64  `json:"points"`
	IdempotencyKey string `json:"idempotency_key"`

	// Either a booking id (amount looked up) or an explicit amount.
	BookingID          string `json:"booking_id,omitempty"`
	BookingAmountPence *int64 `json:"booking_amount_pence,omitempty"`
}

// RedeemResponse is the outcome of a redemption.
type RedeemResponse struct {
	Entry      EntryDTO `json:"entry"`
	Points     int64    `json:"points"`
	ValueGBP   string   `json:"value_gbp"`
	NewBalance int64    `json:"new_balance"`
	Replayed   bool     `json:"replayed"`
}

// =============================================================================
// BOOKING AND EVENT TYPES
// =============================================================================

// CreateBookingRequest records a booking in the points mirror.
type CreateBookingRequest struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	AmountPence int64  `json:"amount_pence"`
}

// BookingCompletedRequest is the booking-completion event.
type BookingCompletedRequest struct {
	BookingID      string `json:"booking_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// EarnResponse is the outcome of an earning event.
type EarnResponse struct {
	Entry      EntryDTO `json:"entry"`
	Points     int64    `json:"points_granted"`
	NewBalance int64    `json:"new_balance"`
	Replayed   bool     `json:"replayed"`
}

func toEarnResponse(res *loyalty.EarnResult) EarnResponse {
	return EarnResponse{
		Entry:      toEntryDTO(res.Entry),
		Points:     int64(res.PointsGranted),
		NewBalance: int64(res.NewBalance),
		Replayed:   res.Replayed,
	}
}

// ReviewVerifiedRequest is the review-verification event.
type ReviewVerifiedRequest struct {
	UserID         string `json:"user_id"`
	ReviewID       string `json:"review_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// =============================================================================
// REFERRAL TYPES
// =============================================================================

// ReferralClickRequest records a referral link click.
type ReferralClickRequest struct {
	ReferrerID string `json:"referrer_id"`
}

// ReferralSignupRequest is sent when the referred account is created.
type ReferralSignupRequest struct {
	ReferralID        string `json:"referral_id"`
	RefereeID         string `json:"referee_id"`
	RefereeEmail      string `json:"referee_email,omitempty"`
	PhoneHash         string `json:"phone_hash,omitempty"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
	PaymentHash       string `json:"payment_hash,omitempty"`
	IPAddress         string `json:"ip_address,omitempty"`
}

// ReferralDTO represents a referral record.
type ReferralDTO struct {
	ID             string `json:"id"`
	ReferrerID     string `json:"referrer_id"`
	RefereeID      string `json:"referee_id,omitempty"`
	Status         string `json:"status"`
	FirstBookingID string `json:"first_booking_id,omitempty"`
	ConfirmAt      string `json:"confirm_at,omitempty"`
	CreatedAt      string `json:"created_at"`
}

func toReferralDTO(r referral.Record) ReferralDTO {
	dto := ReferralDTO{
		ID:             r.ID,
		ReferrerID:     string(r.ReferrerID),
		RefereeID:      string(r.RefereeID),
		Status:         string(r.Status),
		FirstBookingID: r.FirstBookingID,
		CreatedAt:      r.CreatedAt.Format(time.RFC3339),
	}
	if !r.ConfirmAt.IsZero() {
		dto.ConfirmAt = r.ConfirmAt.Format(time.RFC3339)
	}
	return dto
}

// SuspiciousReferrerDTO is one row of the admin monitoring report,
// including the referrals behind the score for manual review.
type SuspiciousReferrerDTO struct {
	ReferrerID    string        `json:"referrer_id"`
	TotalRefs     int           `json:"total_referrals"`
	UniqueDevices int           `json:"unique_devices"`
	UniquePhones  int           `json:"unique_phones"`
	DeviceRatio   float64       `json:"device_ratio"`
	PhoneRatio    float64       `json:"phone_ratio"`
	RiskScore     int           `json:"risk_score"`
	Referrals     []ReferralDTO `json:"referrals"`
}

func toSuspiciousReferrerDTO(r referral.ReferrerReport) SuspiciousReferrerDTO {
	referrals := make([]ReferralDTO, 0, len(r.Referrals))
	for _, rec := range r.Referrals {
		referrals = append(referrals, toReferralDTO(rec))
	}
	return SuspiciousReferrerDTO{
		ReferrerID:    string(r.ReferrerID),
		TotalRefs:     r.TotalRefs,
		UniqueDevices: r.UniqueDevices,
		UniquePhones:  r.UniquePhones,
		DeviceRatio:   r.DeviceRatio,
		PhoneRatio:    r.PhoneRatio,
		RiskScore:     r.RiskScore,
		Referrals:     referrals,
	}
}

// =============================================================================
// ADMIN TYPES
// =============================================================================

// AdjustmentRequest is a manual balance adjustment.
type AdjustmentRequest struct {
	UserID         string `json:"user_id"`
	Delta          int64  `json:"delta_points"`
	Reason         string `json:"reason"`
	ActorID        string `json:"actor_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// ReversalRequest undoes a posted ledger entry.
type ReversalRequest struct {
	EntryID        string `json:"entry_id"`
	ActorID        string `json:"actor_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// SweepResponse summarizes a manually triggered confirmation sweep.
type SweepResponse struct {
	Confirmed int `json:"confirmed"`
	Cancelled int `json:"cancelled"`
	Skipped   int `json:"skipped"`
}

// AuditEntryDTO represents an audit log entry.
type AuditEntryDTO struct {
	ID      string         `json:"id"`
	At      string         `json:"at"`
	ActorID string         `json:"actor_id,omitempty"`
	Action  string         `json:"action"`
	UserID  string         `json:"user_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
