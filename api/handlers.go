/*
handlers.go - HTTP API handlers for the points and referral engine

PURPOSE:
  Exposes the loyalty engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Users:
    POST   /api/users                      Create account
    GET    /api/users/{id}                 Get account
    POST   /api/users/{id}/verify-phone    Mark mobile number verified
    GET    /api/users/{id}/points          Points status (dashboard)
    GET    /api/users/{id}/transactions    Ledger history
    POST   /api/users/{id}/redeem          Redeem points

  Bookings:
    POST   /api/bookings                   Record booking
    POST   /api/bookings/{id}/cancel       Mark booking cancelled

  Events (from the booking/review subsystems):
    POST   /api/events/booking-completed   Grant booking points
    POST   /api/events/review-verified     Grant review bonus

  Referrals:
    POST   /api/referrals/click            Record link click
    POST   /api/referrals/signup           Referred account created
    GET    /api/referrals/{id}             Referral status

  Admin:
    GET    /api/admin/referrals/suspicious Suspicious-referrer report
    POST   /api/admin/sweep                Run confirmation sweep now
    POST   /api/admin/adjustments          Manual balance adjustment
    POST   /api/admin/reversals            Reverse a posted entry
    GET    /api/admin/audit                Audit trail

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 402: Insufficient balance
  - 404: Resource not found
  - 409: Conflict (duplicate bonus, lost race)
  - 422: Redemption rule violations
  - 500: Internal errors

  Fraud rejections are the exception: the signup response never reveals
  which check fired, or that one fired at all. The rejection lands in
  the audit log instead.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/blkpages/loyalty-engine/loyalty"
	"github.com/blkpages/loyalty-engine/referral"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Backend is the storage surface the handlers need. Both the SQLite and
// the in-memory store satisfy it.
type Backend interface {
	loyalty.TxStore
	loyalty.AccountStore
	loyalty.BookingStore
	loyalty.AuditLog
	referral.Store
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store Backend

	earning    *loyalty.EarningEngine
	redemption *loyalty.RedemptionEngine
	referrals  *referral.Engine
	monitor    *referral.Monitor
	sweep      *referral.ConfirmationSweep
}

// NewHandler creates a handler with the full engine stack wired to the
// given store.
func NewHandler(store Backend) *Handler {
	locks := loyalty.NewUserLocks()
	earning := loyalty.NewEarningEngine(store, locks, store)
	guard := referral.NewFraudGuard(store, store, store)

	return &Handler{
		Store:      store,
		earning:    earning,
		redemption: loyalty.NewRedemptionEngine(store, store, locks, store),
		referrals:  referral.NewEngine(store, earning, guard),
		monitor:    referral.NewMonitor(store),
		sweep:      referral.NewConfirmationSweep(store, store, store, store),
	}
}

// Sweep exposes the confirmation sweep for the background sweeper.
func (h *Handler) Sweep() *referral.ConfirmationSweep {
	return h.sweep
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// CreateUser creates a platform account.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required", nil)
		return
	}

	acct := loyalty.Account{
		ID:                loyalty.UserID(req.ID),
		Email:             req.Email,
		PhoneHash:         req.PhoneHash,
		DeviceFingerprint: req.DeviceFingerprint,
		PaymentHash:       req.PaymentHash,
		CreatedAt:         time.Now().UTC(),
	}
	if err := h.Store.SaveAccount(r.Context(), acct); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create account", err)
		return
	}

	writeJSON(w, http.StatusCreated, UserDTO{
		ID:        req.ID,
		Email:     req.Email,
		CreatedAt: acct.CreatedAt.Format(time.RFC3339),
	})
}

// GetUser returns a single account.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id := loyalty.UserID(chi.URLParam(r, "id"))

	acct, err := h.Store.GetAccount(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, UserDTO{
		ID:            string(acct.ID),
		Email:         acct.Email,
		PhoneVerified: acct.PhoneVerified,
		CreatedAt:     acct.CreatedAt.Format(time.RFC3339),
	})
}

// VerifyPhone marks the account's mobile number as verified. In
// production this sits behind the SMS verification flow.
func (h *Handler) VerifyPhone(w http.ResponseWriter, r *http.Request) {
	id := loyalty.UserID(chi.URLParam(r, "id"))

	if err := h.Store.SetPhoneVerified(r.Context(), id, true); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"phone_verified": true})
}

// GetPoints returns the points status summary for the dashboard.
func (h *Handler) GetPoints(w http.ResponseWriter, r *http.Request) {
	id := loyalty.UserID(chi.URLParam(r, "id"))

	summary, err := loyalty.Summarize(r.Context(), h.Store, h.Store, id, time.Now())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPointsStatusDTO(summary))
}

// GetTransactions returns the user's ledger history.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id := loyalty.UserID(chi.URLParam(r, "id"))

	entries, err := h.Store.EntriesForUser(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load transactions", err)
		return
	}

	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// REDEMPTION HANDLER
// =============================================================================

// Redeem validates and posts a redemption, returning the GBP credit.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	id := loyalty.UserID(chi.URLParam(r, "id"))

	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := loyalty.RedeemInput{
		UserID:         id,
		Points:         loyalty.Points(req.Points),
		IdempotencyKey: req.IdempotencyKey,
		BookingID:      req.BookingID,
	}

	// Resolve the booking amount: explicit pence wins, else look up the
	// booking record.
	switch {
	case req.BookingAmountPence != nil:
		amount := loyalty.Pence(*req.BookingAmountPence)
		in.BookingAmountPence = &amount
	case req.BookingID != "":
		booking, err := h.Store.GetBooking(r.Context(), req.BookingID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		in.BookingAmountPence = &booking.AmountPence
	}

	res, err := h.redemption.Redeem(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, RedeemResponse{
		Entry:      toEntryDTO(res.Entry),
		Points:     int64(res.Points),
		ValueGBP:   res.ValuePence.GBP().StringFixed(2),
		NewBalance: int64(res.NewBalance),
		Replayed:   res.Replayed,
	})
}

// =============================================================================
// BOOKING HANDLERS
// =============================================================================

// CreateBooking records a booking in the points mirror.
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req CreateBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "id and user_id are required", nil)
		return
	}

	booking := loyalty.Booking{
		ID:          req.ID,
		UserID:      loyalty.UserID(req.UserID),
		AmountPence: loyalty.Pence(req.AmountPence),
		Status:      loyalty.BookingPending,
	}
	if err := h.Store.SaveBooking(r.Context(), booking); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save booking", err)
		return
	}
	writeJSON(w, http.StatusCreated, booking)
}

// CancelBooking marks a booking cancelled. A pending referral bonus
// tied to it will void at the confirmation sweep.
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.Store.SetBookingStatus(r.Context(), id, loyalty.BookingCancelled); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(loyalty.BookingCancelled)})
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// BookingCompleted reacts to a completed booking: grants booking points
// and, for a referred first booking, posts the held referral bonus.
func (h *Handler) BookingCompleted(w http.ResponseWriter, r *http.Request) {
	var req BookingCompletedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	booking, err := h.Store.GetBooking(ctx, req.BookingID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	booking.Status = loyalty.BookingCompleted
	booking.CompletedAt = time.Now().UTC()
	if err := h.Store.SaveBooking(ctx, *booking); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update booking", err)
		return
	}

	res, err := h.earning.EarnOnCompletedBooking(ctx, loyalty.BookingEarnInput{
		UserID:         booking.UserID,
		AmountPence:    booking.AmountPence,
		BookingID:      booking.ID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	// Referral completion is best-effort here: a fraud rejection or lost
	// race must not fail the points grant. The sweep and audit log carry
	// the record.
	if _, err := h.referrals.CompleteFirstBooking(ctx, booking.UserID, booking.ID, req.IdempotencyKey+":referral"); err != nil {
		if !referral.IsFraudError(err) {
			writeError(w, http.StatusInternalServerError, "Failed to process referral", err)
			return
		}
	}

	writeJSON(w, http.StatusOK, toEarnResponse(res))
}

// ReviewVerified grants the fixed review bonus.
func (h *Handler) ReviewVerified(w http.ResponseWriter, r *http.Request) {
	var req ReviewVerifiedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.earning.EarnOnVerifiedReview(r.Context(), loyalty.ReviewEarnInput{
		UserID:         loyalty.UserID(req.UserID),
		ReviewID:       req.ReviewID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEarnResponse(res))
}

// =============================================================================
// REFERRAL HANDLERS
// =============================================================================

// ReferralClick records a referral link click.
func (h *Handler) ReferralClick(w http.ResponseWriter, r *http.Request) {
	var req ReferralClickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ReferrerID == "" {
		writeError(w, http.StatusBadRequest, "referrer_id is required", nil)
		return
	}

	rec, err := h.referrals.Click(r.Context(), loyalty.UserID(req.ReferrerID), clientIP(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to record click", err)
		return
	}
	writeJSON(w, http.StatusCreated, toReferralDTO(*rec))
}

// ReferralSignup advances a referral past the fraud checks. A rejected
// signup gets the same response as an accepted one: the account is
// created either way and which check fired is never disclosed.
func (h *Handler) ReferralSignup(w http.ResponseWriter, r *http.Request) {
	var req ReferralSignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ip := req.IPAddress
	if ip == "" {
		ip = clientIP(r)
	}

	_, err := h.referrals.SignUp(r.Context(), req.ReferralID, referral.SignupInput{
		RefereeID:         loyalty.UserID(req.RefereeID),
		RefereeEmail:      req.RefereeEmail,
		PhoneHash:         req.PhoneHash,
		DeviceFingerprint: req.DeviceFingerprint,
		PaymentHash:       req.PaymentHash,
		IPAddress:         ip,
	})
	if err != nil && !referral.IsFraudError(err) {
		writeDomainError(w, err)
		return
	}

	// Identical body on accept and on fraud rejection.
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// GetReferral returns a referral record.
func (h *Handler) GetReferral(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Store.GetReferral(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReferralDTO(*rec))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// SuspiciousReferrers returns the fraud-monitoring report.
func (h *Handler) SuspiciousReferrers(w http.ResponseWriter, r *http.Request) {
	reports, err := h.monitor.SuspiciousReferrers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build report", err)
		return
	}

	dtos := make([]SuspiciousReferrerDTO, len(reports))
	for i, rep := range reports {
		dtos[i] = toSuspiciousReferrerDTO(rep)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// TriggerSweep runs the confirmation sweep immediately.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.sweep.Run(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{
		Confirmed: res.Confirmed,
		Cancelled: res.Cancelled,
		Skipped:   res.Skipped,
	})
}

// CreateAdjustment posts a manual balance adjustment.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.UserID == "" || req.ActorID == "" {
		writeError(w, http.StatusBadRequest, "user_id and actor_id are required", nil)
		return
	}

	res, err := h.earning.Adjust(r.Context(), loyalty.UserID(req.UserID),
		loyalty.Points(req.Delta), req.Reason, req.ActorID, req.IdempotencyKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEarnResponse(res))
}

// CreateReversal reverses a posted ledger entry.
func (h *Handler) CreateReversal(w http.ResponseWriter, r *http.Request) {
	var req ReversalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.earning.Reverse(r.Context(), loyalty.EntryID(req.EntryID), req.ActorID, req.IdempotencyKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEarnResponse(res))
}

// GetAudit returns the audit trail, optionally filtered by user or action.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	var filter loyalty.AuditFilter
	if u := r.URL.Query().Get("user_id"); u != "" {
		id := loyalty.UserID(u)
		filter.UserID = &id
	}
	if a := r.URL.Query().Get("action"); a != "" {
		filter.Actions = []loyalty.AuditAction{loyalty.AuditAction(a)}
	}

	entries, err := h.Store.QueryAudit(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit log", err)
		return
	}

	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = AuditEntryDTO{
			ID:      e.ID,
			At:      e.At.Format(time.RFC3339),
			ActorID: e.ActorID,
			Action:  string(e.Action),
			UserID:  string(e.UserID),
			Payload: e.Payload,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps domain errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case loyalty.IsNotFound(err) || errors.Is(err, referral.ErrReferralNotFound):
		writeError(w, http.StatusNotFound, "Not found", err)
	case loyalty.IsValidationError(err):
		writeError(w, http.StatusUnprocessableEntity, "Redemption rejected", err)
	case loyalty.IsStateError(err):
		writeError(w, http.StatusConflict, "Conflict", err)
	case errors.Is(err, loyalty.ErrDuplicateBonus) || loyalty.IsRetryable(err):
		writeError(w, http.StatusConflict, "Conflict", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
