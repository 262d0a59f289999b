/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/users/*          Accounts, points status, redemption
  /api/bookings/*       Booking mirror
  /api/events/*         Earning events from the platform
  /api/referrals/*      Referral lifecycle
  /api/admin/*          Monitoring, sweep, corrections

SECURITY NOTE:
  No authentication middleware currently. The admin group in particular
  must sit behind the platform's auth proxy before going anywhere near
  production.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// User routes
		r.Route("/users", func(r chi.Router) {
			r.Post("/", h.CreateUser)
			r.Get("/{id}", h.GetUser)
			r.Post("/{id}/verify-phone", h.VerifyPhone)
			r.Get("/{id}/points", h.GetPoints)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Post("/{id}/redeem", h.Redeem)
		})

		// Booking routes
		r.Route("/bookings", func(r chi.Router) {
			r.Post("/", h.CreateBooking)
			r.Post("/{id}/cancel", h.CancelBooking)
		})

		// Event routes (called by the booking/review subsystems)
		r.Route("/events", func(r chi.Router) {
			r.Post("/booking-completed", h.BookingCompleted)
			r.Post("/review-verified", h.ReviewVerified)
		})

		// Referral routes
		r.Route("/referrals", func(r chi.Router) {
			r.Post("/click", h.ReferralClick)
			r.Post("/signup", h.ReferralSignup)
			r.Get("/{id}", h.GetReferral)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Get("/referrals/suspicious", h.SuspiciousReferrers)
			r.Post("/sweep", h.TriggerSweep)
			r.Post("/adjustments", h.CreateAdjustment)
			r.Post("/reversals", h.CreateReversal)
			r.Get("/audit", h.GetAudit)
		})
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>BlkPoints Engine</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>BlkPoints Engine API</h1>
<h2>API Endpoints</h2>
<ul>
<li><code>GET /api/users/{id}/points</code> - Points status</li>
<li><code>POST /api/users/{id}/redeem</code> - Redeem points</li>
<li><code>POST /api/events/booking-completed</code> - Grant booking points</li>
<li><code>GET /api/admin/referrals/suspicious</code> - Fraud monitoring</li>
</ul>
</body>
</html>`))
	})

	return r
}
