/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend
  5. Auth:       Bearer token on /api only

ROUTE GROUPS:
  /health               Liveness, no auth
  /metrics              Prometheus scrape endpoint, when enabled
  /api/bookings/*       Booking reads and status transitions
  /api/sessions/*       Session actions
  /api/subscribers/*    Quota and ledger reads
  /api/admin/*          Enrollment and allocation (admin or hr)
  /api/notifications    Caller's inbox

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token validation
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured. A nil
// metricsHandler leaves /metrics unmounted.
func NewRouter(h *Handler, auth *Authenticator, metricsHandler http.Handler) *chi.Mux {
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

	r.Get("/health", Health)
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware)

		// Booking routes
		r.Route("/bookings", func(r chi.Router) {
			r.Post("/", h.CreateBooking)
			r.Get("/{id}", h.GetBooking)
			r.Get("/{id}/history", h.GetHistory)
			r.Put("/{id}/status", h.UpdateStatus)
		})

		r.Post("/sessions/actions", h.SessionAction)

		// Quota routes
		r.Route("/subscribers", func(r chi.Router) {
			r.Get("/{id}/quota", h.GetQuota)
			r.Get("/{id}/ledger", h.GetLedger)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/subscribers", h.EnrollSubscriber)
			r.Post("/subscribers/{id}/deactivate", h.DeactivateSubscriber)
			r.Put("/subscribers/{id}/quota/{pool}", h.SetAllocation)
		})

		r.Get("/notifications", h.ListNotifications)
	})

	return r
}
