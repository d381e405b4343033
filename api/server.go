/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in error logs
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the dashboard

ROUTE GROUPS:
  /api/houses/*         House status and credit
  /api/payments/*       Payment records and allocation
  /api/periods/*        Billing periods
  /api/period-configs   Time-versioned defaults
  /api/admin/*          Batch charges, backfill, reprocess, snapshots
  /api/scenarios/*      Demo scenarios
  /healthz              Liveness

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

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
func NewRouter(h *Handler, allowedOrigins ...string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		// House routes
		r.Route("/houses", func(r chi.Router) {
			r.Get("/", h.ListHouses)
			r.Post("/", h.CreateHouse)
			r.Get("/summary", h.GetHouseSummary)
			r.Get("/{id}/status", h.GetHouseStatus)
			r.Post("/{id}/credit/apply", h.ApplyCredit)
		})

		// Payment routes
		r.Route("/payments", func(r chi.Router) {
			r.Post("/records", h.CreatePaymentRecord)
			r.Post("/allocate", h.AllocatePayment)
		})

		// Period routes
		r.Route("/periods", func(r chi.Router) {
			r.Get("/", h.ListPeriods)
			r.Post("/", h.EnsurePeriod)
			r.Patch("/{id}/concepts", h.UpdatePeriodConcepts)
		})
		r.Post("/period-configs", h.CreatePeriodConfig)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Put("/charges", h.BatchUpdateCharges)
			r.Post("/backfill", h.TriggerBackfill)
			r.Post("/reprocess", h.TriggerReprocess)
			r.Post("/snapshots/invalidate", h.InvalidateSnapshots)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
