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
  5. Metrics:    Request counters and latency by route pattern

ROUTE GROUPS:
  /api/users/*          Eligibility, balances, chain maintenance, audit
  /api/accounts         Account opening
  /api/transactions/*   Posting, reversal, correction
  /api/rates/*          Rate evaluation
  /api/overrides/*      Eligibility overrides
  /api/rate-rules/*     Rate rule list
  /api/holidays/*       Holiday calendar
  /api/events/*         Special events
  /api/closing/*        Manual closing runs
  /metrics              Prometheus exposition
  /healthz              Liveness with database ping

SECURITY NOTE:
  No authentication middleware. The actor headers are trusted as sent.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jfemon8/Meal-Management-sub002/metrics"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderActorID, HeaderActorRole},
		AllowCredentials: true,
	}))
	r.Use(metrics.InstrumentHandler)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/accounts", h.OpenAccount)

		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/eligibility", h.GetEligibility)
			r.Get("/audit", h.GetAuditTrail)
			r.Get("/balances", h.GetAccount)
			r.Route("/balances/{type}", func(r chi.Router) {
				r.Get("/", h.GetBalance)
				r.Put("/freeze", h.SetFrozen)
				r.Get("/transactions", h.GetTransactions)
				r.Get("/verify", h.VerifyChain)
				r.Post("/reconcile", h.Reconcile)
			})
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Post("/", h.PostTransaction)
			r.Get("/{id}", h.GetTransaction)
			r.Post("/{id}/reverse", h.ReverseTransaction)
			r.Post("/{id}/correct", h.CorrectTransaction)
		})

		r.Get("/rates/resolve", h.ResolveRate)

		r.Route("/overrides", func(r chi.Router) {
			r.Get("/", h.ListOverrides)
			r.Post("/", h.CreateOverride)
			r.Get("/{id}", h.GetOverride)
			r.Delete("/{id}", h.RevokeOverride)
			r.Put("/{id}/expiry", h.SetOverrideExpiry)
		})

		r.Route("/rate-rules", func(r chi.Router) {
			r.Get("/", h.ListRateRules)
			r.Post("/", h.CreateRateRule)
			r.Get("/{id}", h.GetRateRule)
			r.Put("/{id}", h.UpdateRateRule)
			r.Delete("/{id}", h.DeleteRateRule)
		})

		r.Route("/holidays", func(r chi.Router) {
			r.Get("/", h.ListHolidays)
			r.Post("/", h.CreateHoliday)
			r.Delete("/{date}", h.DeleteHoliday)
		})

		r.Route("/events", func(r chi.Router) {
			r.Get("/", h.ListEvents)
			r.Post("/", h.CreateEvent)
			r.Delete("/{date}/{name}", h.DeleteEvent)
		})

		r.Post("/closing/run", h.RunClosing)
	})

	return r
}
