/*
server.go - HTTP router and middleware configuration

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests from the web app

ROUTE GROUPS:
  /api/signal, /api/join    Activation and registration
  /api/users/*              User records and referral links
  /api/ledger/*             Proof of payment
  /api/sweeps/*             Sweep audit and manual trigger
  /healthz                  Liveness
  /metrics                  Prometheus

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/serve.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// AllowedOrigins for CORS. Empty allows any origin.
	AllowedOrigins []string
	// RequestLog enables chi's request logger.
	RequestLog bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	if opts.RequestLog {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/signal", h.Signal)
		r.Post("/join", h.Join)

		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/", h.GetUser)
			r.Get("/referrals", h.GetReferrals)
			r.Get("/link", h.GetLink)
		})

		r.Get("/ledger/{referredId}", h.GetLedgerEntry)

		r.Route("/sweeps", func(r chi.Router) {
			r.Get("/runs", h.ListSweepRuns)
			r.Post("/run", h.RunSweep)
		})
	})

	return r
}
