// Package server exposes the HTTP API: platform listing, manual sync and
// analytics triggers, portfolio history, and a system health endpoint.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/plutus-app/plutus/internal/database"
	"github.com/plutus-app/plutus/internal/modules/history"
	"github.com/plutus-app/plutus/internal/modules/ledger"
	"github.com/plutus-app/plutus/internal/modules/platforms"
	"github.com/plutus-app/plutus/internal/modules/pricing"
	syncsvc "github.com/plutus-app/plutus/internal/modules/sync"
	"github.com/plutus-app/plutus/internal/scheduler"
)

// Deps are the services the HTTP layer routes into.
type Deps struct {
	Platforms *platforms.Repository
	Ledger    *ledger.Repository
	Sync      *syncsvc.Service
	History   *history.Service
	Series    *history.Repository
	Pricing   *pricing.Repository
	Scheduler *scheduler.Scheduler

	// Jobs maps job name to its definition so manual triggers go through
	// the same Execute path as scheduled runs and land in job_history.
	Jobs map[string]scheduler.Job

	// Databases is checked by the health endpoint, keyed by display name.
	Databases map[string]*database.DB
}

// Server wraps the chi router and the underlying http.Server.
type Server struct {
	server    *http.Server
	log       zerolog.Logger
	startedAt time.Time
}

// New builds the router with the full middleware stack and all routes mounted.
func New(port int, devMode bool, deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		log:       log.With().Str("component", "server").Logger(),
		startedAt: time.Now(),
	}

	h := &handlers{deps: deps, log: s.log, startedAt: s.startedAt}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	allowedOrigins := []string{"http://localhost:*", "http://127.0.0.1:*"}
	if devMode {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(s.requestLogger)
	r.Use(middleware.Compress(5))

	r.Route("/api", func(r chi.Router) {
		r.Get("/platforms", h.listPlatforms)

		r.Route("/sync", func(r chi.Router) {
			r.Post("/platforms", h.triggerJob("platform_sync"))
			r.Post("/platform/{id}/balances", h.syncPlatformBalances)
			r.Post("/platform/{id}/transactions", h.syncPlatformTransactions)
		})

		r.Route("/analytics", func(r chi.Router) {
			r.Get("/history", h.getHistory)
			r.Get("/performance-chart", h.getPerformanceChart)
			r.Get("/price-changes", h.getPriceChanges)
			r.Get("/market-leaders", h.getMarketLeaders)
			r.Post("/history/rebuild", h.triggerJob("history_rebuild"))
			r.Post("/price-changes/refresh", h.triggerJob("price_changes"))
			r.Post("/performance-chart/refresh", h.triggerJob("performance_chart"))
		})

		r.Get("/ledger/transactions", h.listTransactions)
		r.Get("/jobs/recent", h.recentJobs)
		r.Get("/system/health", h.systemHealth)
	})

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the root handler, exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}
