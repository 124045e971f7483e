package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/michaelbrown/crucible/internal/config"
	"github.com/michaelbrown/crucible/internal/doctor"
	"github.com/michaelbrown/crucible/internal/executor"
	"github.com/michaelbrown/crucible/internal/metrics"
	"github.com/michaelbrown/crucible/internal/storage"
)

// Runner executes one submission. *executor.Executor satisfies it.
type Runner interface {
	Execute(ctx context.Context, source string) executor.Result
}

// Server is the HTTP server for the Crucible execution API.
type Server struct {
	cfg      *config.Config
	runner   Runner
	store    storage.Store
	metrics  *metrics.Metrics
	logger   *slog.Logger
	inflight *InFlight
	limiter  *rateLimiter
	router   chi.Router
	http     *http.Server

	// health is swapped out in tests.
	health func(ctx context.Context) doctor.Report
}

// New creates a new Server. m may be nil, in which case /metrics is not
// served.
func New(cfg *config.Config, runner Runner, store storage.Store, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		runner:   runner,
		store:    store,
		metrics:  m,
		logger:   logger,
		inflight: NewInFlight(),
		limiter:  newRateLimiter(cfg.Server.RateLimitPerClient, cfg.Server.RateLimitGlobal, m),
		router:   chi.NewRouter(),
	}
	s.health = func(ctx context.Context) doctor.Report {
		return doctor.Run(ctx, cfg, logger)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)

		// Executions
		r.Get("/executions", s.handleListExecutions)
		r.With(s.limiter.middleware).Post("/executions", s.handleCreateExecution)
		r.Get("/executions/running", s.handleListRunning)
		r.Get("/executions/{id}", s.handleGetExecution)
		r.Delete("/executions/{id}", s.handleDeleteExecution)
		r.Get("/executions/{id}/export", s.handleExportExecution)
		r.Post("/executions/{id}/cancel", s.handleCancelExecution)

		// WebSocket (no JSON content-type)
		r.Get("/ws", s.handleWebSocket)

		r.Get("/health", s.handleHealth)
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("crucible server starting", "addr", "http://localhost"+addr)
	return s.http.ListenAndServe()
}

// Shutdown cancels running executions and gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.inflight.CancelAll()
	if s.http == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
