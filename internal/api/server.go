// Package api provides the HTTP lifecycle API for the build plane.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forgelabs/build-plane/internal/api/handlers"
	"github.com/forgelabs/build-plane/internal/api/middleware"
	"github.com/forgelabs/build-plane/internal/auth"
	"github.com/forgelabs/build-plane/internal/store"
	"github.com/forgelabs/build-plane/pkg/config"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// Server represents the HTTP API server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	store      store.Store
	runner     handlers.Runner
	auth       *auth.Service
	registry   *prom.Registry
	config     *config.Config
	logger     *slog.Logger
}

// NewServer creates a new API server with the given dependencies. A
// nil auth service disables authentication; a nil registry disables
// the metrics endpoint.
func NewServer(cfg *config.Config, st store.Store, runner handlers.Runner, authSvc *auth.Service, registry *prom.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		store:    st,
		runner:   runner,
		auth:     authSvc,
		registry: registry,
		config:   cfg,
		logger:   logger,
	}

	s.setupRouter()
	return s
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))
	r.Use(chimiddleware.Timeout(60 * time.Second))

	// Health check endpoint (no auth required)
	r.Get("/health", s.handleHealth)

	// Prometheus metrics (no auth required)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	// API v1 routes
	r.Route("/v1", func(r chi.Router) {
		if s.auth != nil {
			authMiddleware := middleware.NewAuthMiddleware(s.auth, s.logger)
			r.Use(authMiddleware.Authenticate)
		}

		buildHandler := handlers.NewBuildHandler(s.store, s.runner, s.config.Orchestrator.DefaultMaxIterations, s.logger)
		r.Route("/builds", func(r chi.Router) {
			r.Post("/", buildHandler.Create)
			r.Get("/", buildHandler.List)
			r.Route("/{buildID}", func(r chi.Router) {
				r.Get("/", buildHandler.Get)
				r.Get("/logs", buildHandler.Logs)
				r.Post("/cancel", buildHandler.Cancel)
			})
		})
	})

	s.router = r
}

// handleHealth reports service liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	handlers.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": Version,
	})
}

// Start starts the HTTP server.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.APIHost, s.config.APIPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
