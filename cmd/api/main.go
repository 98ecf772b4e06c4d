// Package main provides the entry point for the build plane API server.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/forgelabs/build-plane/internal/api"
	"github.com/forgelabs/build-plane/internal/auth"
	"github.com/forgelabs/build-plane/internal/metrics"
	"github.com/forgelabs/build-plane/internal/models"
	"github.com/forgelabs/build-plane/internal/orchestrator"
	"github.com/forgelabs/build-plane/internal/stage"
	"github.com/forgelabs/build-plane/internal/store"
	"github.com/forgelabs/build-plane/internal/store/memory"
	pgstore "github.com/forgelabs/build-plane/internal/store/postgres"
	"github.com/forgelabs/build-plane/pkg/config"
	"github.com/forgelabs/build-plane/pkg/logger"
)

// remoteStages are the pipeline stages that must have an endpoint in
// the stage configuration. The splitter may be omitted and runs
// in-process.
var remoteStages = []models.Stage{
	models.StageScout,
	models.StageArchitect,
	models.StageBuilder,
	models.StageTester,
	models.StageDeployer,
}

func main() {
	log := logger.New(slog.LevelInfo, true)

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Store: PostgreSQL when configured, in-memory otherwise.
	var st store.Store
	if cfg.DatabaseDSN != "" {
		pg, err := pgstore.NewPostgresStore(pgstore.DefaultConfig(cfg.DatabaseDSN), log.Logger)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := pg.Migrate(migrateCtx); err != nil {
			cancel()
			log.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		cancel()
		st = pg
	} else {
		log.Warn("DATABASE_URL not set, using in-memory store")
		st = memory.NewMemoryStore()
	}
	defer st.Close()

	registry := prom.NewRegistry()
	recorder := metrics.NewRecorder(registry)

	// Stage invokers from the endpoint configuration, each wrapped
	// with transient retry.
	endpoints, err := stage.LoadEndpoints(cfg.StageConfigPath)
	if err != nil {
		log.Error("failed to load stage configuration", "error", err, "path", cfg.StageConfigPath)
		os.Exit(1)
	}
	retryCfg := stage.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Backoff:     cfg.Retry.Backoff,
	}
	invokers := stage.Invokers{}
	for stageName, ep := range endpoints.Stages {
		invokers[stageName] = stage.WithRetry(
			stage.NewHTTPInvoker(ep.URL, ep.Timeout),
			stageName, retryCfg, recorder, log.Logger,
		)
	}
	for _, stageName := range remoteStages {
		if _, ok := invokers[stageName]; !ok {
			log.Error("stage endpoint missing from configuration", "stage", stageName)
			os.Exit(1)
		}
	}
	if _, ok := invokers[models.StageSplitter]; !ok {
		invokers[models.StageSplitter] = stage.NewLocalSplitter(st)
	}

	orch := orchestrator.New(st, invokers, orchestrator.Config{
		FanoutConcurrency: cfg.Orchestrator.FanoutConcurrency,
		ExecutionTimeout:  cfg.Orchestrator.ExecutionTimeout,
	}, recorder, log.WithComponent("orchestrator").Logger)

	var authService *auth.Service
	if cfg.AuthEnabled() {
		authService = auth.NewService(&auth.Config{
			JWTSecret:   []byte(cfg.JWTSecret),
			TokenExpiry: cfg.JWTExpiry,
			APIKey:      cfg.APIKey,
		}, log.Logger)
	} else {
		log.Warn("JWT_SECRET and API_KEY not set, API authentication disabled")
	}

	server := api.NewServer(cfg, st, orch, authService, registry, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	log.Info("starting API server",
		"host", cfg.APIHost,
		"port", cfg.APIPort,
	)

	if err := server.Start(ctx); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}

	// Stop in-flight executions before exiting.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Warn("orchestrator shutdown incomplete", "error", err)
	}

	log.Info("server stopped")
}
