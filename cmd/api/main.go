// Package main is the entry point for the fire risk API server.
//
// It loads configuration and dataset profiles, opens the dataset stores,
// selects the raw file inventory (database backed when DATABASE_URL is set,
// directory scans otherwise) and serves the HTTP API until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"firerisk/internal/api/handlers"
	"firerisk/internal/archive"
	"firerisk/internal/config"
	"firerisk/internal/core"
	"firerisk/internal/db"
	"firerisk/internal/forecasts"
	"firerisk/internal/rawfile"
	"firerisk/internal/render"
	"firerisk/internal/store"
	"firerisk/internal/telemetry"
	"firerisk/internal/types"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("firerisk API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	datasets, err := config.LoadDatasets(cfg.Storage.DatasetsFile)
	if err != nil {
		return fmt.Errorf("loading datasets: %w", err)
	}

	srv, err := buildServer(context.Background(), cfg, datasets, logger)
	if err != nil {
		return err
	}
	return runHTTPServer(srv, cfg, logger)
}

// buildServer wires every dependency of the API into a core.Server with its
// routes mounted.
func buildServer(ctx context.Context, cfg *config.Config, datasets *types.DatasetRegistry, logger *slog.Logger) (*core.Server, error) {
	srv, err := core.NewServer(cfg, datasets, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}

	clock := clockwork.NewRealClock()
	retry := store.RetryPolicy{
		Attempts: cfg.Storage.LockRetryAttempts,
		Delay:    cfg.Storage.LockRetryDelay,
	}

	var inventory archive.Inventory = archive.NewDirectoryInventory(cfg.Storage.RawRoot, logger)
	srv.HealthProbes = append(srv.HealthProbes,
		core.NewDirProbe("store_root", cfg.Storage.StoreRoot),
		core.NewDirProbe("raw_root", cfg.Storage.RawRoot),
	)

	if cfg.Database.Enabled() {
		pool, err := db.Connect(ctx, cfg.Database.URL.Unmask(), cfg.Database.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		srv.OnShutdown(pool.Close)
		srv.HealthProbes = append(srv.HealthProbes, core.NewFuncProbe("database", pool.Ping))

		inventory = db.NewBreakingInventory(db.NewRawFileRepository(pool), db.BreakerConfig{
			Name:        "raw-file-inventory",
			MaxFailures: cfg.Database.BreakerMaxFailures,
			Timeout:     cfg.Database.BreakerTimeout,
		})
		logger.Info("raw file inventory backed by database")
	}

	reader := store.NewReader(store.ReaderConfig{
		Root:   cfg.Storage.StoreRoot,
		Retry:  retry,
		Clock:  clock,
		Logger: logger,
	})
	builder := store.NewBuilder(store.BuilderConfig{
		Root:      cfg.Storage.StoreRoot,
		Datasets:  datasets,
		Inventory: inventory,
		Opener:    rawfile.NetCDFOpener{},
		Retry:     retry,
		Clock:     clock,
		Logger:    logger,
	})

	projector, err := forecasts.NewProjector()
	if err != nil {
		return nil, fmt.Errorf("creating projector: %w", err)
	}

	svc := forecasts.NewForecastService(
		datasets,
		forecasts.ReaderSource(reader),
		builder,
		render.NewPNGRenderer(),
		projector,
		logger,
		clock,
	)

	metrics := telemetry.NewRequestMetrics("firerisk")
	srv.Metrics = metrics
	srv.MetricsHandler = metrics.Handler()

	datasetHandler := handlers.NewDatasetHandler(svc, srv.Validator, logger)
	if token := cfg.Server.IngestToken.Unmask(); token != "" {
		datasetHandler.WithIngestAuth(core.RequireBearerToken(token, logger))
	} else {
		logger.Info("run ingestion endpoint disabled: no ingest token configured")
	}
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, datasetHandler.Mount(srv.DatasetContext))

	srv.MountRoutes()
	return srv, nil
}

// runHTTPServer serves until a shutdown signal or a listener error, then
// drains in-flight requests and releases server resources.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a JSON slog.Logger at the given level. Unknown levels
// fall back to info.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
