// Package core provides the API chassis: a chi router with the cross-cutting
// middleware (panic recovery, request IDs, logging, CORS, metrics), the JSON
// envelope helpers and the health endpoint. Domain handlers register their
// routes through V1RouteRegistrars.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"firerisk/internal/config"
	"firerisk/internal/types"
)

// MetricsCollector records API telemetry.
type MetricsCollector interface {
	// RecordRequest records one request. endpoint is the route pattern, not
	// the raw path, to keep label cardinality bounded.
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// Server holds the dependencies of the HTTP API.
type Server struct {
	Config    *config.Config
	Datasets  *types.DatasetRegistry
	Logger    *slog.Logger
	Validator *Validator
	Metrics   MetricsCollector

	// MetricsHandler, when set, is served at GET /metrics.
	MetricsHandler http.Handler
	HealthProbes   []HealthProbe

	// V1RouteRegistrars mount domain routes under /v1. They are filled in by
	// main so core never imports handler packages.
	V1RouteRegistrars []func(chi.Router)

	closers []func()
	router  *chi.Mux
}

// NewServer validates the critical dependencies and prepares the router.
// Routes are mounted separately by MountRoutes.
func NewServer(cfg *config.Config, datasets *types.DatasetRegistry, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if datasets == nil {
		return nil, fmt.Errorf("dataset registry must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Datasets:  datasets,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// OnShutdown registers a release function, such as closing a database pool.
// They run in reverse registration order.
func (s *Server) OnShutdown(fn func()) {
	s.closers = append(s.closers, fn)
}

// Shutdown releases server resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("shutdown interrupted: %w", err)
		}
		s.closers[i]()
	}
	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}
