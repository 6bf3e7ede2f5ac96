// Package server exposes health, readiness, metrics and the latest snapshot
// over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nholik/host-sentinel/internal/healthcheck"
	"github.com/nholik/host-sentinel/internal/metrics"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// Routes holds what the HTTP endpoints read from.
type Routes struct {
	RefreshRate time.Duration
	Tracker     *healthcheck.Tracker
	Metrics     *metrics.Metrics
	Snapshots   SnapshotSource
}

type listener struct {
	label   string
	port    int
	handler http.Handler
}

// Server runs one listener when the health and metrics ports match and two
// otherwise. A zero port disables that listener.
type Server struct {
	logger    zerolog.Logger
	listeners []listener
}

func New(logger zerolog.Logger, routes Routes, healthPort, metricsPort int) *Server {
	return &Server{
		logger:    logger.With().Str("component", "http").Logger(),
		listeners: plan(routes, healthPort, metricsPort),
	}
}

func plan(routes Routes, healthPort, metricsPort int) []listener {
	if healthPort > 0 && healthPort == metricsPort {
		return []listener{{label: "health/metrics", port: healthPort, handler: NewMux(routes)}}
	}

	var out []listener
	if healthPort > 0 {
		mux := http.NewServeMux()
		registerHealthRoutes(mux, routes)
		out = append(out, listener{label: "health", port: healthPort, handler: mux})
	}
	if metricsPort > 0 && routes.Metrics != nil {
		mux := http.NewServeMux()
		registerMetricsRoute(mux, routes.Metrics)
		out = append(out, listener{label: "metrics", port: metricsPort, handler: mux})
	}
	return out
}

// Run serves until ctx ends, then shuts every listener down. A listener that
// fails to bind ends Run with its error.
func (s *Server) Run(ctx context.Context) error {
	if len(s.listeners) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range s.listeners {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", l.port),
			Handler:           l.handler,
			ReadHeaderTimeout: readHeaderTimeout,
		}
		logger := s.logger.With().Str("server", l.label).Int("port", l.port).Logger()

		g.Go(func() error {
			logger.Info().Msg("http server starting")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s server on port %d: %w", l.label, l.port, err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("http server shutdown failed")
			}
			return nil
		})
	}
	return g.Wait()
}

// NewMux returns a handler serving every route on one mux.
func NewMux(routes Routes) *http.ServeMux {
	mux := http.NewServeMux()
	registerHealthRoutes(mux, routes)
	registerMetricsRoute(mux, routes.Metrics)
	return mux
}

func registerHealthRoutes(mux *http.ServeMux, routes Routes) {
	mux.HandleFunc("GET /healthz", healthcheck.HealthHandler(routes.Tracker, routes.RefreshRate))
	mux.HandleFunc("GET /readyz", healthcheck.ReadyHandler(routes.Tracker))
	if routes.Snapshots != nil {
		mux.HandleFunc("GET /snapshot", SnapshotJSONHandler(routes.Snapshots))
		mux.HandleFunc("GET /snapshot.csv", SnapshotCSVHandler(routes.Snapshots))
	}
}

func registerMetricsRoute(mux *http.ServeMux, m *metrics.Metrics) {
	if m == nil {
		return
	}
	mux.Handle("GET /metrics", m.Handler())
}
