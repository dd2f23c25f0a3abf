// Package server wires the relay's HTTP surface: the realtime WebSocket,
// health endpoints, and Prometheus metrics.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kai-todo/kai-relay/pkg/core/engine"
	"github.com/kai-todo/kai-relay/pkg/core/tasks"
	"github.com/kai-todo/kai-relay/pkg/gateway/config"
	"github.com/kai-todo/kai-relay/pkg/gateway/handlers"
	"github.com/kai-todo/kai-relay/pkg/gateway/lifecycle"
	"github.com/kai-todo/kai-relay/pkg/gateway/metrics"
	"github.com/kai-todo/kai-relay/pkg/gateway/mw"
	"github.com/kai-todo/kai-relay/pkg/gateway/realtime/session"
	"github.com/kai-todo/kai-relay/pkg/gateway/realtime/sessions"
)

type Dependencies struct {
	Verifier  session.TokenVerifier
	Snapshots tasks.SnapshotProvider
	Engine    engine.Dialer
	Pool      *pgxpool.Pool
	Metrics   *metrics.Metrics
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Dependencies

	registry  *sessions.Registry
	lifecycle *lifecycle.Lifecycle
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		deps:      deps,
		registry:  sessions.NewRegistry(),
		lifecycle: &lifecycle.Lifecycle{},
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Pool:      s.deps.Pool,
		Registry:  s.registry,
		Lifecycle: s.lifecycle,
	})
	if s.deps.Metrics != nil {
		s.mux.Handle("/metrics", s.deps.Metrics.Handler())
	}

	s.mux.Handle("/ws/realtime", handlers.RealtimeHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Verifier:  s.deps.Verifier,
		Snapshots: s.deps.Snapshots,
		Engine:    s.deps.Engine,
		Registry:  s.registry,
		Metrics:   s.deps.Metrics,
		Lifecycle: s.lifecycle,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg.AllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Drain stops admitting new sessions, warns the active ones, and waits up
// to ctx for them to finish. Sessions still running when ctx ends are
// canceled outright.
func (s *Server) Drain(ctx context.Context) {
	s.lifecycle.SetDraining(true)
	warned := s.registry.WarnAll("Server is shutting down")
	s.logger.Info("draining realtime sessions", "active", s.registry.Count(), "warned", warned)

	if s.registry.Wait(ctx) {
		return
	}
	canceled := s.registry.CancelAll()
	s.logger.Warn("drain timed out, canceling sessions", "canceled", canceled)
	s.registry.Wait(context.Background())
}
