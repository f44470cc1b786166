// Package server exposes the orchestrator over HTTP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meridianhq/meridian/pkg/access"
	"github.com/meridianhq/meridian/pkg/auth"
	"github.com/meridianhq/meridian/pkg/config"
	"github.com/meridianhq/meridian/pkg/planner"
	"github.com/meridianhq/meridian/pkg/registry"
	"github.com/meridianhq/meridian/pkg/session"
)

// Server wires the HTTP surface over the registry, planner and store.
type Server struct {
	cfg        *config.Config
	registry   *registry.Registry
	filter     *access.Filter
	planner    *planner.Planner
	store      session.Store
	middleware *auth.Middleware
	httpServer *http.Server
}

func New(cfg *config.Config, reg *registry.Registry, filter *access.Filter, p *planner.Planner, store session.Store, middleware *auth.Middleware) *Server {
	s := &Server{
		cfg:        cfg,
		registry:   reg,
		filter:     filter,
		planner:    p,
		store:      store,
		middleware: middleware,
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the route tree. Health and metrics are unauthenticated;
// everything else requires a resolved access context.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.middleware.Handler)

		r.Post("/chat", s.handleChat)
		r.Get("/tools", s.handleTools)
		r.Get("/providers", s.handleProviders)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{sessionID}", s.handleGetSession)
		r.Post("/feedback", s.handleFeedback)

		r.With(auth.RequireRole("admin")).Post("/tools/refresh", s.handleRefresh)
	})

	return r
}

// Start serves until the listener closes.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
