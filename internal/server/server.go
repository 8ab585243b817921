// Package server provides the HTTP API for Kasane.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/kasane/internal/config"
	"github.com/hyperjump/kasane/internal/hierarchy"
	"github.com/hyperjump/kasane/internal/search"
)

// WatchService reports watcher state for status responses.
type WatchService interface {
	Pending() int
}

// Server is the HTTP server for the Kasane API.
type Server struct {
	hier    *hierarchy.Hierarchy
	engine  *search.Engine
	config  *config.ServerConfig
	logger  *zap.Logger
	metrics http.Handler
	watch   WatchService
	server  *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics serves h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithWatch reports w in status responses.
func WithWatch(w WatchService) Option {
	return func(s *Server) { s.watch = w }
}

// NewServer creates a server with the given dependencies.
func NewServer(
	hier *hierarchy.Hierarchy,
	engine *search.Engine,
	cfg *config.ServerConfig,
	logger *zap.Logger,
	opts ...Option,
) *Server {
	s := &Server{
		hier:   hier,
		engine: engine,
		config: cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/search", s.handleSearch)
		r.Post("/vectors", s.handlePut)
		r.Get("/vectors/{id}", s.handleGet)
		r.Get("/vectors/{id}/similar", s.handleSimilar)
		r.Get("/vectors/{id}/referrers", s.handleReferrers)
		r.Get("/levels", s.handleLevels)
		r.Post("/levels", s.handleCreateLevel)
		r.Get("/status", s.handleStatus)
		r.Post("/check", s.handleCheck)
		r.Post("/rebuild", s.handleRebuild)
		r.Post("/consolidate", s.handleConsolidate)
		r.Post("/aggregate", s.handleAggregate)
	})
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := s.config.Addr()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           middleware.Logger(s.Router()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
