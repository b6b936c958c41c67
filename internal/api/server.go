// Package api is the HTTP surface of the exchange: item submission from
// peers and local producers, processor administration, statistics and the
// event stream.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/bexchange/internal/auth"
	"github.com/mattjoyce/bexchange/internal/events"
	"github.com/mattjoyce/bexchange/internal/processor"
	"github.com/mattjoyce/bexchange/internal/registry"
	"github.com/mattjoyce/bexchange/internal/stats"
)

// DefaultMaxBodyBytes bounds submitted payloads.
const DefaultMaxBodyBytes = 64 << 20

// Registry is the part of the processor registry the API administers.
type Registry interface {
	List() []*processor.Processor
	Get(name string) (*processor.Processor, error)
	SetActive(name string, active bool) error
	Statistics() map[string]stats.Entry
	StatisticsOf(name string) (stats.Entry, error)
	Len() int
}

// Submitter accepts new items.
type Submitter interface {
	Submit(ctx context.Context, item processor.Item) ([]registry.Dispatched, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the admin bearer token (scope "*").
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// Peers verifies signed submissions from other nodes. Nil disables them.
	Peers        *auth.Verifier
	MaxBodyBytes int64
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	registry  Registry
	submitter Submitter
	events    *events.Hub
	metrics   http.Handler
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server. events and metrics may be nil, which removes
// their endpoints.
func New(config Config, reg Registry, sub Submitter, hub *events.Hub, metrics http.Handler, logger *slog.Logger) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Server{
		config:    config,
		registry:  reg,
		submitter: sub,
		events:    hub,
		metrics:   metrics,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeSubmit)).Post("/submit", s.handleSubmit)
		r.With(s.requireScopes(auth.ScopeProcessorsRO)).Get("/processors", s.handleListProcessors)
		r.With(s.requireScopes(auth.ScopeProcessorsRO)).Get("/processors/{name}", s.handleGetProcessor)
		r.With(s.requireScopes(auth.ScopeProcessorsRW)).Put("/processors/{name}/active", s.handleSetActive)
		r.With(s.requireScopes(auth.ScopeStatsRO)).Get("/statistics", s.handleStatistics)
		if s.events != nil {
			r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
		}
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
