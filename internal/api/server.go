// Package api serves the read-only status surface of a running daemon:
// health, worker and queue status, an SSE event stream, and Prometheus
// metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/pushpool/internal/events"
	"github.com/mattjoyce/pushpool/internal/metrics"
	"github.com/mattjoyce/pushpool/internal/pool"
)

// PoolState is the view of the worker pool the status endpoint reads.
type PoolState interface {
	Snapshot() []pool.WorkerRecord
	Stats() pool.Stats
}

// QueueDepth reports how many items wait on a queue key.
type QueueDepth interface {
	Depth(ctx context.Context, key string) (int64, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// Token is an optional bearer token. Empty leaves every route open.
	Token string

	Service     string
	Backend     string
	Queue       string
	Dispatchers int
	PID         int
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	pool      PoolState
	queue     QueueDepth
	events    *events.Hub
	metrics   *metrics.Metrics
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time

	// streams is cancelled when the server shuts down so long-lived SSE
	// handlers return instead of holding Shutdown open.
	streams     context.Context
	stopStreams context.CancelFunc
}

// New creates a new API server instance. hub and m may be nil, which
// disables /events and /metrics respectively.
func New(config Config, p PoolState, q QueueDepth, hub *events.Hub, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	streams, stopStreams := context.WithCancel(context.Background())
	return &Server{
		config:      config,
		pool:        p,
		queue:       q,
		events:      hub,
		metrics:     m,
		logger:      logger,
		startedAt:   time.Now(),
		streams:     streams,
		stopStreams: stopStreams,
	}
}

// Handler returns the routed HTTP handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server and blocks until ctx is done or the listener
// fails. A shutdown triggered by ctx returns nil.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.server.RegisterOnShutdown(s.stopStreams)

	s.logger.Info("status server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("status server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("status server did not drain, closing connections", "error", err)
			if cerr := s.server.Close(); cerr != nil {
				return fmt.Errorf("server close failed: %w", cerr)
			}
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/status", s.handleStatus)
		if s.events != nil {
			r.Get("/events", s.handleEvents)
		}
		if s.metrics != nil {
			r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
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
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
