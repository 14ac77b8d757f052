/*
Package server implements the fdleakd HTTP surface.

The endpoints inspect current descriptor usage, create leaks on demand,
and clean them up. Every request passes through the boundary guard
middleware, which can refuse work outright when usage is already
critical and maps handler failures to structured error responses.
*/
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ushineko/fdleakd/internal/account"
	"github.com/ushineko/fdleakd/internal/history"
)

// GuardConfig controls the request-boundary middleware.
type GuardConfig struct {
	// Enabled turns on the pre-request usage check. Panic recovery is
	// always active regardless.
	Enabled bool
	// RejectRatio is the usage fraction of the soft limit above which
	// requests are refused with 503 before the handler runs. Zero uses
	// the default (0.95).
	RejectRatio float64
}

// Config holds server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":8000").
	ListenAddr string
	// Logger is the structured logger to use. If nil, a default is created.
	Logger *slog.Logger
	// Service is the resource-accounting service. Required.
	Service *account.Service
	// Activity receives per-request counters. Optional.
	Activity *history.Collector
	// Guard configures the boundary middleware.
	Guard GuardConfig
	// ReadHeaderTimeout is the timeout for reading client request headers.
	// Zero uses the default (10s).
	ReadHeaderTimeout time.Duration
}

// Server is the fdleakd HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	svc        *account.Service
	activity   *history.Collector
	guard      GuardConfig
	startTime  time.Time
	handler    http.Handler

	// Connection counters.
	connectionsTotal  atomic.Int64
	connectionsActive atomic.Int64

	// shutdownOnce ensures graceful shutdown runs once.
	shutdownOnce sync.Once
}

// New creates a new server with the given configuration.
func New(cfg *Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 10 * time.Second
	}

	guard := cfg.Guard
	if guard.RejectRatio <= 0 {
		guard.RejectRatio = 0.95
	}

	s := &Server{
		logger:    cfg.Logger,
		svc:       cfg.Service,
		activity:  cfg.Activity,
		guard:     guard,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleSnapshot)
	mux.HandleFunc("POST /leak", s.handleLeak)
	mux.HandleFunc("POST /cleanup", s.handleCleanup)
	mux.HandleFunc("GET /error", s.handleError)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.handler = s.boundaryGuard(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// ServeHTTP tracks connection counters and dispatches through the
// boundary guard to the route mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.connectionsTotal.Add(1)
	s.connectionsActive.Add(1)
	defer s.connectionsActive.Add(-1)

	if s.activity != nil {
		s.activity.RecordRequest()
	}

	s.handler.ServeHTTP(w, r)
}

// ListenAndServe starts the server.
func (s *Server) ListenAndServe() error {
	s.logger.Info("server starting",
		"addr", s.httpServer.Addr,
	)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("server shutting down")
		err = s.httpServer.Shutdown(ctx)
	})
	return err
}

// ConnectionsTotal returns the total number of requests handled.
func (s *Server) ConnectionsTotal() int64 {
	return s.connectionsTotal.Load()
}

// ConnectionsActive returns the number of requests currently in flight.
func (s *Server) ConnectionsActive() int64 {
	return s.connectionsActive.Load()
}

// Uptime returns the duration since the server was created.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}
