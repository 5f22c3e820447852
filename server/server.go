package server

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/callosumhq/callosum"
)

// Default configuration values.
const (
	DefaultAddr            = ":8787"
	DefaultPageSize        = 50
	DefaultShutdownTimeout = 5 * time.Second
)

// Logger is the structured logging interface. *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config holds server configuration.
type Config struct {
	// Addr is the listen address.
	// Default: ":8787"
	Addr string

	// PageSize is the default journal page size.
	// Default: 50
	PageSize int

	// ShutdownTimeout bounds graceful shutdown on Stop.
	// Default: 5 seconds
	ShutdownTimeout time.Duration

	// Logger for structured logging. nil disables logging.
	Logger Logger
}

// Server serves one gate to remote clients.
type Server struct {
	gate   *callosum.Gate
	config *Config

	httpServer *http.Server

	started atomic.Bool
	done    chan struct{}
}

// New creates a server around a gate.
func New(gate *callosum.Gate, cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	s := &Server{
		gate:   gate,
		config: cfg,
		done:   make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router()
}

// Start begins serving. It returns once the listener is accepting; the
// serve loop runs in a goroutine until Stop.
func (s *Server) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	go func() {
		defer close(s.done)
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logError("serve failed", "error", err)
		}
	}()
	s.logInfo("gate server listening", "addr", s.config.Addr)
	return nil
}

// Stop shuts the server down, letting in-flight requests finish within
// ShutdownTimeout.
func (s *Server) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	<-s.done
	s.started.Store(false)
	s.logInfo("gate server stopped")
	return err
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.started.Load()
}

func (s *Server) logInfo(msg string, args ...any) {
	if s.config.Logger != nil {
		s.config.Logger.Info(msg, args...)
	}
}

func (s *Server) logError(msg string, args ...any) {
	if s.config.Logger != nil {
		s.config.Logger.Error(msg, args...)
	}
}
