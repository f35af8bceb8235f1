// Package httpx provides the shared HTTP server wrapper used by the range
// streamer and the upload service, with port-fallback binding.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cinesync/cinesync/internal/httpx/middleware"
)

// ErrPortsExhausted is returned when the primary port and every fallback
// port are occupied.
var ErrPortsExhausted = errors.New("all candidate ports are in use")

// Listen binds to host:port, walking up through fallbackRange additional
// ports when the bind fails with address-in-use. It returns the listener
// and the port actually bound.
func Listen(host string, port, fallbackRange int) (net.Listener, int, error) {
	for candidate := port; candidate <= port+fallbackRange; candidate++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, candidate))
		if err == nil {
			bound := candidate
			if addr, ok := ln.Addr().(*net.TCPAddr); ok {
				bound = addr.Port
			}
			return ln, bound, nil
		}
		if !isAddrInUse(err) {
			return nil, 0, fmt.Errorf("binding %s:%d: %w", host, candidate, err)
		}
	}
	return nil, 0, ErrPortsExhausted
}

// isAddrInUse reports whether err is an address-in-use bind failure.
func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	// Portable fallback for platforms that wrap the errno differently.
	return strings.Contains(err.Error(), "address already in use")
}

// Server wraps an http.Server on a pre-bound listener with a chi router
// carrying the standard middleware stack.
type Server struct {
	router     *chi.Mux
	listener   net.Listener
	port       int
	httpServer *http.Server
	grace      time.Duration
	logger     *slog.Logger
}

// NewServer creates a server on the given listener.
func NewServer(ln net.Listener, port int, grace time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.NewLoggingMiddleware(logger))
	router.Use(middleware.Recovery(logger))

	return &Server{
		router:   router,
		listener: ln,
		port:     port,
		grace:    grace,
		logger:   logger,
	}
}

// Router returns the chi router for registering routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Port returns the port the server is bound to.
func (s *Server) Port() int {
	return s.port
}

// Start serves on the bound listener. It blocks until Shutdown or a
// listener error.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Handler:     s.router,
		ReadTimeout: 0, // uploads and streams are long-lived
		IdleTimeout: 120 * time.Second,
	}

	s.logger.Info("starting HTTP server", slog.Int("port", s.port))

	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

// Shutdown drains active connections within the grace period, then aborts.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return s.listener.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.grace)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		// Grace expired: abort the remaining connections.
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("closing server: %w", closeErr)
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("shutting down server: %w", err)
		}
	}
	return nil
}
