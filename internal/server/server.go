package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/studiobridge/studiobridge/internal/gateway"
)

// Server is the plugin-facing HTTP server that owns the gateway's poll
// and completion surfaces.
//
// Architecture:
//   - GET /request is the plugin's long-poll: it claims the next work
//     item or answers 423 Locked with an empty body when the poll budget
//     runs out, which the plugin treats as "ask again".
//   - POST /response posts results back; the body is routed into the
//     correlation table and always acknowledged, stale or not.
//   - POST /proxy lets a secondary bridge instance (one that lost the
//     port) forward work into this instance's queue.
func NewServer(cfg *Config, gw *gateway.Gateway, logger *slog.Logger) *Server {
	s := &Server{
		config:  cfg,
		gateway: gw,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /request", s.handlePoll)
	mux.HandleFunc("POST /response", s.handleCompletion)
	mux.HandleFunc("POST /proxy", s.handleProxy)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeErrorJSON(w, http.StatusNotFound, "not_found", "endpoint not found")
	})

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,

		// The long-poll handler holds connections open for PollBudget;
		// give the server-side timeouts comfortable headroom above it.
		IdleTimeout: 4 * cfg.PollBudget,
	}

	return s
}

// Server owns the HTTP listener and delegates all state to the gateway.
type Server struct {
	config     *Config
	gateway    *gateway.Gateway
	httpServer *http.Server
	logger     *slog.Logger
}

// Listen binds the configured address. addrInUse=true means another
// bridge instance already owns the port — not an error, the caller
// switches to proxy mode and forwards work to the incumbent.
func Listen(addr string) (ln net.Listener, addrInUse bool, err error) {
	ln, err = net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("binding %s: %w", addr, err)
	}
	return ln, false, nil
}

// Start serves HTTP on ln until ctx is cancelled or the server fails,
// then shuts down gracefully and drains the gateway.
func (s *Server) Start(ctx context.Context, ln net.Listener) error {
	s.logger.Info("bridge listening for plugin", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			s.gateway.Shutdown()
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	return s.Shutdown()
}

// Shutdown stops accepting connections, waits briefly for in-flight
// requests, and drains every pending call with a shutting-down error.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP shutdown error", "error", err)
	}

	s.gateway.Shutdown()

	s.logger.Info("shutdown complete")
	return nil
}
