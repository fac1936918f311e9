// Package server wraps the ops HTTP listener with bounded request
// timeouts and context-driven graceful shutdown.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// shutdownGrace bounds how long in-flight requests may drain
const shutdownGrace = 30 * time.Second

// Server runs an http.Handler until its context is canceled
type Server struct {
	httpServer *http.Server
	logger     Logger
	name       string
}

// New creates a server on the given port
func New(name string, port int, handler http.Handler, logger Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
		name:   name,
	}
}

// Run serves until ctx is canceled, then drains in-flight requests for up
// to the grace period. A clean shutdown returns nil.
func (s *Server) Run(ctx context.Context) error {
	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("http server listening", "server", s.name, "addr", s.httpServer.Addr)
		serverErrors <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("%s failed: %w", s.name, err)
		}
		return nil

	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("graceful shutdown failed, closing", "server", s.name, "error", err)
		if err := s.httpServer.Close(); err != nil {
			return fmt.Errorf("failed to stop %s: %w", s.name, err)
		}
	}

	s.logger.Info("http server stopped", "server", s.name)
	return nil
}
