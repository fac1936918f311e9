// Package telemetry exposes the optional pprof listener. The listener
// binds localhost only; profiles reveal heap contents and must not leave
// the host.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// shutdownGrace bounds how long Run waits for profile downloads in flight
const shutdownGrace = 5 * time.Second

// Profiler serves the runtime profiling endpoints that net/http/pprof
// registers on the default mux
type Profiler struct {
	server *http.Server
	logger Logger
}

// NewProfiler creates a profiler listening on localhost:port
func NewProfiler(port int, logger Logger) *Profiler {
	return &Profiler{
		server: &http.Server{
			Addr: fmt.Sprintf("localhost:%d", port),
		},
		logger: logger,
	}
}

// Run serves profiles until ctx is canceled
func (p *Profiler) Run(ctx context.Context) error {
	serverErrors := make(chan error, 1)
	go func() {
		p.logger.Info("pprof listener started", "addr", p.server.Addr)
		serverErrors <- p.server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("pprof listener failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := p.server.Shutdown(shutdownCtx); err != nil {
		p.logger.Warn("pprof shutdown did not finish cleanly", "error", err)
		_ = p.server.Close()
	}

	p.logger.Info("pprof listener stopped")
	return nil
}
