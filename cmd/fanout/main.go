// The event-fanout service bridges the worker's Redis pub/sub execution
// events onto per-user WebSocket connections so dashboards can follow
// runs live without polling.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fluxline/engine/common/bootstrap"
)

// shutdownGrace bounds how long shutdown waits for the HTTP server to
// drain before forcing connections closed
const shutdownGrace = 10 * time.Second

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The fanout only bridges Redis onto WebSockets; it never touches
	// the database.
	components, err := bootstrap.Setup(ctx, "event-fanout", bootstrap.WithoutDB())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	log := components.Logger
	log.Info("event-fanout starting")

	hub := NewHub(log)
	subscriber := NewSubscriber(components.Redis.GetUnderlying(), hub, log)
	server := NewServer(hub, components.Health, log)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", components.Config.Service.Port),
		Handler: server.Routes(),
		// No read or write timeouts: upgraded connections are
		// long-lived and a timeout would kill them mid-stream.
		IdleTimeout: 120 * time.Second,
	}

	errChan := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := subscriber.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("subscriber error: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("event-fanout listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	waitForShutdown(cancel, errChan, log)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown failed, forcing close", "error", err)
		httpServer.Close()
	}

	// Shutdown does not track hijacked connections. Closing the hub
	// makes every write pump send a close frame and drop its conn.
	hub.Close()

	wg.Wait()
	log.Info("event-fanout stopped")
}

// waitForShutdown waits for either a component error or a shutdown signal
func waitForShutdown(cancel context.CancelFunc, errChan chan error, log Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Error("component failed", "error", err)
		os.Exit(1)
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}
}
