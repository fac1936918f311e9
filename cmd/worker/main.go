package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fluxline/engine/cmd/worker/consumer"
	"github.com/fluxline/engine/cmd/worker/executor"
	"github.com/fluxline/engine/cmd/worker/graph"
	"github.com/fluxline/engine/cmd/worker/handlers"
	"github.com/fluxline/engine/cmd/worker/lifecycle"
	"github.com/fluxline/engine/cmd/worker/monitor"
	"github.com/fluxline/engine/cmd/worker/routes"
	"github.com/fluxline/engine/cmd/worker/supervisor"
	"github.com/fluxline/engine/common/blocks"
	"github.com/fluxline/engine/common/bootstrap"
	"github.com/fluxline/engine/common/breaker"
	"github.com/fluxline/engine/common/metrics"
	"github.com/fluxline/engine/common/queue"
	"github.com/fluxline/engine/common/ratelimit"
	"github.com/fluxline/engine/common/repository"
	"github.com/fluxline/engine/common/server"
	"github.com/fluxline/engine/common/telemetry"
)

// drainGrace bounds how long shutdown waits for in-flight executions
const drainGrace = 30 * time.Second

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bootstrap service components
	components, err := bootstrap.Setup(ctx, "execution-worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	components.Logger.Info("execution-worker starting")

	// Initialize dependencies
	deps, err := initializeDependencies(ctx, components)
	if err != nil {
		components.Logger.Error("failed to initialize dependencies", "error", err)
		os.Exit(1)
	}
	defer deps.handlerCleanup()
	defer deps.broker.Close()

	// Create all worker components
	workerComponents := createWorkerComponents(deps, components)

	// Start all components
	errChan, wg := startComponents(ctx, workerComponents, components)

	components.Logger.Info("execution-worker started successfully",
		"worker_id", deps.workerID,
		"port", components.Config.Service.Port,
		"components", []string{"consumer", "reaper", "ops_server"})

	// Wait for shutdown signal or component error
	waitForShutdown(cancel, errChan, components)

	// Let in-flight executions drain before the deferred teardown
	waitWithTimeout(wg, drainGrace, components)

	components.Logger.Info("execution-worker shutting down gracefully")
}

// dependencies holds everything built before the worker components:
// the worker identity, the handler registry, repositories, and the broker
type dependencies struct {
	workerID       string
	promRegistry   *prometheus.Registry
	workerMetrics  *metrics.Worker
	registry       *blocks.Registry
	handlerCleanup func()

	executions *repository.ExecutionRepository
	blockRows  *repository.BlockRepository
	logs       *repository.LogRepository
	breakers   *repository.BreakerRepository
	workflows  *repository.WorkflowRepository
	profiles   *repository.ProfileRepository

	broker *queue.RedisBroker
}

// workerComponents holds the long-running pieces of the worker
type workerComponents struct {
	broker   *queue.RedisBroker
	consumer *consumer.Consumer
	reaper   *supervisor.Reaper
	ops      *server.Server
	profiler *telemetry.Profiler // nil unless PPROF_PORT is set
}

// initializeDependencies sets up metrics, block handlers, repositories,
// and the queue broker
func initializeDependencies(ctx context.Context, components *bootstrap.Components) (*dependencies, error) {
	cfg := components.Config

	promRegistry := prometheus.NewRegistry()
	workerMetrics := metrics.NewWorker(promRegistry)

	registry := blocks.NewRegistry()
	handlerCleanup := handlers.RegisterAll(registry, handlers.Deps{
		Redis:    components.Redis,
		Handlers: cfg.Handlers,
	})
	components.Logger.Info("registered block handlers", "types", registry.Types())

	workerID := consumer.NewWorkerID()

	broker, err := queue.NewRedisBroker(ctx, components.Redis, cfg.Queue, workerID, components.Logger)
	if err != nil {
		handlerCleanup()
		return nil, fmt.Errorf("failed to create queue broker: %w", err)
	}

	return &dependencies{
		workerID:       workerID,
		promRegistry:   promRegistry,
		workerMetrics:  workerMetrics,
		registry:       registry,
		handlerCleanup: handlerCleanup,
		executions:     repository.NewExecutionRepository(components.DB),
		blockRows:      repository.NewBlockRepository(components.DB),
		logs:           repository.NewLogRepository(components.DB),
		breakers:       repository.NewBreakerRepository(components.DB),
		workflows:      repository.NewWorkflowRepository(components.DB),
		profiles:       repository.NewProfileRepository(components.DB),
		broker:         broker,
	}, nil
}

// createWorkerComponents wires the breaker, monitor, executors, consumer,
// reaper, and the ops HTTP server
func createWorkerComponents(deps *dependencies, components *bootstrap.Components) *workerComponents {
	cfg := components.Config
	log := components.Logger

	store := breaker.NewCachedStore(deps.breakers, cfg.Cache.MaxEntries, cfg.Breaker.CacheTTL)
	circuits := breaker.NewBreaker(store, breaker.Settings{
		FailureThreshold:         cfg.Breaker.FailureThreshold,
		ResetTimeout:             cfg.Breaker.ResetTimeout,
		HalfOpenSuccessThreshold: cfg.Breaker.HalfOpenSuccessThreshold,
		MonitorWindow:            cfg.Breaker.MonitorWindow,
	}, log)
	multiLevel := breaker.NewMultiLevel(circuits, log)

	mon := monitor.NewMonitor(cfg.Monitor.Retention, log)
	events := lifecycle.NewEventPublisher(components.Redis, log)
	mon.SetSink(events.Sink())

	execLog := lifecycle.NewExecutionLogger(deps.logs, mon, log)

	validator := graph.NewValidator(deps.registry, cfg.Validation.TerminalAllowedCategories, log)
	resolver := blocks.NewResolver(log)

	nodeExecutor := executor.NewNodeExecutor(
		deps.registry,
		resolver,
		multiLevel,
		execLog,
		deps.workerMetrics,
		cfg.Node,
		cfg.Validation.StrictSchemaValidation,
		log,
	)
	workflowExecutor := executor.NewWorkflowExecutor(
		validator,
		nodeExecutor,
		multiLevel,
		deps.executions,
		deps.blockRows,
		execLog,
		mon,
		events,
		deps.workerMetrics,
		log,
	)

	// interface and pointer stay separately nil when metering is off so
	// the consumer's nil check holds
	var limits *ratelimit.RateLimiter
	var admission consumer.Limiter
	if cfg.RateLimit.Enabled {
		limits = ratelimit.NewRateLimiter(components.Redis.GetUnderlying(), ratelimit.TierLimits{
			ratelimit.TierSimple:   {Limit: cfg.RateLimit.SimpleLimit, WindowSeconds: cfg.RateLimit.WindowSeconds},
			ratelimit.TierStandard: {Limit: cfg.RateLimit.StandardLimit, WindowSeconds: cfg.RateLimit.WindowSeconds},
			ratelimit.TierHeavy:    {Limit: cfg.RateLimit.HeavyLimit, WindowSeconds: cfg.RateLimit.WindowSeconds},
		}, log)
		admission = limits
		log.Info("admission rate limiting enabled",
			"window_seconds", cfg.RateLimit.WindowSeconds,
			"simple", cfg.RateLimit.SimpleLimit,
			"standard", cfg.RateLimit.StandardLimit,
			"heavy", cfg.RateLimit.HeavyLimit)
	}

	queueConsumer := consumer.NewConsumer(
		deps.broker,
		deps.executions,
		deps.workflows,
		deps.profiles,
		admission,
		workflowExecutor,
		execLog,
		events,
		deps.workerMetrics,
		cfg.Queue,
		cfg.Cache,
		deps.workerID,
		log,
	)

	reaper := supervisor.NewReaper(deps.executions, deps.broker, deps.workerMetrics, cfg.Queue.LeaseTTL, log)

	ops := routes.New(routes.Deps{
		Components: components,
		Monitor:    mon,
		Breakers:   multiLevel.Breaker(),
		Blocks:     deps.registry,
		Metrics:    deps.promRegistry,
		Queue:      deps.broker,
		Limits:     limits,
		WorkerID:   deps.workerID,
	})

	var profiler *telemetry.Profiler
	if cfg.Telemetry.PprofPort > 0 {
		profiler = telemetry.NewProfiler(cfg.Telemetry.PprofPort, log)
	}

	return &workerComponents{
		broker:   deps.broker,
		consumer: queueConsumer,
		reaper:   reaper,
		ops:      server.New("ops-server", cfg.Service.Port, ops, log),
		profiler: profiler,
	}
}

// startComponents starts the long-running components in goroutines. The
// returned WaitGroup lets shutdown wait for the consumer drain.
func startComponents(ctx context.Context, wc *workerComponents, components *bootstrap.Components) (chan error, *sync.WaitGroup) {
	errChan := make(chan error, 4)
	var wg sync.WaitGroup

	// The promoter moves due retries back onto the main stream
	wc.broker.StartPromoter(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		components.Logger.Info("starting queue consumer")
		if err := wc.consumer.Run(ctx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("queue consumer error: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		components.Logger.Info("starting lease reaper")
		if err := wc.reaper.Run(ctx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("lease reaper error: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		components.Logger.Info("starting ops server")
		if err := wc.ops.Run(ctx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("ops server error: %w", err)
		}
	}()

	if wc.profiler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := wc.profiler.Run(ctx); err != nil && err != context.Canceled {
				errChan <- fmt.Errorf("pprof listener error: %w", err)
			}
		}()
	}

	return errChan, &wg
}

// waitForShutdown waits for either a component error or a shutdown signal
func waitForShutdown(cancel context.CancelFunc, errChan chan error, components *bootstrap.Components) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		components.Logger.Error("component failed", "error", err)
		os.Exit(1)
	case sig := <-sigChan:
		components.Logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}
}

// waitWithTimeout blocks until the components stop or the grace elapses
func waitWithTimeout(wg *sync.WaitGroup, grace time.Duration, components *bootstrap.Components) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		components.Logger.Warn("shutdown grace elapsed before all components stopped")
	}
}
