// Package routes registers the worker's ops HTTP surface: health,
// Prometheus metrics, execution progress, breaker state, and a
// token-guarded debug group. The surface is read-only; executions flow
// through the queue, never through HTTP.
package routes

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	workermw "github.com/fluxline/engine/cmd/worker/middleware"
	"github.com/fluxline/engine/cmd/worker/monitor"
	"github.com/fluxline/engine/common/blocks"
	"github.com/fluxline/engine/common/bootstrap"
	"github.com/fluxline/engine/common/breaker"
	"github.com/fluxline/engine/common/db"
	"github.com/fluxline/engine/common/metrics"
	"github.com/fluxline/engine/common/ratelimit"
)

// DelayedCounter reports how many messages wait in the delayed retry set
type DelayedCounter interface {
	DelayedCount(ctx context.Context) (int64, error)
}

// Deps carries everything the ops surface reads
type Deps struct {
	Components *bootstrap.Components
	Monitor    *monitor.Monitor
	Breakers   *breaker.Breaker
	Blocks     *blocks.Registry
	Metrics    prometheus.Gatherer
	Queue      DelayedCounter
	Limits     *ratelimit.RateLimiter // nil when admission metering is off
	WorkerID   string
}

// New builds the ops server with the house middleware stack
func New(deps Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(echomw.Logger())
	e.Use(echomw.Recover())
	e.Use(echomw.CORS())
	e.Use(echomw.RequestID())

	Register(e, deps)
	return e
}

// Register binds the ops routes onto an echo instance
func Register(e *echo.Echo, deps Deps) {
	e.GET("/health", healthHandler(deps))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{})))

	api := e.Group("/api/v1")
	api.GET("/executions/:id/progress", progressHandler(deps.Monitor))
	api.GET("/breakers/:circuit_id", breakerHandler(deps.Breakers))

	debug := api.Group("/debug", workermw.DebugAuth(deps.Components.Config.Handlers.DebugToken))
	debug.GET("/handlers", handlerTypes(deps.Blocks))
	debug.GET("/system", systemInfo(deps.WorkerID))
	debug.GET("/queue", queueDepth(deps.Queue))
	if deps.Components.DB != nil {
		debug.GET("/pool", poolStats(deps.Components.DB))
	}
	if deps.Limits != nil {
		debug.GET("/limits/:user_id", limitUsage(deps.Limits))
		debug.DELETE("/limits/:user_id", limitReset(deps.Limits))
	}
}

func healthHandler(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := deps.Components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":    "healthy",
			"worker_id": deps.WorkerID,
		})
	}
}

// progressHandler serves the live monitor snapshot. Entries evict a few
// minutes after a terminal event; clients needing history read the
// durable execution log instead.
func progressHandler(mon *monitor.Monitor) echo.HandlerFunc {
	return func(c echo.Context) error {
		snap, ok := mon.Progress(c.Param("id"))
		if !ok {
			return c.JSON(http.StatusNotFound, map[string]interface{}{
				"error": "execution is not tracked",
			})
		}
		return c.JSON(http.StatusOK, snap)
	}
}

func breakerHandler(breakers *breaker.Breaker) echo.HandlerFunc {
	return func(c echo.Context) error {
		circuitID := c.Param("circuit_id")
		state, err := breakers.State(c.Request().Context(), circuitID)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]interface{}{
				"error": err.Error(),
			})
		}
		if state == nil {
			return c.JSON(http.StatusNotFound, map[string]interface{}{
				"error": "circuit has no recorded state",
			})
		}
		return c.JSON(http.StatusOK, state)
	}
}

func handlerTypes(registry *blocks.Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"handlers": registry.Types(),
		})
	}
}

func systemInfo(workerID string) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"worker_id": workerID,
			"system":    metrics.GetSystemInfo().ToMap(),
		})
	}
}

// poolStats reports database pool pressure. Lease claims and breaker
// updates contend on the same pool, so empty acquires climbing here
// usually explain stalled executions.
func poolStats(pool *db.DB) echo.HandlerFunc {
	return func(c echo.Context) error {
		s := pool.Stat()
		return c.JSON(http.StatusOK, map[string]interface{}{
			"total_conns":    s.TotalConns(),
			"acquired_conns": s.AcquiredConns(),
			"idle_conns":     s.IdleConns(),
			"max_conns":      s.MaxConns(),
			"empty_acquires": s.EmptyAcquireCount(),
		})
	}
}

func queueDepth(queue DelayedCounter) echo.HandlerFunc {
	return func(c echo.Context) error {
		delayed, err := queue.DelayedCount(c.Request().Context())
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]interface{}{
				"error": err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"delayed": delayed,
		})
	}
}

func limitUsage(limits *ratelimit.RateLimiter) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := c.Param("user_id")
		usage, err := limits.UserUsage(c.Request().Context(), userID)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]interface{}{
				"error": err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"user_id": userID,
			"tiers":   usage,
		})
	}
}

func limitReset(limits *ratelimit.RateLimiter) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := c.Param("user_id")
		if err := limits.ResetUserLimits(c.Request().Context(), userID); err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]interface{}{
				"error": err.Error(),
			})
		}
		return c.NoContent(http.StatusNoContent)
	}
}
