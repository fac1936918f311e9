// Package bootstrap assembles the shared service components (config,
// logger, database, Redis) and tears them down in reverse order on
// shutdown. Every binary starts with Setup.
package bootstrap

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fluxline/engine/common/config"
	"github.com/fluxline/engine/common/db"
	"github.com/fluxline/engine/common/logger"
	redisw "github.com/fluxline/engine/common/redis"
)

// Setup initializes the components a service needs before it can serve:
// configuration, then the logger, then whichever stores the options left
// enabled. Anything opened before a failure is closed again.
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	c := &Components{cleanupFuncs: make([]func() error, 0)}

	if err := loadConfig(c, options, serviceName); err != nil {
		return nil, err
	}
	buildLogger(c, options)

	c.Logger.Info("initializing service",
		"service", serviceName,
		"environment", c.Config.Service.Environment,
	)

	if !options.skipDB {
		if err := openDatabase(ctx, c); err != nil {
			c.Shutdown(ctx)
			return nil, err
		}
	}

	if !options.skipRedis {
		if err := openRedis(ctx, c); err != nil {
			c.Shutdown(ctx)
			return nil, err
		}
	}

	c.Logger.Info("service initialization complete",
		"service", serviceName,
		"db", c.DB != nil,
		"redis", c.Redis != nil,
	)

	return c, nil
}

func loadConfig(c *Components, options *options, serviceName string) error {
	if options.customConfig != nil {
		c.Config = options.customConfig
		return nil
	}
	cfg, err := config.Load(serviceName)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	c.Config = cfg
	return nil
}

func buildLogger(c *Components, options *options) {
	if options.customLogger != nil {
		c.Logger = options.customLogger
		return
	}
	c.Logger = logger.New(c.Config.Service.LogLevel, c.Config.Service.LogFormat)
}

func openDatabase(ctx context.Context, c *Components) error {
	c.Logger.Info("connecting to database")
	pool, err := db.New(ctx, c.Config, c.Logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	c.DB = pool
	c.addCleanup(func() error {
		c.DB.Close()
		return nil
	})
	return nil
}

// openRedis dials eagerly. A worker that cannot reach its queue should
// fail at startup, not on the first claim.
func openRedis(ctx context.Context, c *Components) error {
	c.Logger.Info("connecting to redis", "addr", c.Config.RedisAddr())

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     c.Config.RedisAddr(),
		Password: c.Config.Redis.Password,
		DB:       c.Config.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	c.Redis = redisw.NewClient(rdb, c.Logger)
	c.addCleanup(func() error {
		c.Logger.Info("closing redis connection")
		return rdb.Close()
	})
	return nil
}
