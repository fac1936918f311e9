package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service    ServiceConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Queue      QueueConfig
	Node       NodeConfig
	Validation ValidationConfig
	Breaker    BreakerConfig
	Cache      CacheConfig
	Monitor    MonitorConfig
	Handlers   HandlerConfig
	RateLimit  RateLimitConfig
	Telemetry  TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	SSLMode     string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// QueueConfig holds broker settings for the execution queues
type QueueConfig struct {
	Stream          string
	RetrySet        string
	DLQStream       string
	Group           string
	Prefetch        int
	MaxRetries      int
	LeaseTTL        time.Duration
	PromoteInterval time.Duration

	// ClaimMinIdle is how long a pending entry may sit with a dead
	// consumer before another worker adopts it. 0 disables adoption.
	ClaimMinIdle time.Duration
}

// NodeConfig bounds a single node execution
type NodeConfig struct {
	MaxRetries       int
	RetryBackoff     time.Duration
	RetryJitter      time.Duration
	ExecutionTimeout time.Duration
}

// ValidationConfig controls graph and schema validation
type ValidationConfig struct {
	TerminalAllowedCategories []string
	StrictSchemaValidation    bool
}

// BreakerConfig holds circuit breaker thresholds
type BreakerConfig struct {
	FailureThreshold         int
	ResetTimeout             time.Duration
	HalfOpenSuccessThreshold int
	MonitorWindow            time.Duration
	CacheTTL                 time.Duration
}

// CacheConfig bounds the per-worker workflow and profile caches
type CacheConfig struct {
	MaxEntries int
	TTL        time.Duration
}

// MonitorConfig controls the in-memory progress view
type MonitorConfig struct {
	Retention time.Duration
}

// HandlerConfig carries endpoints the builtin block handlers depend on
type HandlerConfig struct {
	SandboxURL          string
	EthRPCURL           string
	NotificationsStream string
	DebugToken          string

	// BlockPrivateURLs makes fetching handlers refuse URLs that resolve
	// to loopback, private, or link-local addresses
	BlockPrivateURLs bool
}

// RateLimitConfig governs per-user admission metering. Limits are
// executions per window, one counter per workflow tier.
type RateLimitConfig struct {
	Enabled       bool
	SimpleLimit   int64
	StandardLimit int64
	HeavyLimit    int64
	WindowSeconds int
}

// TelemetryConfig exposes optional runtime profiling
type TelemetryConfig struct {
	PprofPort int // 0 disables the pprof listener
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("SERVICE_PORT", 8081),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "console"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        getEnvInt("DB_PORT", 5432),
			Database:    getEnv("DB_NAME", "workflows"),
			User:        getEnv("DB_USER", "postgres"),
			Password:    getEnv("DB_PASSWORD", ""),
			SSLMode:     getEnv("DB_SSL_MODE", "disable"),
			MaxConns:    getEnvInt("DB_MAX_CONNS", 10),
			MinConns:    getEnvInt("DB_MIN_CONNS", 2),
			MaxIdleTime: getEnvDuration("DB_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("DB_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			Stream:          getEnv("QUEUE_STREAM", "wf.executions"),
			RetrySet:        getEnv("QUEUE_RETRY_SET", "wf.executions.delayed"),
			DLQStream:       getEnv("QUEUE_DLQ_STREAM", "wf.executions.dlq"),
			Group:           getEnv("QUEUE_GROUP", "execution_workers"),
			Prefetch:        getEnvInt("QUEUE_PREFETCH", 10),
			MaxRetries:      getEnvInt("QUEUE_MAX_RETRIES", 3),
			LeaseTTL:        getEnvDuration("QUEUE_LEASE_TTL", 5*time.Minute),
			PromoteInterval: getEnvDuration("QUEUE_PROMOTE_INTERVAL", 1*time.Second),
			ClaimMinIdle:    getEnvDuration("QUEUE_CLAIM_MIN_IDLE", 10*time.Minute),
		},
		Node: NodeConfig{
			MaxRetries:       getEnvInt("NODE_MAX_RETRIES", 3),
			RetryBackoff:     time.Duration(getEnvInt("NODE_RETRY_BACKOFF_MS", 1000)) * time.Millisecond,
			RetryJitter:      time.Duration(getEnvInt("NODE_RETRY_JITTER_MS", 500)) * time.Millisecond,
			ExecutionTimeout: time.Duration(getEnvInt("NODE_EXECUTION_TIMEOUT", 300000)) * time.Millisecond,
		},
		Validation: ValidationConfig{
			TerminalAllowedCategories: getEnvSlice("TERMINAL_ALLOWED_CATEGORIES", []string{"ACTION", "TRIGGER"}),
			StrictSchemaValidation:    getEnvBool("STRICT_SCHEMA_VALIDATION", false),
		},
		Breaker: BreakerConfig{
			FailureThreshold:         getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			ResetTimeout:             getEnvDuration("BREAKER_RESET_TIMEOUT", 30*time.Second),
			HalfOpenSuccessThreshold: getEnvInt("BREAKER_HALF_OPEN_SUCCESSES", 2),
			MonitorWindow:            getEnvDuration("BREAKER_MONITOR_WINDOW", 120*time.Second),
			CacheTTL:                 getEnvDuration("BREAKER_CACHE_TTL", 1*time.Second),
		},
		Cache: CacheConfig{
			MaxEntries: getEnvInt("CACHE_MAX_ENTRIES", 100),
			TTL:        getEnvDuration("CACHE_TTL", 1*time.Hour),
		},
		Monitor: MonitorConfig{
			Retention: getEnvDuration("MONITOR_RETENTION", 5*time.Minute),
		},
		Handlers: HandlerConfig{
			SandboxURL:          getEnv("SANDBOX_URL", "http://localhost:8090"),
			EthRPCURL:           getEnv("ETH_RPC_URL", ""),
			NotificationsStream: getEnv("NOTIFICATIONS_STREAM", "wf.notifications"),
			DebugToken:          getEnv("DEBUG_TOKEN", ""),
			BlockPrivateURLs:    getEnvBool("BLOCK_PRIVATE_URLS", true),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getEnvBool("RATE_LIMIT_ENABLED", false),
			SimpleLimit:   int64(getEnvInt("RATE_LIMIT_SIMPLE", 100)),
			StandardLimit: int64(getEnvInt("RATE_LIMIT_STANDARD", 20)),
			HeavyLimit:    int64(getEnvInt("RATE_LIMIT_HEAVY", 5)),
			WindowSeconds: getEnvInt("RATE_LIMIT_WINDOW_SEC", 60),
		},
		Telemetry: TelemetryConfig{
			PprofPort: getEnvInt("PPROF_PORT", 0),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Queue.Prefetch < 1 {
		return fmt.Errorf("queue prefetch must be >= 1")
	}

	if c.Node.MaxRetries < 0 {
		return fmt.Errorf("node max retries must be >= 0")
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure threshold must be >= 1")
	}

	if c.Breaker.HalfOpenSuccessThreshold < 1 {
		return fmt.Errorf("breaker half-open success threshold must be >= 1")
	}

	if c.RateLimit.Enabled && c.RateLimit.WindowSeconds < 1 {
		return fmt.Errorf("rate limit window must be >= 1 second")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		c.Database.SSLMode,
	)
}

// RedisAddr returns the host:port address for the Redis client
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
