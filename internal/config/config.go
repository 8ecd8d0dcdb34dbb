// Package config provides centralized configuration management for sheetsync.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import "time"

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Sheets   SheetsConfig
	Breaker  BreakerConfig
	Queue    QueueConfig
	Sync     SyncConfig
	Deletion DeletionConfig
	Lock     LockConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds status API settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	ReadTimeout  time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout bounds graceful shutdown, including the queue drain (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 30s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL (Supabase) connection string (required)
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	MaxConns        int           `env:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// SheetsConfig holds Google Sheets access and quota settings.
type SheetsConfig struct {
	// SpreadsheetID identifies the spreadsheet holding the entity sheets (required)
	SpreadsheetID string `env:"SHEETS_SPREADSHEET_ID" required:"true"`

	// CredentialsFile is a service account JSON key; application default
	// credentials are used when empty.
	CredentialsFile string `env:"GOOGLE_APPLICATION_CREDENTIALS"`

	// MappingFile is a YAML entity mapping; the embedded mapping is used when empty.
	MappingFile string `env:"SHEETS_MAPPING_FILE"`

	// MaxTokens is the token bucket size (default: 100, the API's 100 requests / 100s quota)
	MaxTokens int `env:"SHEETS_RATE_MAX_TOKENS" default:"100"`

	// RefillPerSecond is the bucket refill rate (default: 1)
	RefillPerSecond float64 `env:"SHEETS_RATE_REFILL_PER_SECOND" default:"1"`

	// MaxWait bounds a single token acquisition (default: 30s)
	MaxWait time.Duration `env:"SHEETS_RATE_MAX_WAIT" default:"30s"`
}

// BreakerConfig holds circuit breaker settings, applied to every protected dependency.
type BreakerConfig struct {
	Threshold int           `env:"BREAKER_THRESHOLD" default:"5"`
	Timeout   time.Duration `env:"BREAKER_TIMEOUT" default:"60s"`
}

// QueueConfig holds the sync queue retry policy.
type QueueConfig struct {
	MaxRetries        int           `env:"QUEUE_MAX_RETRIES" default:"3"`
	InitialDelay      time.Duration `env:"QUEUE_INITIAL_DELAY" default:"1s"`
	MaxDelay          time.Duration `env:"QUEUE_MAX_DELAY" default:"10s"`
	BackoffMultiplier float64       `env:"QUEUE_BACKOFF_MULTIPLIER" default:"2"`
}

// SyncConfig holds reconciliation cycle settings.
type SyncConfig struct {
	// Schedule is a cron spec for the periodic trigger (default: @every 5m)
	Schedule string `env:"SYNC_SCHEDULE" default:"@every 5m"`

	// RunOnStart triggers a cycle immediately at startup (default: true)
	RunOnStart bool `env:"SYNC_RUN_ON_START" default:"true"`

	// CycleTimeout bounds the detection phase of one cycle (default: 10m)
	CycleTimeout time.Duration `env:"SYNC_CYCLE_TIMEOUT" default:"10m"`

	// Actor is recorded as deleted_by in the deletion audit (default: sheetsync)
	Actor string `env:"SYNC_ACTOR" default:"sheetsync"`
}

// DeletionConfig holds deletion sync safety settings.
type DeletionConfig struct {
	// Enabled controls whether delete candidates are acted upon at all (default: true)
	Enabled bool `env:"DELETION_SYNC_ENABLED" default:"true"`

	// StrictMode makes recent activity block a deletion instead of only warning (default: true)
	StrictMode bool `env:"DELETION_STRICT_MODE" default:"true"`

	// RecentActivityDays is the lookback window for activity checks (default: 7)
	RecentActivityDays int `env:"DELETION_RECENT_ACTIVITY_DAYS" default:"7"`

	// MaxPerSync caps deletions executed in one reconciliation run (default: 10)
	MaxPerSync int `env:"DELETION_MAX_PER_SYNC" default:"10"`
}

// LockConfig holds the single-runner guard settings.
type LockConfig struct {
	// RedisURL enables the distributed cycle lock; an in-process lock is used when empty
	RedisURL string `env:"REDIS_URL"`

	// TTL is the lock lease (default: 15m)
	TTL time.Duration `env:"SYNC_LOCK_TTL" default:"15m"`
}

// RateLimitConfig holds status API rate limiting.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the limit per client IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// RequireAPIKey protects operator (POST) routes (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted keys
	APIKeys []string `env:"API_KEYS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	if c.Host == "" {
		return ":" + itoa(c.Port)
	}
	return c.Host + ":" + itoa(c.Port)
}

// itoa converts an int to string without importing strconv in this file.
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b [20]byte
	n := len(b)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		n--
		b[n] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		n--
		b[n] = '-'
	}
	return string(b[n:])
}
