// Package config provides centralized configuration management for the
// service. It loads configuration from environment variables with sensible
// defaults and validates all settings on startup to fail fast on
// misconfiguration.
package config

import "time"

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Storage  StorageConfig
	Analysis AnalysisConfig
	Archive  ArchiveConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing response (default: 60s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"60s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 4)
	MinConns int `env:"DB_MIN_CONNS" default:"4"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// MigrationsPath is the filesystem path to migration files (default: migrations)
	MigrationsPath string `env:"DB_MIGRATIONS_PATH" default:"migrations"`
}

// StorageConfig holds S3-compatible object storage settings for raw
// upload payloads.
type StorageConfig struct {
	// Endpoint is the object store host:port (required)
	Endpoint string `env:"STORAGE_ENDPOINT" required:"true"`

	// AccessKey authenticates against the object store (required)
	AccessKey string `env:"STORAGE_ACCESS_KEY" required:"true"`

	// SecretKey authenticates against the object store (required)
	SecretKey string `env:"STORAGE_SECRET_KEY" required:"true"`

	// Bucket is the bucket holding upload payloads (default: geostage-uploads)
	Bucket string `env:"STORAGE_BUCKET" default:"geostage-uploads"`

	// UseSSL enables TLS to the object store (default: false)
	UseSSL bool `env:"STORAGE_USE_SSL" default:"false"`
}

// AnalysisConfig holds structural analysis settings.
type AnalysisConfig struct {
	// MaxFileSize is the maximum accepted payload size in bytes (default: 100MB)
	MaxFileSize int64 `env:"ANALYSIS_MAX_FILE_SIZE" default:"104857600"`

	// MaxConcurrent is the maximum number of parallel analyses (default: 5)
	MaxConcurrent int `env:"ANALYSIS_MAX_CONCURRENT" default:"5"`

	// MaxWaitTime is how long to wait for an analysis slot (default: 30s)
	MaxWaitTime time.Duration `env:"ANALYSIS_MAX_WAIT_TIME" default:"30s"`

	// CacheSize is the number of analysis reports kept in memory (default: 256)
	CacheSize int `env:"ANALYSIS_CACHE_SIZE" default:"256"`

	// Timeout is the maximum duration for one analysis run (default: 2m)
	Timeout time.Duration `env:"ANALYSIS_TIMEOUT" default:"2m"`
}

// ArchiveConfig holds ZIP archive handling settings.
type ArchiveConfig struct {
	// MaxEntries caps the number of archive entries examined (default: 10000)
	MaxEntries int `env:"ARCHIVE_MAX_ENTRIES" default:"10000"`

	// MaxTotalBytes caps the declared uncompressed size (default: 2GB)
	MaxTotalBytes int64 `env:"ARCHIVE_MAX_TOTAL_BYTES" default:"2147483648"`

	// MaxAttempts is the fetch retry budget (default: 3)
	MaxAttempts int `env:"ARCHIVE_MAX_ATTEMPTS" default:"3"`

	// RetryInterval is the base interval for fetch retries (default: 250ms)
	RetryInterval time.Duration `env:"ARCHIVE_RETRY_INTERVAL" default:"250ms"`
}

// RateLimitConfig holds rate limiting settings per time window.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`

	// AnalysisLimit is requests per minute for analysis endpoints (default: 10)
	AnalysisLimit int `env:"RATE_LIMIT_ANALYSIS" default:"10"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
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
