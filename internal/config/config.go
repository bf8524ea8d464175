// Package config holds the application configuration. A single Config is
// constructed at process start in cmd/server and passed explicitly to every
// constructor; there are no lazy first-use globals.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration object.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Breaker    BreakerConfig    `mapstructure:"circuit_breaker"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Log        LogConfig        `mapstructure:"log"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // seconds
}

type RedisConfig struct {
	Addresses    []string `mapstructure:"addresses"`
	Password     string   `mapstructure:"password"`
	DB           int      `mapstructure:"db"`
	PoolSize     int      `mapstructure:"pool_size"`
	MinIdleConns int      `mapstructure:"min_idle_conns"`
	DialTimeout  int      `mapstructure:"dial_timeout"`  // seconds
	ReadTimeout  int      `mapstructure:"read_timeout"`  // seconds
	WriteTimeout int      `mapstructure:"write_timeout"` // seconds
	EnableTLS    bool     `mapstructure:"enable_tls"`
}

// RateLimitConfig covers both the plain leaky-bucket limiter and the dynamic
// endpoint-aware layer.
type RateLimitConfig struct {
	// NominalRatePerSecond is the dependency's advertised limit.
	NominalRatePerSecond float64 `mapstructure:"nominal_rate_per_second"`

	// SafetyFactor is the permanent haircut applied below the advertised
	// limit (0 < f <= 1).
	SafetyFactor float64 `mapstructure:"safety_factor"`

	WindowSizeSeconds int `mapstructure:"window_size_seconds"`

	// ConservativeDefaultRPS is used for endpoints with no discovered limit.
	ConservativeDefaultRPS float64 `mapstructure:"conservative_default_rps"`

	// CacheExpirationSeconds bounds how long discovered limits are trusted.
	CacheExpirationSeconds int `mapstructure:"cache_expiration_seconds"`

	// MaxBurst, when > 0, caps idle token accumulation. 0 means uncapped,
	// matching the pure leaky bucket.
	MaxBurst float64 `mapstructure:"max_burst"`

	// FallbackOnStoreError selects fail-open (true) or fail-closed (false)
	// behavior when the shared store is unreachable.
	FallbackOnStoreError bool `mapstructure:"fallback_on_store_error"`
}

// Window returns the bucket TTL as a duration.
func (c *RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSizeSeconds) * time.Second
}

// CacheExpiration returns the discovered-limit TTL as a duration.
func (c *RateLimitConfig) CacheExpiration() time.Duration {
	return time.Duration(c.CacheExpirationSeconds) * time.Second
}

type BreakerConfig struct {
	Name                   string `mapstructure:"name"`
	FailureThreshold       int    `mapstructure:"failure_threshold"`
	RecoveryTimeoutSeconds int    `mapstructure:"recovery_timeout_seconds"`
	EnableBackoff          bool   `mapstructure:"enable_backoff"`
	FallbackOnStoreError   bool   `mapstructure:"fallback_on_store_error"`
}

// RecoveryTimeout returns the OPEN -> HALF_OPEN probe delay as a duration.
func (c *BreakerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutSeconds) * time.Second
}

type QueueConfig struct {
	Name                  string `mapstructure:"name"`
	MaxWorkers            int    `mapstructure:"max_workers"`
	MaxAcquireAttempts    int    `mapstructure:"max_acquire_attempts"`
	AcquireRetryDelayMS   int    `mapstructure:"acquire_retry_delay_ms"`
	DequeueTimeoutSeconds int    `mapstructure:"dequeue_timeout_seconds"`
	ResultTTLSeconds      int    `mapstructure:"result_ttl_seconds"`
}

func (c *QueueConfig) AcquireRetryDelay() time.Duration {
	return time.Duration(c.AcquireRetryDelayMS) * time.Millisecond
}

func (c *QueueConfig) DequeueTimeout() time.Duration {
	return time.Duration(c.DequeueTimeoutSeconds) * time.Second
}

func (c *QueueConfig) ResultTTL() time.Duration {
	return time.Duration(c.ResultTTLSeconds) * time.Second
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
}

type MonitoringConfig struct {
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// Validate checks the recognized options for values that would silently break
// admission decisions at runtime.
func (c *Config) Validate() error {
	if c.RateLimit.SafetyFactor <= 0 || c.RateLimit.SafetyFactor > 1 {
		return fmt.Errorf("rate_limit.safety_factor must be in (0, 1], got %v", c.RateLimit.SafetyFactor)
	}
	if c.RateLimit.NominalRatePerSecond <= 0 {
		return fmt.Errorf("rate_limit.nominal_rate_per_second must be positive, got %v", c.RateLimit.NominalRatePerSecond)
	}
	if c.RateLimit.ConservativeDefaultRPS <= 0 {
		return fmt.Errorf("rate_limit.conservative_default_rps must be positive, got %v", c.RateLimit.ConservativeDefaultRPS)
	}
	if c.RateLimit.WindowSizeSeconds <= 0 {
		return fmt.Errorf("rate_limit.window_size_seconds must be positive, got %d", c.RateLimit.WindowSizeSeconds)
	}
	if c.RateLimit.MaxBurst < 0 {
		return fmt.Errorf("rate_limit.max_burst must be >= 0, got %v", c.RateLimit.MaxBurst)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.RecoveryTimeoutSeconds <= 0 {
		return fmt.Errorf("circuit_breaker.recovery_timeout_seconds must be positive, got %d", c.Breaker.RecoveryTimeoutSeconds)
	}
	if c.Queue.MaxWorkers <= 0 {
		return fmt.Errorf("queue.max_workers must be positive, got %d", c.Queue.MaxWorkers)
	}
	if c.Queue.MaxAcquireAttempts <= 0 {
		return fmt.Errorf("queue.max_acquire_attempts must be positive, got %d", c.Queue.MaxAcquireAttempts)
	}
	if len(c.Redis.Addresses) == 0 {
		return fmt.Errorf("redis.addresses must not be empty")
	}
	return nil
}
