package config

import (
	"context"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/whiteboard-geeks/mailerautomation/pkg/constants"
	"github.com/whiteboard-geeks/mailerautomation/pkg/logger"
)

// LoadConfig loads configuration from file and environment variables.
// File lookup: ./config.yaml, ./configs/config.yaml, /etc/mailerautomation/config.yaml.
// Environment variables use the MAILER_ prefix with underscores, e.g.
// MAILER_RATE_LIMIT_SAFETY_FACTOR.
func LoadConfig(log logger.Logger) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/mailerautomation/")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		log.Info(context.Background(), "no config file found, using defaults and environment")
	}

	v.SetEnvPrefix("MAILER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	watchConfig(v, log)

	return &cfg, nil
}

// watchConfig logs config file changes. Admission parameters are read once at
// startup; the log line tells operators a restart is needed to apply them.
func watchConfig(v *viper.Viper, log logger.Logger) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Warn(context.Background(), "config file changed, restart to apply",
			logger.String("file", e.Name),
			logger.String("op", e.Op.String()),
		)
	})
	v.WatchConfig()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15)
	v.SetDefault("server.write_timeout", 15)

	v.SetDefault("redis.addresses", []string{"localhost:6379"})
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", 5)
	v.SetDefault("redis.read_timeout", 3)
	v.SetDefault("redis.write_timeout", 3)

	v.SetDefault("rate_limit.nominal_rate_per_second", 10.0)
	v.SetDefault("rate_limit.safety_factor", constants.DefaultSafetyFactor)
	v.SetDefault("rate_limit.window_size_seconds", int(constants.DefaultWindowSize.Seconds()))
	v.SetDefault("rate_limit.conservative_default_rps", constants.DefaultConservativeRPS)
	v.SetDefault("rate_limit.cache_expiration_seconds", int(constants.DefaultLimitCacheExpiration.Seconds()))
	v.SetDefault("rate_limit.max_burst", 0.0)
	v.SetDefault("rate_limit.fallback_on_store_error", true)

	v.SetDefault("circuit_breaker.name", "close_api")
	v.SetDefault("circuit_breaker.failure_threshold", constants.DefaultFailureThreshold)
	v.SetDefault("circuit_breaker.recovery_timeout_seconds", int(constants.DefaultRecoveryTimeout.Seconds()))
	v.SetDefault("circuit_breaker.enable_backoff", false)
	v.SetDefault("circuit_breaker.fallback_on_store_error", true)

	v.SetDefault("queue.name", "instantly_requests")
	v.SetDefault("queue.max_workers", constants.DefaultMaxWorkers)
	v.SetDefault("queue.max_acquire_attempts", constants.DefaultMaxAcquireAttempts)
	v.SetDefault("queue.acquire_retry_delay_ms", int(constants.DefaultAcquireRetryDelay.Milliseconds()))
	v.SetDefault("queue.dequeue_timeout_seconds", int(constants.DefaultDequeueTimeout.Seconds()))
	v.SetDefault("queue.result_ttl_seconds", int(constants.DefaultResultTTL.Seconds()))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "mailer-admission")
	v.SetDefault("tracing.sampling_rate", 0.1)

	v.SetDefault("monitoring.pprof_enabled", false)
}
