// Package constants defines the shared-store key layout and default tuning
// values for the admission control core. Every process instance derives keys
// from these prefixes, so changing them is a breaking change for running
// deployments.
package constants

import "time"

// ================================================================================
// Shared-Store Key Layout
// ================================================================================

const (
	// RateLimitKeyPrefix namespaces leaky-bucket token counts.
	// Full key: rate_limit:<key>
	RateLimitKeyPrefix = "rate_limit"

	// RateLimitTimestampSuffix is appended to a bucket key for the last-refill
	// timestamp. Full key: rate_limit:<key>:timestamp
	RateLimitTimestampSuffix = "timestamp"

	// EndpointLimitsKeyPrefix namespaces discovered per-endpoint limits.
	// Full key: close_rate_limit:limits:<endpoint_key>
	EndpointLimitsKeyPrefix = "close_rate_limit:limits"

	// EndpointBucketPrefix namespaces the per-endpoint token buckets used by
	// the dynamic limiter. Full bucket key: close_endpoint:<endpoint_key>
	EndpointBucketPrefix = "close_endpoint"

	// Circuit breaker key prefixes, one keyspace per concern so that state,
	// counters and metrics carry independent lifecycles.
	BreakerStateKeyPrefix       = "circuit_breaker_state"
	BreakerFailuresKeyPrefix    = "circuit_breaker_failures"
	BreakerLastFailureKeyPrefix = "circuit_breaker_last_failure"
	BreakerMetricsKeyPrefix     = "circuit_breaker_metrics"
	BreakerBackoffKeyPrefix     = "circuit_breaker_backoff"

	// Queue list prefixes. Entries move queue -> processing -> completed|failed.
	QueueKeyPrefix      = "queue"
	ProcessingKeyPrefix = "processing"
	CompletedKeyPrefix  = "completed"
	FailedKeyPrefix     = "failed"

	// ResultKeyPrefix namespaces per-request result records so that any
	// process can poll for an outcome. Full key: result:<queue>:<request_id>
	ResultKeyPrefix = "result"
)

// ================================================================================
// Rate Limiter Defaults
// ================================================================================

const (
	// DefaultSafetyFactor keeps sustained throughput at 80% of the
	// dependency's advertised limit. A permanent haircut, not an adjustment.
	DefaultSafetyFactor = 0.8

	// DefaultWindowSize is the TTL applied to bucket keys; an idle bucket
	// expires after one window.
	DefaultWindowSize = 60 * time.Second

	// DefaultConservativeRPS is used for endpoints whose real limit has not
	// been discovered yet. Deliberately far below any real API limit.
	DefaultConservativeRPS = 1.0

	// DefaultLimitCacheExpiration bounds how long a discovered endpoint limit
	// is trusted before it must be re-observed.
	DefaultLimitCacheExpiration = time.Hour
)

// ================================================================================
// Circuit Breaker Defaults
// ================================================================================

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second

	// BreakerBackoffCap bounds the exponential backoff delay.
	BreakerBackoffCap = 300 * time.Second

	// BreakerBackoffTTL expires a stale backoff level so a quiet breaker does
	// not penalize the first request after a long gap.
	BreakerBackoffTTL = time.Hour
)

// ================================================================================
// Queue Defaults
// ================================================================================

const (
	DefaultMaxWorkers         = 5
	DefaultMaxAcquireAttempts = 10
	DefaultAcquireRetryDelay  = 500 * time.Millisecond

	// DefaultDequeueTimeout is the bounded blocking wait on BRPOP so workers
	// observe shutdown promptly.
	DefaultDequeueTimeout = time.Second

	// DefaultResultTTL is how long a completed result record stays pollable.
	DefaultResultTTL = time.Hour
)

// ================================================================================
// Context Keys
// ================================================================================

// ContextKey is a distinct type for context values set by middleware.
type ContextKey string

// ContextKeyRequestID carries the inbound request id assigned by middleware.
const ContextKeyRequestID ContextKey = "request_id"
