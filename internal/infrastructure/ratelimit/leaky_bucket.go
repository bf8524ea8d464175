// Package ratelimit provides distributed rate limiting against a shared Redis
// store using a pure leaky bucket.
//
// Tokens accumulate at effective_rate (nominal rate times the safety factor)
// and the bucket starts empty, so the very first request through a fresh
// bucket waits for a full token to accrue. There is no burst cap unless one
// is configured; sustained throughput converges to the effective rate from
// any starting state.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whiteboard-geeks/mailerautomation/internal/config"
	"github.com/whiteboard-geeks/mailerautomation/internal/infrastructure/monitoring"
	"github.com/whiteboard-geeks/mailerautomation/pkg/constants"
	apperrors "github.com/whiteboard-geeks/mailerautomation/pkg/errors"
	"github.com/whiteboard-geeks/mailerautomation/pkg/logger"
)

// Lua script for atomic leaky bucket token acquisition. Read, refill, decide
// and write happen in one round trip, so concurrent acquirers on the same
// bucket can never interleave.
//
// KEYS[1] = token count key, KEYS[2] = last refill timestamp key
// ARGV[1] = rate (tokens/sec), ARGV[2] = now (unix seconds, fractional)
// ARGV[3] = window TTL (seconds), ARGV[4] = max burst (0 = uncapped)
const acquireLuaScript = `
local tokens = tonumber(redis.call('GET', KEYS[1]))
local last = tonumber(redis.call('GET', KEYS[2]))
local rate = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local max_burst = tonumber(ARGV[4])

if tokens == nil then
    tokens = 0
end
if last == nil then
    last = now
end

local elapsed = now - last
if elapsed < 0 then
    elapsed = 0
end

local candidate = tokens + elapsed * rate
if max_burst > 0 and candidate > max_burst then
    candidate = max_burst
end

local allowed = 0
if candidate >= 1.0 then
    candidate = candidate - 1.0
    allowed = 1
end

redis.call('SETEX', KEYS[1], window, tostring(candidate))
redis.call('SETEX', KEYS[2], window, tostring(now))

return {allowed, tostring(candidate)}
`

// Limiter is a distributed leaky bucket rate limiter backed by Redis, with an
// in-process fallback for store outages.
type Limiter struct {
	client  redis.UniversalClient
	cfg     *config.RateLimitConfig
	log     logger.Logger
	metrics *monitoring.Metrics
	local   *BucketPool
	script  *redis.Script
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source. Used by tests to drive deterministic
// refill intervals.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a Redis-backed leaky bucket limiter.
func NewLimiter(
	client redis.UniversalClient,
	cfg *config.RateLimitConfig,
	log logger.Logger,
	metrics *monitoring.Metrics,
	opts ...Option,
) (*Limiter, error) {
	if client == nil {
		return nil, apperrors.ErrInvalidRequest("redis client is required")
	}
	if cfg == nil {
		return nil, apperrors.ErrInvalidRequest("rate limit config is required")
	}

	l := &Limiter{
		client:  client,
		cfg:     cfg,
		log:     log.WithComponent("rate_limiter"),
		metrics: metrics,
		script:  redis.NewScript(acquireLuaScript),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.local = NewBucketPool(cfg.MaxBurst, l.now)

	log.Info(context.Background(), "rate limiter initialized",
		logger.Float64("nominal_rate_per_second", cfg.NominalRatePerSecond),
		logger.Float64("safety_factor", cfg.SafetyFactor),
		logger.Float64("effective_rate", l.EffectiveRate()),
		logger.Int("window_seconds", cfg.WindowSizeSeconds),
		logger.Bool("fallback_on_store_error", cfg.FallbackOnStoreError),
	)

	return l, nil
}

// EffectiveRate returns the rate tokens actually accumulate at: the nominal
// rate with the safety haircut applied.
func (l *Limiter) EffectiveRate() float64 {
	return l.cfg.NominalRatePerSecond * l.cfg.SafetyFactor
}

// Acquire attempts to consume one token from the bucket for key at the
// configured effective rate. It returns true when the request may proceed.
// A false with nil error is a clean denial; an error means the decision
// could not be made and the fallback policy was fail-closed.
func (l *Limiter) Acquire(ctx context.Context, key string) (bool, error) {
	return l.acquireAtRate(ctx, key, l.EffectiveRate())
}

// acquireAtRate runs the bucket script at an explicit rate. The dynamic
// endpoint limiter uses this with discovered per-endpoint rates that already
// carry the safety factor.
func (l *Limiter) acquireAtRate(ctx context.Context, key string, rate float64) (bool, error) {
	bucketKey, tsKey := bucketKeys(key)
	nowSeconds := float64(l.now().UnixNano()) / float64(time.Second)

	result, err := l.script.Run(ctx, l.client,
		[]string{bucketKey, tsKey},
		rate,
		strconv.FormatFloat(nowSeconds, 'f', -1, 64),
		l.cfg.WindowSizeSeconds,
		l.cfg.MaxBurst,
	).Result()
	if err != nil {
		return l.handleStoreError(ctx, key, rate, err)
	}

	allowed, tokens, err := parseAcquireResult(result)
	if err != nil {
		return false, apperrors.ErrInternal("unexpected bucket script result").WithCause(err)
	}

	l.metrics.RecordPermit(key, allowed)
	l.log.Debug(ctx, "token acquisition decided",
		logger.String("key", key),
		logger.Bool("allowed", allowed),
		logger.Float64("tokens", tokens),
		logger.Float64("rate", rate),
	)

	return allowed, nil
}

// handleStoreError applies the fallback policy when the store cannot be
// reached: fail-open via the local bucket, or fail-closed with a typed error.
func (l *Limiter) handleStoreError(ctx context.Context, key string, rate float64, err error) (bool, error) {
	if !l.cfg.FallbackOnStoreError {
		l.metrics.RecordPermit(key, false)
		return false, apperrors.ErrStoreUnavailable("rate limit store unreachable").WithCause(err)
	}

	l.metrics.RecordDegradation()
	l.log.Warn(ctx, "store unreachable, using local bucket",
		logger.String("key", key),
		logger.Any("error", err.Error()),
	)

	allowed := l.local.GetOrCreate(key, rate).Allow()
	l.metrics.RecordPermit(key, allowed)
	return allowed, nil
}

// BucketStatus is a point-in-time view of one bucket. EffectiveTokens folds
// in accrual since the last write without consuming anything.
type BucketStatus struct {
	Key             string  `json:"key"`
	StoredTokens    float64 `json:"stored_tokens"`
	EffectiveTokens float64 `json:"effective_tokens"`
	LastRefill      float64 `json:"last_refill"`
	EffectiveRate   float64 `json:"effective_rate"`
	SafetyFactor    float64 `json:"safety_factor"`
	WindowSeconds   int     `json:"window_seconds"`
}

// Status reads the bucket for key without modifying it. A bucket that has
// never been written (or has expired) reads as empty.
func (l *Limiter) Status(ctx context.Context, key string) (*BucketStatus, error) {
	bucketKey, tsKey := bucketKeys(key)
	nowSeconds := float64(l.now().UnixNano()) / float64(time.Second)

	values, err := l.client.MGet(ctx, bucketKey, tsKey).Result()
	if err != nil {
		return nil, apperrors.ErrStoreUnavailable("rate limit store unreachable").WithCause(err)
	}

	tokens := 0.0
	lastRefill := nowSeconds
	if len(values) >= 2 {
		if s, ok := values[0].(string); ok {
			if v, err := strconv.ParseFloat(s, 64); err == nil {
				tokens = v
			}
		}
		if s, ok := values[1].(string); ok {
			if v, err := strconv.ParseFloat(s, 64); err == nil {
				lastRefill = v
			}
		}
	}

	elapsed := nowSeconds - lastRefill
	if elapsed < 0 {
		elapsed = 0
	}

	return &BucketStatus{
		Key:             key,
		StoredTokens:    tokens,
		EffectiveTokens: tokens + elapsed*l.EffectiveRate(),
		LastRefill:      lastRefill,
		EffectiveRate:   l.EffectiveRate(),
		SafetyFactor:    l.cfg.SafetyFactor,
		WindowSeconds:   l.cfg.WindowSizeSeconds,
	}, nil
}

// Reset deletes the bucket for key so it restarts empty on the next request.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	bucketKey, tsKey := bucketKeys(key)

	if err := l.client.Del(ctx, bucketKey, tsKey).Err(); err != nil && err != redis.Nil {
		return apperrors.ErrStoreUnavailable("rate limit store unreachable").WithCause(err)
	}
	l.local.Remove(key)

	l.log.Info(ctx, "rate limit bucket reset", logger.String("key", key))
	return nil
}

// CleanupLocal drops local fallback buckets idle longer than maxIdle.
func (l *Limiter) CleanupLocal(maxIdle time.Duration) int {
	removed := l.local.Cleanup(maxIdle)
	if removed > 0 {
		l.log.Debug(context.Background(), "cleaned up idle local buckets",
			logger.Int("count", removed))
	}
	return removed
}

// Close releases local resources. The Redis client is owned by the caller.
func (l *Limiter) Close() error {
	l.local.Clear()
	return nil
}

// bucketKeys returns the token count key and the last refill timestamp key
// for a bucket.
func bucketKeys(key string) (string, string) {
	bucketKey := fmt.Sprintf("%s:%s", constants.RateLimitKeyPrefix, key)
	return bucketKey, fmt.Sprintf("%s:%s", bucketKey, constants.RateLimitTimestampSuffix)
}

// parseAcquireResult unpacks the {allowed, tokens} reply from the script.
func parseAcquireResult(result interface{}) (bool, float64, error) {
	slice, ok := result.([]interface{})
	if !ok || len(slice) < 2 {
		return false, 0, fmt.Errorf("want 2-element reply, got %T", result)
	}

	allowedInt, ok := slice[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("want int64 allowed flag, got %T", slice[0])
	}

	tokensStr, ok := slice[1].(string)
	if !ok {
		return false, 0, fmt.Errorf("want string token count, got %T", slice[1])
	}
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		return false, 0, fmt.Errorf("parse token count %q: %w", tokensStr, err)
	}

	return allowedInt == 1, tokens, nil
}
