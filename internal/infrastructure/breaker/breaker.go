// Package breaker implements a three-state circuit breaker whose state lives
// in the shared Redis store, so every process instance sees the same circuit.
//
// CLOSED admits everything and counts consecutive failures. Crossing the
// failure threshold opens the circuit; OPEN rejects until the recovery
// timeout has elapsed since the last failure, then a probe is admitted in
// HALF_OPEN. A successful probe fully resets the circuit; a failed probe
// reopens it immediately.
package breaker

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whiteboard-geeks/mailerautomation/internal/config"
	"github.com/whiteboard-geeks/mailerautomation/internal/infrastructure/monitoring"
	"github.com/whiteboard-geeks/mailerautomation/pkg/constants"
	apperrors "github.com/whiteboard-geeks/mailerautomation/pkg/errors"
	"github.com/whiteboard-geeks/mailerautomation/pkg/logger"
)

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// canExecuteLuaScript decides admission and performs the OPEN -> HALF_OPEN
// transition in the same round trip, so exactly one decision happens per
// call even with concurrent callers.
//
// KEYS[1] = state, KEYS[2] = last failure timestamp
// ARGV[1] = now (unix seconds), ARGV[2] = recovery timeout (seconds)
// Returns {state, allowed, transitioned}.
const canExecuteLuaScript = `
local state = redis.call('GET', KEYS[1])
if state == false or state == 'CLOSED' then
    return {'CLOSED', 1, 0}
end
if state == 'HALF_OPEN' then
    return {'HALF_OPEN', 1, 0}
end

local last = tonumber(redis.call('GET', KEYS[2]))
if last == nil or (tonumber(ARGV[1]) - last) >= tonumber(ARGV[2]) then
    redis.call('SET', KEYS[1], 'HALF_OPEN')
    return {'HALF_OPEN', 1, 1}
end
return {'OPEN', 0, 0}
`

// recordFailureLuaScript counts a failure, stamps it, updates cumulative
// metrics and backoff, and applies state transitions atomically.
//
// KEYS[1] = state, KEYS[2] = failures, KEYS[3] = last failure,
// KEYS[4] = metrics hash, KEYS[5] = backoff level
// ARGV[1] = now, ARGV[2] = failure threshold, ARGV[3] = backoff enabled (0/1),
// ARGV[4] = backoff TTL (seconds)
// Returns {state, failures, opened}.
const recordFailureLuaScript = `
local failures = redis.call('INCR', KEYS[2])
redis.call('SET', KEYS[3], ARGV[1])
redis.call('HINCRBY', KEYS[4], 'total_requests', 1)
redis.call('HINCRBY', KEYS[4], 'failed_requests', 1)
if tonumber(ARGV[3]) == 1 then
    redis.call('INCR', KEYS[5])
    redis.call('EXPIRE', KEYS[5], tonumber(ARGV[4]))
end

local state = redis.call('GET', KEYS[1])
if state == false then
    state = 'CLOSED'
end

local opened = 0
if state == 'CLOSED' then
    if failures >= tonumber(ARGV[2]) then
        redis.call('SET', KEYS[1], 'OPEN')
        state = 'OPEN'
        opened = 1
    end
elseif state == 'HALF_OPEN' then
    redis.call('SET', KEYS[1], 'OPEN')
    state = 'OPEN'
    opened = 1
end
return {state, failures, opened}
`

// recordSuccessLuaScript updates metrics, clears backoff, and either fully
// resets a HALF_OPEN circuit or clears the failure count of a CLOSED one.
//
// KEYS[1] = state, KEYS[2] = failures, KEYS[3] = last failure,
// KEYS[4] = metrics hash, KEYS[5] = backoff level
// Returns {state, closed}.
const recordSuccessLuaScript = `
redis.call('HINCRBY', KEYS[4], 'total_requests', 1)
redis.call('HINCRBY', KEYS[4], 'successful_requests', 1)
redis.call('DEL', KEYS[5])

local state = redis.call('GET', KEYS[1])
if state == false then
    state = 'CLOSED'
end

if state == 'HALF_OPEN' then
    redis.call('SET', KEYS[1], 'CLOSED')
    redis.call('DEL', KEYS[2])
    redis.call('DEL', KEYS[3])
    return {'CLOSED', 1}
end
if state == 'CLOSED' then
    redis.call('DEL', KEYS[2])
end
return {state, 0}
`

type breakerKeys struct {
	state       string
	failures    string
	lastFailure string
	metrics     string
	backoff     string
}

// Breaker is a Redis-backed circuit breaker.
type Breaker struct {
	name    string
	cfg     *config.BreakerConfig
	client  redis.UniversalClient
	log     logger.Logger
	metrics *monitoring.Metrics
	keys    breakerKeys
	now     func() time.Time

	canExecuteScript *redis.Script
	failureScript    *redis.Script
	successScript    *redis.Script
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source for deterministic recovery timing in
// tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// NewBreaker creates a circuit breaker named cfg.Name. The circuit starts
// CLOSED; state already present in the store is adopted as-is so a restart
// of one process never resets a circuit other processes rely on.
func NewBreaker(
	client redis.UniversalClient,
	cfg *config.BreakerConfig,
	log logger.Logger,
	metrics *monitoring.Metrics,
	opts ...Option,
) (*Breaker, error) {
	if client == nil {
		return nil, apperrors.ErrInvalidRequest("redis client is required")
	}
	if cfg == nil || cfg.Name == "" {
		return nil, apperrors.ErrInvalidRequest("breaker name is required")
	}

	b := &Breaker{
		name:    cfg.Name,
		cfg:     cfg,
		client:  client,
		log:     log.WithComponent("circuit_breaker"),
		metrics: metrics,
		keys: breakerKeys{
			state:       fmt.Sprintf("%s:%s", constants.BreakerStateKeyPrefix, cfg.Name),
			failures:    fmt.Sprintf("%s:%s", constants.BreakerFailuresKeyPrefix, cfg.Name),
			lastFailure: fmt.Sprintf("%s:%s", constants.BreakerLastFailureKeyPrefix, cfg.Name),
			metrics:     fmt.Sprintf("%s:%s", constants.BreakerMetricsKeyPrefix, cfg.Name),
			backoff:     fmt.Sprintf("%s:%s", constants.BreakerBackoffKeyPrefix, cfg.Name),
		},
		now:              time.Now,
		canExecuteScript: redis.NewScript(canExecuteLuaScript),
		failureScript:    redis.NewScript(recordFailureLuaScript),
		successScript:    redis.NewScript(recordSuccessLuaScript),
	}
	for _, opt := range opts {
		opt(b)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.SetNX(ctx, b.keys.state, string(StateClosed), 0).Err(); err != nil {
		b.log.Warn(ctx, "could not initialize breaker state, store unreachable",
			logger.String("breaker", b.name))
	}

	log.Info(context.Background(), "circuit breaker initialized",
		logger.String("breaker", cfg.Name),
		logger.Int("failure_threshold", cfg.FailureThreshold),
		logger.Duration("recovery_timeout", cfg.RecoveryTimeout()),
		logger.Bool("backoff_enabled", cfg.EnableBackoff),
	)

	return b, nil
}

// Name returns the breaker's identifier.
func (b *Breaker) Name() string { return b.name }

// CanExecute reports whether a request may proceed. A rejection with nil
// error is the circuit doing its job; an error means the store could not be
// consulted under a fail-closed policy.
func (b *Breaker) CanExecute(ctx context.Context) (bool, error) {
	result, err := b.canExecuteScript.Run(ctx, b.client,
		[]string{b.keys.state, b.keys.lastFailure},
		b.now().Unix(),
		b.cfg.RecoveryTimeoutSeconds,
	).Result()
	if err != nil {
		if b.cfg.FallbackOnStoreError {
			// Without the store the breaker cannot see failures from other
			// instances; failing open matches the limiter's degraded path.
			b.metrics.RecordDegradation()
			b.log.Warn(ctx, "store unreachable, breaker failing open",
				logger.String("breaker", b.name))
			return true, nil
		}
		return false, apperrors.ErrStoreUnavailable("breaker store unreachable").WithCause(err)
	}

	state, flags, err := parseBreakerResult(result, 3)
	if err != nil {
		return false, apperrors.ErrInternal("unexpected breaker script result").WithCause(err)
	}
	allowed := flags[0] == 1
	transitioned := flags[1] == 1

	if transitioned {
		b.metrics.RecordBreakerTransition(b.name, string(StateHalfOpen))
		b.log.Info(ctx, "circuit entering half-open probe",
			logger.String("breaker", b.name))
	}
	if !allowed {
		b.metrics.RecordBreakerRejection(b.name)
		b.log.Debug(ctx, "request rejected by open circuit",
			logger.String("breaker", b.name),
			logger.String("state", string(state)))
	}

	return allowed, nil
}

// RecordFailure counts a dependency failure against the circuit. Crossing
// the threshold in CLOSED, or any failure in HALF_OPEN, opens the circuit.
func (b *Breaker) RecordFailure(ctx context.Context) error {
	result, err := b.failureScript.Run(ctx, b.client,
		[]string{b.keys.state, b.keys.failures, b.keys.lastFailure, b.keys.metrics, b.keys.backoff},
		b.now().Unix(),
		b.cfg.FailureThreshold,
		boolToInt(b.cfg.EnableBackoff),
		int(constants.BreakerBackoffTTL.Seconds()),
	).Result()
	if err != nil {
		if b.cfg.FallbackOnStoreError {
			b.metrics.RecordDegradation()
			return nil
		}
		return apperrors.ErrStoreUnavailable("breaker store unreachable").WithCause(err)
	}

	state, flags, err := parseBreakerResult(result, 3)
	if err != nil {
		return apperrors.ErrInternal("unexpected breaker script result").WithCause(err)
	}
	failures := flags[0]
	opened := flags[1] == 1

	if opened {
		b.metrics.RecordBreakerTransition(b.name, string(StateOpen))
		b.log.Warn(ctx, "circuit opened",
			logger.String("breaker", b.name),
			logger.Int64("failures", failures),
		)
	} else {
		b.log.Debug(ctx, "failure recorded",
			logger.String("breaker", b.name),
			logger.String("state", string(state)),
			logger.Int64("failures", failures),
		)
	}

	return nil
}

// RecordSuccess counts a successful call. Success during a HALF_OPEN probe
// resets the circuit completely; success in CLOSED clears the failure streak.
func (b *Breaker) RecordSuccess(ctx context.Context) error {
	result, err := b.successScript.Run(ctx, b.client,
		[]string{b.keys.state, b.keys.failures, b.keys.lastFailure, b.keys.metrics, b.keys.backoff},
	).Result()
	if err != nil {
		if b.cfg.FallbackOnStoreError {
			b.metrics.RecordDegradation()
			return nil
		}
		return apperrors.ErrStoreUnavailable("breaker store unreachable").WithCause(err)
	}

	_, flags, err := parseBreakerResult(result, 2)
	if err != nil {
		return apperrors.ErrInternal("unexpected breaker script result").WithCause(err)
	}
	if flags[0] == 1 {
		b.metrics.RecordBreakerTransition(b.name, string(StateClosed))
		b.log.Info(ctx, "circuit closed after successful recovery",
			logger.String("breaker", b.name))
	}

	return nil
}

// State returns the circuit's current state. An absent key reads as CLOSED.
func (b *Breaker) State(ctx context.Context) (State, error) {
	state, err := b.client.Get(ctx, b.keys.state).Result()
	if err == redis.Nil {
		return StateClosed, nil
	}
	if err != nil {
		if b.cfg.FallbackOnStoreError {
			return StateClosed, nil
		}
		return "", apperrors.ErrStoreUnavailable("breaker store unreachable").WithCause(err)
	}
	return State(state), nil
}

// FailureCount returns the current consecutive failure count.
func (b *Breaker) FailureCount(ctx context.Context) (int64, error) {
	count, err := b.client.Get(ctx, b.keys.failures).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.ErrStoreUnavailable("breaker store unreachable").WithCause(err)
	}
	return count, nil
}

// BackoffDelay returns the current exponential backoff delay: 2^level
// seconds, capped. Zero when backoff is disabled or no failures are pending.
func (b *Breaker) BackoffDelay(ctx context.Context) (time.Duration, error) {
	if !b.cfg.EnableBackoff {
		return 0, nil
	}

	level, err := b.client.Get(ctx, b.keys.backoff).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.ErrStoreUnavailable("breaker store unreachable").WithCause(err)
	}

	delay := time.Duration(math.Pow(2, float64(level))) * time.Second
	if delay > constants.BreakerBackoffCap {
		delay = constants.BreakerBackoffCap
	}
	return delay, nil
}

// MetricsSnapshot is the cumulative per-circuit view kept in the store.
// Counters survive state resets and process restarts.
type MetricsSnapshot struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	FailedRequests     int64   `json:"failed_requests"`
	State              State   `json:"state"`
	FailureCount       int64   `json:"failure_count"`
	SuccessRate        float64 `json:"success_rate"`
}

// Metrics returns the cumulative counters plus the live state.
func (b *Breaker) Metrics(ctx context.Context) (*MetricsSnapshot, error) {
	data, err := b.client.HGetAll(ctx, b.keys.metrics).Result()
	if err != nil {
		return nil, apperrors.ErrStoreUnavailable("breaker store unreachable").WithCause(err)
	}

	snapshot := &MetricsSnapshot{
		TotalRequests:      hashInt64(data, "total_requests"),
		SuccessfulRequests: hashInt64(data, "successful_requests"),
		FailedRequests:     hashInt64(data, "failed_requests"),
	}
	if snapshot.TotalRequests > 0 {
		snapshot.SuccessRate = float64(snapshot.SuccessfulRequests) / float64(snapshot.TotalRequests)
	}

	state, err := b.State(ctx)
	if err != nil {
		return nil, err
	}
	snapshot.State = state

	count, err := b.FailureCount(ctx)
	if err != nil {
		return nil, err
	}
	snapshot.FailureCount = count

	return snapshot, nil
}

// Reset forces the circuit back to CLOSED and clears the failure streak and
// backoff. Cumulative metrics are kept.
func (b *Breaker) Reset(ctx context.Context) error {
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.keys.state, string(StateClosed), 0)
	pipe.Del(ctx, b.keys.failures, b.keys.lastFailure, b.keys.backoff)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.ErrStoreUnavailable("breaker store unreachable").WithCause(err)
	}

	b.metrics.RecordBreakerTransition(b.name, string(StateClosed))
	b.log.Info(ctx, "circuit breaker reset", logger.String("breaker", b.name))
	return nil
}

// parseBreakerResult unpacks a {state, int fields...} script reply with the
// expected total element count.
func parseBreakerResult(result interface{}, want int) (State, []int64, error) {
	slice, ok := result.([]interface{})
	if !ok || len(slice) < want {
		return "", nil, fmt.Errorf("want %d-element reply, got %T", want, result)
	}

	stateStr, ok := slice[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("want string state, got %T", slice[0])
	}

	flags := make([]int64, 0, want-1)
	for _, v := range slice[1:want] {
		n, ok := v.(int64)
		if !ok {
			return "", nil, fmt.Errorf("want int64 field, got %T", v)
		}
		flags = append(flags, n)
	}

	return State(stateStr), flags, nil
}

func hashInt64(data map[string]string, field string) int64 {
	if raw, ok := data[field]; ok {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return v
		}
	}
	return 0
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
