package ratelimit_test

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whiteboard-geeks/mailerautomation/internal/config"
	"github.com/whiteboard-geeks/mailerautomation/internal/infrastructure/ratelimit"
	"github.com/whiteboard-geeks/mailerautomation/pkg/logger"
)

func newTestEndpointLimiter(t *testing.T) (*ratelimit.EndpointLimiter, *fakeClock) {
	t.Helper()

	cfg := &config.RateLimitConfig{
		NominalRatePerSecond:   1.0, // conservative default drives the base limiter
		SafetyFactor:           0.8,
		WindowSizeSeconds:      60,
		ConservativeDefaultRPS: 1.0,
		CacheExpirationSeconds: 3600,
		FallbackOnStoreError:   false,
	}

	limiter, s, clock := newTestLimiter(t, cfg)

	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	el, err := ratelimit.NewEndpointLimiter(limiter, client, cfg, logger.NewNoopLogger())
	require.NoError(t, err)

	return el, clock
}

func TestEndpointLimiter_ConservativeDefaultForUnknownEndpoint(t *testing.T) {
	el, clock := newTestEndpointLimiter(t)
	ctx := context.Background()
	url := "https://api.close.com/api/v1/lead/lead_123/"

	// Unknown endpoint runs at 1 rps * 0.8 safety = 0.8 tokens/sec, and the
	// bucket starts empty.
	allowed, err := el.AcquireForEndpoint(ctx, url)
	require.NoError(t, err)
	assert.False(t, allowed)

	// One second banks only 0.8 tokens.
	clock.Advance(time.Second)
	allowed, err = el.AcquireForEndpoint(ctx, url)
	require.NoError(t, err)
	assert.False(t, allowed)

	// 1.25s from the start completes the first token.
	clock.Advance(250 * time.Millisecond)
	allowed, err = el.AcquireForEndpoint(ctx, url)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestEndpointLimiter_DiscoveredLimitRaisesRate(t *testing.T) {
	el, clock := newTestEndpointLimiter(t)
	ctx := context.Background()
	url := "https://api.close.com/api/v1/lead/lead_123/"

	// Discovery: 600/minute * 0.8 safety / 60 = 8 tokens/sec.
	require.NoError(t, el.UpdateFromResponse(ctx, url, "limit=600; remaining=599; reset=42"))

	limits, ok := el.EndpointLimits(ctx, "/api/v1/lead/")
	require.True(t, ok)
	assert.Equal(t, 600, limits.Limit)

	// Prime the bucket, then verify one second grants 8 requests.
	allowed, err := el.AcquireForEndpoint(ctx, url)
	require.NoError(t, err)
	assert.False(t, allowed)

	clock.Advance(time.Second)
	granted := 0
	for i := 0; i < 12; i++ {
		allowed, err := el.AcquireForEndpoint(ctx, url)
		require.NoError(t, err)
		if allowed {
			granted++
		}
	}
	assert.Equal(t, 8, granted)
}

func TestEndpointLimiter_EndpointsIsolated(t *testing.T) {
	el, clock := newTestEndpointLimiter(t)
	ctx := context.Background()
	leadURL := "https://api.close.com/api/v1/lead/lead_1/"
	taskURL := "https://api.close.com/api/v1/task/task_1/"

	// Touch both buckets, then bank enough for exactly one token each.
	_, err := el.AcquireForEndpoint(ctx, leadURL)
	require.NoError(t, err)
	_, err = el.AcquireForEndpoint(ctx, taskURL)
	require.NoError(t, err)

	clock.Advance(1250 * time.Millisecond)

	// Draining the lead bucket leaves the task bucket intact.
	allowed, err := el.AcquireForEndpoint(ctx, leadURL)
	require.NoError(t, err)
	assert.True(t, allowed)
	allowed, err = el.AcquireForEndpoint(ctx, leadURL)
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = el.AcquireForEndpoint(ctx, taskURL)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestEndpointLimiter_SameResourceSharesBucket(t *testing.T) {
	el, clock := newTestEndpointLimiter(t)
	ctx := context.Background()

	_, err := el.AcquireForEndpoint(ctx, "https://api.close.com/api/v1/lead/lead_1/")
	require.NoError(t, err)

	clock.Advance(1250 * time.Millisecond)

	// A different lead ID maps to the same bucket and spends its only token.
	allowed, err := el.AcquireForEndpoint(ctx, "https://api.close.com/api/v1/lead/lead_2/")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = el.AcquireForEndpoint(ctx, "https://api.close.com/api/v1/lead/lead_3/activity/")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestEndpointLimiter_MalformedHeaderKeepsCachedLimits(t *testing.T) {
	el, _ := newTestEndpointLimiter(t)
	ctx := context.Background()
	url := "https://api.close.com/api/v1/lead/lead_123/"

	require.NoError(t, el.UpdateFromResponse(ctx, url, "limit=600; remaining=599; reset=42"))

	// A later garbled header is an error and must not clobber the cache.
	err := el.UpdateFromResponse(ctx, url, "limit=oops")
	require.Error(t, err)

	limits, ok := el.EndpointLimits(ctx, "/api/v1/lead/")
	require.True(t, ok)
	assert.Equal(t, 600, limits.Limit)
}

func TestEndpointLimiter_AbsentHeaderIsNoop(t *testing.T) {
	el, _ := newTestEndpointLimiter(t)
	ctx := context.Background()

	require.NoError(t, el.UpdateFromResponse(ctx, "https://api.close.com/api/v1/lead/", ""))

	_, ok := el.EndpointLimits(ctx, "/api/v1/lead/")
	assert.False(t, ok)
}

func TestEndpointLimiter_RepeatedHeaderIsIdempotent(t *testing.T) {
	el, _ := newTestEndpointLimiter(t)
	ctx := context.Background()
	url := "https://api.close.com/api/v1/lead/lead_123/"

	for i := 0; i < 3; i++ {
		require.NoError(t, el.UpdateFromResponse(ctx, url, "limit=600; remaining=599; reset=42"))
	}

	limits, ok := el.EndpointLimits(ctx, "/api/v1/lead/")
	require.True(t, ok)
	assert.Equal(t, 600, limits.Limit)
	assert.Equal(t, 599, limits.Remaining)
}

func TestEndpointLimiter_InvalidURLIsHardError(t *testing.T) {
	el, _ := newTestEndpointLimiter(t)
	ctx := context.Background()

	_, err := el.AcquireForEndpoint(ctx, "https://elsewhere.example.com/api/v1/lead/")
	require.Error(t, err)
}

func TestNewEndpointLimiter_RejectsMissingDependencies(t *testing.T) {
	cfg := &config.RateLimitConfig{
		NominalRatePerSecond:   1.0,
		SafetyFactor:           0.8,
		WindowSizeSeconds:      60,
		ConservativeDefaultRPS: 1.0,
		CacheExpirationSeconds: 3600,
	}
	limiter, s, _ := newTestLimiter(t, cfg)
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	log := logger.NewNoopLogger()

	_, err := ratelimit.NewEndpointLimiter(nil, client, cfg, log)
	assert.Error(t, err)

	_, err = ratelimit.NewEndpointLimiter(limiter, nil, cfg, log)
	assert.Error(t, err)

	_, err = ratelimit.NewEndpointLimiter(limiter, client, nil, log)
	assert.Error(t, err)
}
