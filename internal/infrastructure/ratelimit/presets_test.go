package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whiteboard-geeks/mailerautomation/internal/infrastructure/ratelimit"
	"github.com/whiteboard-geeks/mailerautomation/pkg/logger"
)

func TestPresets_Profiles(t *testing.T) {
	instantly := ratelimit.InstantlyPreset()
	assert.Equal(t, 600, instantly.RequestsPerMinute)
	assert.InDelta(t, 10.0, instantly.RequestsPerSecond, 1e-9)
	assert.InDelta(t, 0.8, instantly.SafetyFactor, 1e-9)

	closeCRM := ratelimit.CloseCRMPreset()
	assert.Equal(t, 300, closeCRM.RequestsPerMinute)
	assert.InDelta(t, 5.0, closeCRM.RequestsPerSecond, 1e-9)

	custom := ratelimit.CustomPreset(90, 0.5)
	assert.InDelta(t, 1.5, custom.RequestsPerSecond, 1e-9)
	assert.InDelta(t, 0.5, custom.SafetyFactor, 1e-9)
}

func TestPreset_DrivesLimiter(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := ratelimit.InstantlyPreset().ToConfig()
	limiter, err := ratelimit.NewLimiter(client, cfg, logger.NewNoopLogger(), nil)
	require.NoError(t, err)

	// 600 rpm nominal with the standard haircut.
	assert.InDelta(t, 8.0, limiter.EffectiveRate(), 1e-9)

	allowed, err := limiter.Acquire(context.Background(), "instantly_api")
	require.NoError(t, err)
	assert.False(t, allowed, "bucket starts empty")
}
