package queue_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whiteboard-geeks/mailerautomation/internal/config"
	"github.com/whiteboard-geeks/mailerautomation/internal/infrastructure/queue"
	"github.com/whiteboard-geeks/mailerautomation/internal/infrastructure/ratelimit"
	"github.com/whiteboard-geeks/mailerautomation/pkg/errors"
	"github.com/whiteboard-geeks/mailerautomation/pkg/logger"
)

// stubAcquirer scripts permit decisions for the workers.
type stubAcquirer struct {
	mu       sync.Mutex
	attempts int
	// allowAfter grants the permit on the Nth attempt; 0 always grants,
	// a negative value always denies.
	allowAfter int
}

func (s *stubAcquirer) Acquire(_ context.Context, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.allowAfter < 0 {
		return false, nil
	}
	return s.attempts >= s.allowAfter, nil
}

func (s *stubAcquirer) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func queueConfig() *config.QueueConfig {
	return &config.QueueConfig{
		Name:                  "instantly_requests",
		MaxWorkers:            2,
		MaxAcquireAttempts:    3,
		AcquireRetryDelayMS:   20,
		DequeueTimeoutSeconds: 1,
		ResultTTLSeconds:      3600,
	}
}

func newTestQueue(t *testing.T, cfg *config.QueueConfig, acquirer queue.TokenAcquirer, handler queue.Handler) (*queue.Queue, *miniredis.Miniredis) {
	t.Helper()

	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q, err := queue.NewQueue(client, cfg, acquirer, handler, logger.NewNoopLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(q.Stop)

	return q, s
}

func echoHandler(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return payload, nil
}

func TestQueue_EnqueueProcessesAndResolvesFuture(t *testing.T) {
	q, _ := newTestQueue(t, queueConfig(), &stubAcquirer{}, echoHandler)
	ctx := context.Background()

	q.Start(ctx)

	future, err := q.Enqueue(ctx, json.RawMessage(`{"campaign":"spring"}`))
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	result, err := future.Wait(waitCtx)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, future.ID(), result.ID)
	assert.JSONEq(t, `{"campaign":"spring"}`, string(result.Output))
}

func TestQueue_FIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	handler := func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		mu.Lock()
		order = append(order, string(payload))
		mu.Unlock()
		return payload, nil
	}

	// One worker so completion order equals dequeue order.
	cfg := queueConfig()
	cfg.MaxWorkers = 1
	q, _ := newTestQueue(t, cfg, &stubAcquirer{}, handler)
	ctx := context.Background()

	// Enqueue before starting workers so nothing is consumed mid-enqueue.
	var futures []*queue.Future
	for _, payload := range []string{`"first"`, `"second"`, `"third"`} {
		f, err := q.Enqueue(ctx, json.RawMessage(payload))
		require.NoError(t, err)
		futures = append(futures, f)
	}

	q.Start(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, f := range futures {
		_, err := f.Wait(waitCtx)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`"first"`, `"second"`, `"third"`}, order)
}

func TestQueue_RateLimitThrottlesProcessing(t *testing.T) {
	// Deny twice before granting: the worker must wait two retry delays.
	acquirer := &stubAcquirer{allowAfter: 3}
	cfg := queueConfig()
	cfg.MaxWorkers = 1
	q, _ := newTestQueue(t, cfg, acquirer, echoHandler)
	ctx := context.Background()

	q.Start(ctx)

	start := time.Now()
	future, err := q.Enqueue(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	result, err := future.Wait(waitCtx)
	require.NoError(t, err)
	assert.True(t, result.Success)

	// Two denials mean at least two retry delays elapsed before the grant.
	assert.GreaterOrEqual(t, time.Since(start), 2*20*time.Millisecond)
	assert.Equal(t, 3, acquirer.Attempts())
}

func TestQueue_ExhaustedAcquisitionBudgetFailsRequest(t *testing.T) {
	acquirer := &stubAcquirer{allowAfter: -1}
	cfg := queueConfig()
	cfg.MaxWorkers = 1
	q, _ := newTestQueue(t, cfg, acquirer, echoHandler)
	ctx := context.Background()

	q.Start(ctx)

	future, err := q.Enqueue(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	result, err := future.Wait(waitCtx)
	require.Error(t, err)
	assert.True(t, errors.IsRateLimited(err))
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, string(errors.ErrCodeRateLimited), result.Code)

	// Exactly the configured number of attempts, then a typed failure.
	assert.Equal(t, cfg.MaxAcquireAttempts, acquirer.Attempts())
}

func TestQueue_HandlerErrorFailsRequest(t *testing.T) {
	handler := func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, errors.ErrDependencyFailure("upstream returned 502")
	}
	q, _ := newTestQueue(t, queueConfig(), &stubAcquirer{}, handler)
	ctx := context.Background()

	q.Start(ctx)

	future, err := q.Enqueue(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	result, err := future.Wait(waitCtx)
	require.Error(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, string(errors.ErrCodeDependencyFailure), result.Code)
	assert.Contains(t, result.Error, "upstream returned 502")
}

func TestQueue_ResultRecordPollable(t *testing.T) {
	q, _ := newTestQueue(t, queueConfig(), &stubAcquirer{}, echoHandler)
	ctx := context.Background()

	q.Start(ctx)

	future, err := q.Enqueue(ctx, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = future.Wait(waitCtx)
	require.NoError(t, err)

	// The stored record is independent of the in-process future.
	stored, err := q.Result(ctx, future.ID())
	require.NoError(t, err)
	assert.True(t, stored.Success)
	assert.Equal(t, future.ID(), stored.ID)
}

func TestQueue_ResultNotFound(t *testing.T) {
	q, _ := newTestQueue(t, queueConfig(), &stubAcquirer{}, echoHandler)

	_, err := q.Result(context.Background(), "req_does_not_exist")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestQueue_StatusCountsLists(t *testing.T) {
	q, _ := newTestQueue(t, queueConfig(), &stubAcquirer{}, echoHandler)
	ctx := context.Background()

	// Workers not started: entries stay queued.
	_, err := q.Enqueue(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)

	status, err := q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), status.Queued)
	assert.Equal(t, int64(0), status.Processing)
	assert.False(t, status.WorkersRunning)
	assert.Equal(t, "instantly_requests", status.QueueName)

	q.Start(ctx)
	status, err = q.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.WorkersRunning)
}

func TestQueue_StopDrainsInFlightWork(t *testing.T) {
	var processed atomic.Int32
	handler := func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		time.Sleep(50 * time.Millisecond)
		processed.Add(1)
		return payload, nil
	}

	cfg := queueConfig()
	cfg.MaxWorkers = 1
	q, _ := newTestQueue(t, cfg, &stubAcquirer{}, handler)
	ctx := context.Background()

	q.Start(ctx)

	future, err := q.Enqueue(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)

	// Give the worker a moment to pick the entry up, then stop.
	time.Sleep(20 * time.Millisecond)
	q.Stop()

	assert.False(t, q.Running())
	assert.Equal(t, int32(1), processed.Load())

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	result, err := future.Wait(waitCtx)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestQueue_CleanupFailsOutstandingFutures(t *testing.T) {
	q, _ := newTestQueue(t, queueConfig(), &stubAcquirer{}, echoHandler)
	ctx := context.Background()

	// Never started: the future can only resolve through cleanup.
	future, err := q.Enqueue(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, q.Cleanup(ctx))

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = future.Wait(waitCtx)
	require.Error(t, err)

	status, err := q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.Queued)
}

func TestQueue_StartTwiceIsNoop(t *testing.T) {
	q, _ := newTestQueue(t, queueConfig(), &stubAcquirer{}, echoHandler)
	ctx := context.Background()

	q.Start(ctx)
	q.Start(ctx)
	assert.True(t, q.Running())

	q.Stop()
	q.Stop()
	assert.False(t, q.Running())
}

// Three workers draining a shared bucket must not exceed the aggregate
// effective rate: 10 items at 20 tokens/sec take at least half a second of
// wall clock no matter how many workers contend.
func TestQueue_WorkersShareAggregateRate(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	// 25 nominal * 0.8 safety = 20 tokens/sec, starting empty.
	limiter, err := ratelimit.NewLimiter(client, &config.RateLimitConfig{
		NominalRatePerSecond:   25,
		SafetyFactor:           0.8,
		WindowSizeSeconds:      60,
		ConservativeDefaultRPS: 1.0,
		CacheExpirationSeconds: 3600,
	}, logger.NewNoopLogger(), nil)
	require.NoError(t, err)

	cfg := queueConfig()
	cfg.MaxWorkers = 3
	cfg.MaxAcquireAttempts = 200
	cfg.AcquireRetryDelayMS = 5

	q, err := queue.NewQueue(client, cfg, limiter, echoHandler, logger.NewNoopLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(q.Stop)

	ctx := context.Background()
	const items = 10

	futures := make([]*queue.Future, 0, items)
	for i := 0; i < items; i++ {
		future, err := q.Enqueue(ctx, json.RawMessage(`{}`))
		require.NoError(t, err)
		futures = append(futures, future)
	}

	start := time.Now()
	q.Start(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	for _, future := range futures {
		result, err := future.Wait(waitCtx)
		require.NoError(t, err)
		assert.True(t, result.Success)
	}
	elapsed := time.Since(start)

	// The 10th token cannot exist before 10/20 = 500ms of accrual.
	assert.GreaterOrEqual(t, elapsed, 450*time.Millisecond,
		"workers finished faster than the shared bucket can refill")
}

func TestQueue_FinishMaintainsBookkeepingLists(t *testing.T) {
	q, s := newTestQueue(t, queueConfig(), &stubAcquirer{}, echoHandler)
	ctx := context.Background()

	q.Start(ctx)

	future, err := q.Enqueue(ctx, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = future.Wait(waitCtx)
	require.NoError(t, err)

	// The entry must have moved off the processing list onto completed.
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	processing, err := client.LLen(ctx, "processing:instantly_requests").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), processing)

	completed, err := client.LRange(ctx, "completed:instantly_requests", 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, completed, 1)

	var recorded queue.Result
	require.NoError(t, json.Unmarshal([]byte(completed[0]), &recorded))
	assert.Equal(t, future.ID(), recorded.ID)
	assert.True(t, recorded.Success)
}
