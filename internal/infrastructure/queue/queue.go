// Package queue implements an asynchronous FIFO request queue backed by
// Redis lists, with a worker pool that drains it under rate limit control.
//
// Entries move queue -> processing -> completed|failed. Each finished
// request additionally gets a standalone result record with a TTL, so the
// outcome survives a process crash and can be polled by any instance.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/whiteboard-geeks/mailerautomation/internal/config"
	"github.com/whiteboard-geeks/mailerautomation/internal/infrastructure/monitoring"
	"github.com/whiteboard-geeks/mailerautomation/pkg/constants"
	apperrors "github.com/whiteboard-geeks/mailerautomation/pkg/errors"
	"github.com/whiteboard-geeks/mailerautomation/pkg/logger"
)

// Request is the wire shape of a queue entry.
type Request struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"data"`
	EnqueuedAt float64         `json:"timestamp"`
}

// Result is the outcome of one processed request. It is stored under its own
// key so completion is observable after a crash or from another process.
type Result struct {
	ID          string          `json:"id"`
	Success     bool            `json:"success"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	Code        string          `json:"code,omitempty"`
	WorkerID    int             `json:"worker_id"`
	CompletedAt float64         `json:"completed_at"`
}

// Handler processes one dequeued payload. A nil error marks the request
// completed; any error marks it failed.
type Handler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// TokenAcquirer is the permit source workers consult before each request.
type TokenAcquirer interface {
	Acquire(ctx context.Context, key string) (bool, error)
}

// Status is a point-in-time view of the queue lists.
type Status struct {
	Queued         int64  `json:"queued"`
	Processing     int64  `json:"processing"`
	Completed      int64  `json:"completed"`
	Failed         int64  `json:"failed"`
	WorkersRunning bool   `json:"workers_running"`
	QueueName      string `json:"queue_name"`
}

type queueKeys struct {
	queue      string
	processing string
	completed  string
	failed     string
}

// Queue is a Redis-backed FIFO request queue with an attached worker pool.
type Queue struct {
	name    string
	cfg     *config.QueueConfig
	client  redis.UniversalClient
	limiter TokenAcquirer
	handler Handler
	log     logger.Logger
	metrics *monitoring.Metrics
	keys    queueKeys
	now     func() time.Time

	// rateLimitKey is the single bucket all workers of this queue share.
	rateLimitKey string

	mu      sync.Mutex
	futures map[string]*Future
	running bool
	stopCh  chan struct{}
	group   *errgroup.Group
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// NewQueue creates a queue named cfg.Name. Workers do not start until Start
// is called.
func NewQueue(
	client redis.UniversalClient,
	cfg *config.QueueConfig,
	limiter TokenAcquirer,
	handler Handler,
	log logger.Logger,
	metrics *monitoring.Metrics,
	opts ...Option,
) (*Queue, error) {
	if client == nil {
		return nil, apperrors.ErrInvalidRequest("redis client is required")
	}
	if cfg == nil || cfg.Name == "" {
		return nil, apperrors.ErrInvalidRequest("queue name is required")
	}
	if limiter == nil {
		return nil, apperrors.ErrInvalidRequest("token acquirer is required")
	}
	if handler == nil {
		return nil, apperrors.ErrInvalidRequest("handler is required")
	}

	q := &Queue{
		name:    cfg.Name,
		cfg:     cfg,
		client:  client,
		limiter: limiter,
		handler: handler,
		log:     log.WithComponent("request_queue"),
		metrics: metrics,
		keys: queueKeys{
			queue:      fmt.Sprintf("%s:%s", constants.QueueKeyPrefix, cfg.Name),
			processing: fmt.Sprintf("%s:%s", constants.ProcessingKeyPrefix, cfg.Name),
			completed:  fmt.Sprintf("%s:%s", constants.CompletedKeyPrefix, cfg.Name),
			failed:     fmt.Sprintf("%s:%s", constants.FailedKeyPrefix, cfg.Name),
		},
		rateLimitKey: fmt.Sprintf("instantly_api_%s", cfg.Name),
		futures:      make(map[string]*Future),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}

	log.Info(context.Background(), "request queue initialized",
		logger.String("queue", cfg.Name),
		logger.Int("max_workers", cfg.MaxWorkers),
		logger.Int("max_acquire_attempts", cfg.MaxAcquireAttempts),
	)

	return q, nil
}

// Name returns the queue's identifier.
func (q *Queue) Name() string { return q.name }

// Enqueue appends a request to the tail of the queue and returns a future
// for its result. The enqueue itself never blocks on rate limiting; permits
// are acquired by workers at processing time.
func (q *Queue) Enqueue(ctx context.Context, payload json.RawMessage) (*Future, error) {
	requestID := "req_" + uuid.NewString()

	entry, err := json.Marshal(Request{
		ID:         requestID,
		Payload:    payload,
		EnqueuedAt: unixSeconds(q.now()),
	})
	if err != nil {
		return nil, apperrors.ErrInvalidRequest("unserializable request payload").WithCause(err)
	}

	future := newFuture(requestID)
	q.mu.Lock()
	q.futures[requestID] = future
	q.mu.Unlock()

	if err := q.client.LPush(ctx, q.keys.queue, entry).Err(); err != nil {
		q.mu.Lock()
		delete(q.futures, requestID)
		q.mu.Unlock()
		return nil, apperrors.ErrStoreUnavailable("queue store unreachable").WithCause(err)
	}

	q.metrics.RecordQueueOutcome(q.name, "enqueued")
	q.log.Debug(ctx, "request enqueued",
		logger.String("queue", q.name),
		logger.String("request_id", requestID),
	)

	return future, nil
}

// Start launches the worker pool. Starting an already running queue is a
// no-op.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		q.log.Warn(ctx, "workers already running", logger.String("queue", q.name))
		return
	}

	q.stopCh = make(chan struct{})
	q.group = &errgroup.Group{}
	for i := 0; i < q.cfg.MaxWorkers; i++ {
		workerID := i
		q.group.Go(func() error {
			q.workerLoop(ctx, workerID)
			return nil
		})
	}
	q.running = true

	q.log.Info(ctx, "workers started",
		logger.String("queue", q.name),
		logger.Int("count", q.cfg.MaxWorkers),
	)
}

// Stop signals the workers and waits for them to drain their in-flight
// requests. Requests still queued stay queued.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stopCh)
	group := q.group
	q.mu.Unlock()

	_ = group.Wait()
	q.log.Info(context.Background(), "workers stopped", logger.String("queue", q.name))
}

// Running reports whether the worker pool is active.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Status returns the list depths and worker state.
func (q *Queue) Status(ctx context.Context) (*Status, error) {
	pipe := q.client.Pipeline()
	queued := pipe.LLen(ctx, q.keys.queue)
	processing := pipe.LLen(ctx, q.keys.processing)
	completed := pipe.LLen(ctx, q.keys.completed)
	failed := pipe.LLen(ctx, q.keys.failed)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, apperrors.ErrStoreUnavailable("queue store unreachable").WithCause(err)
	}

	status := &Status{
		Queued:         queued.Val(),
		Processing:     processing.Val(),
		Completed:      completed.Val(),
		Failed:         failed.Val(),
		WorkersRunning: q.Running(),
		QueueName:      q.name,
	}

	q.metrics.SetQueueDepth(q.name, "queued", status.Queued)
	q.metrics.SetQueueDepth(q.name, "processing", status.Processing)

	return status, nil
}

// Result fetches the stored result record for a request id. Records expire
// after the configured TTL.
func (q *Queue) Result(ctx context.Context, requestID string) (*Result, error) {
	data, err := q.client.Get(ctx, q.resultKey(requestID)).Bytes()
	if err == redis.Nil {
		return nil, apperrors.ErrNotFound("no result for request " + requestID)
	}
	if err != nil {
		return nil, apperrors.ErrStoreUnavailable("queue store unreachable").WithCause(err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, apperrors.ErrInternal("corrupt result record").WithCause(err)
	}
	return &result, nil
}

// Cleanup stops the workers, deletes all queue lists, and fails every
// outstanding future.
func (q *Queue) Cleanup(ctx context.Context) error {
	q.Stop()

	err := q.client.Del(ctx,
		q.keys.queue, q.keys.processing, q.keys.completed, q.keys.failed,
	).Err()

	q.mu.Lock()
	for id, future := range q.futures {
		future.complete(nil, apperrors.ErrInternal("queue cleanup").WithMetadata("request_id", id))
	}
	q.futures = make(map[string]*Future)
	q.mu.Unlock()

	if err != nil {
		return apperrors.ErrStoreUnavailable("queue store unreachable").WithCause(err)
	}

	q.log.Info(ctx, "queue cleaned up", logger.String("queue", q.name))
	return nil
}

// workerLoop dequeues and processes requests until the queue is stopped.
// The blocking pop is bounded so shutdown is observed within one timeout.
func (q *Queue) workerLoop(ctx context.Context, workerID int) {
	q.log.Debug(ctx, "worker started",
		logger.String("queue", q.name),
		logger.Int("worker_id", workerID),
	)

	for {
		select {
		case <-q.stopCh:
			q.log.Debug(ctx, "worker stopped",
				logger.String("queue", q.name),
				logger.Int("worker_id", workerID),
			)
			return
		default:
		}

		entry, err := q.client.BRPop(ctx, q.cfg.DequeueTimeout(), q.keys.queue).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			q.log.Warn(ctx, "dequeue failed",
				logger.String("queue", q.name),
				logger.Int("worker_id", workerID),
				logger.Any("error", err.Error()),
			)
			if !q.sleep(time.Second) {
				return
			}
			continue
		}

		// BRPop returns [key, value].
		raw := entry[1]
		var request Request
		if err := json.Unmarshal([]byte(raw), &request); err != nil {
			q.log.Error(ctx, "dropping corrupt queue entry", err,
				logger.String("queue", q.name))
			q.metrics.RecordQueueOutcome(q.name, "corrupt")
			continue
		}

		if err := q.client.LPush(ctx, q.keys.processing, raw).Err(); err != nil {
			q.log.Warn(ctx, "could not record entry on processing list",
				logger.String("queue", q.name),
				logger.String("request_id", request.ID),
				logger.Any("error", err.Error()),
			)
		}

		result := q.process(ctx, &request, workerID)
		q.finish(ctx, raw, result)
	}
}

// process runs one request: a bounded permit acquisition loop followed by
// the handler call.
func (q *Queue) process(ctx context.Context, request *Request, workerID int) *Result {
	result := &Result{ID: request.ID, WorkerID: workerID}

	acquired := false
	for attempt := 1; attempt <= q.cfg.MaxAcquireAttempts; attempt++ {
		allowed, err := q.limiter.Acquire(ctx, q.rateLimitKey)
		if err != nil {
			// A store outage under fail-closed policy burns the attempt.
			q.log.Warn(ctx, "permit acquisition errored",
				logger.String("request_id", request.ID),
				logger.Int("attempt", attempt),
				logger.Any("error", err.Error()),
			)
		}
		if allowed {
			acquired = true
			break
		}

		if attempt == q.cfg.MaxAcquireAttempts {
			break
		}
		if !q.sleep(q.cfg.AcquireRetryDelay()) {
			result.Error = "processing stopped during shutdown"
			result.Code = string(apperrors.ErrCodeInternal)
			result.CompletedAt = unixSeconds(q.now())
			return result
		}
		q.log.Debug(ctx, "waiting for permit",
			logger.String("request_id", request.ID),
			logger.Int("attempt", attempt),
		)
	}

	if !acquired {
		appErr := apperrors.ErrQueueExhausted(request.ID, q.cfg.MaxAcquireAttempts)
		result.Error = appErr.Error()
		result.Code = string(appErr.Code())
		result.CompletedAt = unixSeconds(q.now())
		return result
	}

	output, err := q.handler(ctx, request.Payload)
	result.CompletedAt = unixSeconds(q.now())
	if err != nil {
		result.Error = err.Error()
		if appErr, ok := apperrors.AsAppError(err); ok {
			result.Code = string(appErr.Code())
		} else {
			result.Code = string(apperrors.ErrCodeDependencyFailure)
		}
		return result
	}

	result.Success = true
	result.Output = output
	return result
}

// finish records the outcome: terminal list entry, standalone result record,
// removal from the processing list, and future resolution.
func (q *Queue) finish(ctx context.Context, raw string, result *Result) {
	encoded, err := json.Marshal(result)
	if err != nil {
		q.log.Error(ctx, "could not encode result", err,
			logger.String("request_id", result.ID))
		encoded = []byte(fmt.Sprintf(`{"id":%q,"success":false,"error":"result encoding failed"}`, result.ID))
	}

	terminal := q.keys.failed
	outcome := "failed"
	if result.Success {
		terminal = q.keys.completed
		outcome = "completed"
	}

	if err := q.client.LPush(ctx, terminal, encoded).Err(); err != nil {
		q.log.Warn(ctx, "could not record terminal list entry",
			logger.String("request_id", result.ID),
			logger.String("list", terminal),
			logger.Any("error", err.Error()),
		)
	}
	if err := q.client.LRem(ctx, q.keys.processing, 1, raw).Err(); err != nil {
		q.log.Warn(ctx, "could not remove entry from processing list",
			logger.String("request_id", result.ID),
			logger.Any("error", err.Error()),
		)
	}

	// The result record is what survives a crash of this process; futures
	// are only an in-process convenience on top of it.
	if err := q.client.SetEx(ctx, q.resultKey(result.ID), encoded, q.cfg.ResultTTL()).Err(); err != nil {
		q.log.Warn(ctx, "could not store result record",
			logger.String("request_id", result.ID),
			logger.Any("error", err.Error()),
		)
	}

	q.metrics.RecordQueueOutcome(q.name, outcome)

	q.mu.Lock()
	future, ok := q.futures[result.ID]
	if ok {
		delete(q.futures, result.ID)
	}
	q.mu.Unlock()

	if ok {
		if result.Success {
			future.complete(result, nil)
		} else {
			future.complete(result, apperrors.New(
				apperrors.Code(result.Code), 0, result.Error))
		}
	}
}

// sleep waits for d unless the queue is stopped first; it reports whether
// the full duration elapsed.
func (q *Queue) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-q.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func (q *Queue) resultKey(requestID string) string {
	return fmt.Sprintf("%s:%s:%s", constants.ResultKeyPrefix, q.name, requestID)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
