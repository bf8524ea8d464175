// Package handlers implements the admission API: enqueueing outbound
// requests, polling results, and introspecting the limiter, breaker and
// queue.
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/whiteboard-geeks/mailerautomation/internal/application/service"
	"github.com/whiteboard-geeks/mailerautomation/internal/infrastructure/breaker"
	"github.com/whiteboard-geeks/mailerautomation/internal/infrastructure/queue"
	"github.com/whiteboard-geeks/mailerautomation/internal/infrastructure/ratelimit"
	apperrors "github.com/whiteboard-geeks/mailerautomation/pkg/errors"
	"github.com/whiteboard-geeks/mailerautomation/pkg/logger"
)

// AdmissionHandler exposes the queue, limiter and breaker over HTTP.
type AdmissionHandler struct {
	queue   *queue.Queue
	limiter *ratelimit.Limiter
	breaker *breaker.Breaker
	log     logger.Logger
}

// NewAdmissionHandler creates the handler set.
func NewAdmissionHandler(
	q *queue.Queue,
	limiter *ratelimit.Limiter,
	brk *breaker.Breaker,
	log logger.Logger,
) *AdmissionHandler {
	return &AdmissionHandler{
		queue:   q,
		limiter: limiter,
		breaker: brk,
		log:     log.WithComponent("admission_handler"),
	}
}

// EnqueueRequest accepts an outbound request description, queues it, and
// answers immediately with 202 and the request id. The caller polls the
// result endpoint; the HTTP round trip never waits on rate limiting.
func (h *AdmissionHandler) EnqueueRequest(c *gin.Context) {
	var outbound service.OutboundRequest
	if err := c.ShouldBindJSON(&outbound); err != nil {
		respondError(c, apperrors.ErrInvalidRequest("malformed request body").WithCause(err))
		return
	}
	if strings.TrimSpace(outbound.URL) == "" {
		respondError(c, apperrors.ErrInvalidRequest("url is required"))
		return
	}

	payload, err := json.Marshal(outbound)
	if err != nil {
		respondError(c, apperrors.ErrInvalidRequest("unserializable request").WithCause(err))
		return
	}

	future, err := h.queue.Enqueue(c.Request.Context(), payload)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"request_id": future.ID(),
		"status":     "queued",
		"queue":      h.queue.Name(),
	})
}

// GetResult returns the stored result record for a request id, or 404 while
// the request is still pending or after the record expired.
func (h *AdmissionHandler) GetResult(c *gin.Context) {
	requestID := c.Param("id")

	result, err := h.queue.Result(c.Request.Context(), requestID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// QueueStatus returns the queue list depths and worker state.
func (h *AdmissionHandler) QueueStatus(c *gin.Context) {
	status, err := h.queue.Status(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// BucketStatus returns a point-in-time view of one rate limit bucket.
func (h *AdmissionHandler) BucketStatus(c *gin.Context) {
	key := bucketKeyParam(c)
	if key == "" {
		respondError(c, apperrors.ErrInvalidRequest("bucket key is required"))
		return
	}

	status, err := h.limiter.Status(c.Request.Context(), key)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// ResetBucket empties one rate limit bucket.
func (h *AdmissionHandler) ResetBucket(c *gin.Context) {
	key := bucketKeyParam(c)
	if key == "" {
		respondError(c, apperrors.ErrInvalidRequest("bucket key is required"))
		return
	}

	if err := h.limiter.Reset(c.Request.Context(), key); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// BreakerMetrics returns the breaker's cumulative counters and live state.
func (h *AdmissionHandler) BreakerMetrics(c *gin.Context) {
	if c.Param("name") != h.breaker.Name() {
		respondError(c, apperrors.ErrNotFound("unknown circuit breaker "+c.Param("name")))
		return
	}

	metrics, err := h.breaker.Metrics(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, metrics)
}

// ResetBreaker forces the breaker back to CLOSED.
func (h *AdmissionHandler) ResetBreaker(c *gin.Context) {
	if c.Param("name") != h.breaker.Name() {
		respondError(c, apperrors.ErrNotFound("unknown circuit breaker "+c.Param("name")))
		return
	}

	if err := h.breaker.Reset(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// bucketKeyParam reads the wildcard key parameter. Bucket keys contain
// slashes (endpoint keys), so the route uses a catch-all segment whose value
// arrives with a leading slash.
func bucketKeyParam(c *gin.Context) string {
	return strings.TrimPrefix(c.Param("key"), "/")
}

// respondError renders any error as the standard JSON error shape with the
// status it maps to.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if appErr, ok := apperrors.AsAppError(err); ok && appErr.HTTPStatus() != 0 {
		status = appErr.HTTPStatus()
	}
	c.JSON(status, apperrors.ToErrorResponse(err))
}
