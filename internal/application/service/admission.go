// Package service composes the admission primitives into the flows callers
// actually use: breaker-guarded, rate-limited outbound execution.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/whiteboard-geeks/mailerautomation/internal/infrastructure/breaker"
	"github.com/whiteboard-geeks/mailerautomation/internal/infrastructure/monitoring"
	"github.com/whiteboard-geeks/mailerautomation/internal/infrastructure/ratelimit"
	apperrors "github.com/whiteboard-geeks/mailerautomation/pkg/errors"
	"github.com/whiteboard-geeks/mailerautomation/pkg/logger"
)

// maxResponseBody bounds how much of an outbound response body is captured
// into a queued result record.
const maxResponseBody = 1 << 20

// HTTPDoer is the outbound HTTP client surface.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// AdmissionService governs outbound calls: the circuit breaker decides
// whether the dependency should be called at all, the endpoint limiter
// decides whether it may be called right now, and the response feeds both
// back.
type AdmissionService struct {
	breaker *breaker.Breaker
	limiter *ratelimit.EndpointLimiter
	client  HTTPDoer
	log     logger.Logger
	metrics *monitoring.Metrics
	now     func() time.Time
}

// NewAdmissionService wires the admission pipeline around an HTTP client.
func NewAdmissionService(
	brk *breaker.Breaker,
	limiter *ratelimit.EndpointLimiter,
	client HTTPDoer,
	log logger.Logger,
	metrics *monitoring.Metrics,
) (*AdmissionService, error) {
	if brk == nil {
		return nil, apperrors.ErrInvalidRequest("circuit breaker is required")
	}
	if limiter == nil {
		return nil, apperrors.ErrInvalidRequest("endpoint limiter is required")
	}
	if client == nil {
		client = http.DefaultClient
	}

	return &AdmissionService{
		breaker: brk,
		limiter: limiter,
		client:  client,
		log:     log.WithComponent("admission_service"),
		metrics: metrics,
		now:     time.Now,
	}, nil
}

// Do executes one endpoint-limited outbound request. The order is fixed:
// breaker first, then a single permit attempt, then the call. A denial at
// either gate returns a typed error without touching the dependency; the
// caller decides whether to queue or retry. Non-2xx responses are returned
// to the caller, with only 5xx and 429 counting against the breaker.
func (s *AdmissionService) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	rawURL := req.URL.String()

	allowed, err := s.breaker.CanExecute(ctx)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, apperrors.ErrCircuitOpen(s.breaker.Name())
	}

	allowed, err = s.limiter.AcquireForEndpoint(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, apperrors.ErrRateLimited(rawURL)
	}

	start := s.now()
	resp, err := s.client.Do(req.WithContext(ctx))
	s.metrics.ObserveOutboundLatency(req.URL.Host, s.now().Sub(start))

	if err != nil {
		// Transport failures were attempted calls; they count against the
		// breaker, unlike denials above.
		if recErr := s.breaker.RecordFailure(ctx); recErr != nil {
			s.log.Warn(ctx, "could not record breaker failure",
				logger.Any("error", recErr.Error()))
		}
		return nil, apperrors.ErrDependencyFailure("outbound request failed").WithCause(err)
	}

	// Limit discovery happens on every response carrying the header,
	// including error responses. A malformed header is logged by the
	// limiter and leaves previous limits in place.
	if hdr := resp.Header.Get(ratelimit.RateLimitHeaderName); hdr != "" {
		_ = s.limiter.UpdateFromResponse(ctx, rawURL, hdr)
	}

	s.recordOutcome(ctx, resp.StatusCode)
	return resp, nil
}

// recordOutcome classifies a status code for the breaker: 5xx and 429 are
// dependency failures, everything else (including other 4xx caller errors)
// is a success signal.
func (s *AdmissionService) recordOutcome(ctx context.Context, statusCode int) {
	var err error
	if statusCode >= http.StatusInternalServerError || statusCode == http.StatusTooManyRequests {
		err = s.breaker.RecordFailure(ctx)
	} else {
		err = s.breaker.RecordSuccess(ctx)
	}
	if err != nil {
		s.log.Warn(ctx, "could not record breaker outcome",
			logger.Int("status_code", statusCode),
			logger.Any("error", err.Error()))
	}
}

// OutboundRequest is the payload shape accepted by the queue: a description
// of the HTTP call a worker should perform once it holds a permit.
type OutboundRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// OutboundResponse is what a completed queued request stores as its output.
type OutboundResponse struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body,omitempty"`
}

// HandleQueuedRequest is the queue handler: it executes a queued outbound
// request under breaker protection. The rate limit permit was already
// acquired by the worker before this runs, so no endpoint permit is taken
// here.
func (s *AdmissionService) HandleQueuedRequest(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var outbound OutboundRequest
	if err := json.Unmarshal(payload, &outbound); err != nil {
		return nil, apperrors.ErrInvalidRequest("malformed outbound request payload").WithCause(err)
	}
	if outbound.URL == "" {
		return nil, apperrors.ErrInvalidRequest("outbound request url is required")
	}
	method := strings.ToUpper(outbound.Method)
	if method == "" {
		method = http.MethodGet
	}

	allowed, err := s.breaker.CanExecute(ctx)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, apperrors.ErrCircuitOpen(s.breaker.Name())
	}

	var body io.Reader
	if len(outbound.Body) > 0 {
		body = bytes.NewReader(outbound.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, outbound.URL, body)
	if err != nil {
		return nil, apperrors.ErrInvalidRequest("invalid outbound request").WithCause(err)
	}
	for k, v := range outbound.Headers {
		req.Header.Set(k, v)
	}
	if len(outbound.Body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	start := s.now()
	resp, err := s.client.Do(req)
	s.metrics.ObserveOutboundLatency(req.URL.Host, s.now().Sub(start))
	if err != nil {
		if recErr := s.breaker.RecordFailure(ctx); recErr != nil {
			s.log.Warn(ctx, "could not record breaker failure",
				logger.Any("error", recErr.Error()))
		}
		return nil, apperrors.ErrDependencyFailure("outbound request failed").WithCause(err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Opportunistic limit discovery for queued calls that hit an
	// endpoint-limited host; other hosts simply don't map to a key.
	if hdr := resp.Header.Get(ratelimit.RateLimitHeaderName); hdr != "" {
		if updErr := s.limiter.UpdateFromResponse(ctx, outbound.URL, hdr); updErr != nil &&
			!apperrors.HasCode(updErr, apperrors.ErrCodeInvalidEndpoint) {
			s.log.Warn(ctx, "could not update endpoint limits",
				logger.String("url", outbound.URL),
				logger.Any("error", updErr.Error()))
		}
	}

	s.recordOutcome(ctx, resp.StatusCode)

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, apperrors.ErrDependencyFailure("could not read response body").WithCause(err)
	}

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return nil, apperrors.ErrDependencyFailure("dependency returned " + resp.Status).
			WithMetadata("status_code", resp.StatusCode)
	}

	output, err := json.Marshal(OutboundResponse{
		StatusCode: resp.StatusCode,
		Body:       string(respBody),
	})
	if err != nil {
		return nil, apperrors.ErrInternal("could not encode response").WithCause(err)
	}
	return output, nil
}
