// Package errors defines the structured error types used across the admission
// control core. Errors carry a stable string code and an HTTP status so that
// a denied request is always distinguishable from a request that was attempted
// and failed at the dependency.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code identifies an error class. Codes are part of the API surface: callers
// branch on them to decide whether to retry, queue, or fail fast.
type Code string

const (
	// ErrCodeContention marks an optimistic store transaction aborted by a
	// concurrent writer. Treated as a denial, never retried internally.
	ErrCodeContention Code = "contention"

	// ErrCodeStoreUnavailable marks a connectivity failure to the shared
	// store. Only raised when the fallback policy is disabled.
	ErrCodeStoreUnavailable Code = "store_unavailable"

	// ErrCodeMalformedHeader marks a rate-limit header that was present but
	// unparseable. Previously cached limits stay untouched.
	ErrCodeMalformedHeader Code = "malformed_header"

	// ErrCodeDependencyFailure marks a downstream call that was attempted and
	// failed. Reported to the circuit breaker, never to the rate limiter.
	ErrCodeDependencyFailure Code = "dependency_failure"

	// ErrCodeRateLimited marks a permit denial, including queue exhaustion of
	// the bounded token-acquisition budget.
	ErrCodeRateLimited Code = "rate_limit_exceeded"

	// ErrCodeCircuitOpen marks a call rejected by an open circuit breaker.
	ErrCodeCircuitOpen Code = "circuit_open"

	// ErrCodeInvalidEndpoint marks a URL that cannot be mapped to a canonical
	// endpoint key. A hard input error, not a silent fallback.
	ErrCodeInvalidEndpoint Code = "invalid_endpoint"

	ErrCodeInvalidRequest Code = "invalid_request"
	ErrCodeNotFound       Code = "not_found"
	ErrCodeInternal       Code = "internal_error"
)

// AppError is the structured error implementation shared by all components.
type AppError struct {
	code       Code
	httpStatus int
	message    string
	cause      error
	metadata   map[string]interface{}
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the stable error code.
func (e *AppError) Code() Code { return e.code }

// HTTPStatus returns the HTTP status this error maps to.
func (e *AppError) HTTPStatus() int { return e.httpStatus }

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *AppError) Unwrap() error { return e.cause }

// WithCause attaches the underlying error to the chain.
func (e *AppError) WithCause(cause error) *AppError {
	e.cause = cause
	return e
}

// WithMetadata attaches contextual metadata for logging and HTTP responses.
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.metadata == nil {
		e.metadata = make(map[string]interface{})
	}
	e.metadata[key] = value
	return e
}

// Metadata returns all attached metadata.
func (e *AppError) Metadata() map[string]interface{} { return e.metadata }

// New creates an AppError with an explicit code and status.
func New(code Code, httpStatus int, message string) *AppError {
	return &AppError{code: code, httpStatus: httpStatus, message: message}
}

// ================================================================================
// Predefined Constructors
// ================================================================================

// ErrContention creates a contention denial.
func ErrContention(key string) *AppError {
	return New(ErrCodeContention, http.StatusConflict,
		fmt.Sprintf("concurrent writer interleaved on %q", key)).
		WithMetadata("key", key)
}

// ErrStoreUnavailable creates a store connectivity error.
func ErrStoreUnavailable(message string) *AppError {
	return New(ErrCodeStoreUnavailable, http.StatusServiceUnavailable, message)
}

// ErrMalformedHeader creates a header parse error.
func ErrMalformedHeader(message string) *AppError {
	return New(ErrCodeMalformedHeader, http.StatusBadRequest, message)
}

// ErrDependencyFailure creates a downstream failure error.
func ErrDependencyFailure(message string) *AppError {
	return New(ErrCodeDependencyFailure, http.StatusBadGateway, message)
}

// ErrRateLimited creates a permit-denied error.
func ErrRateLimited(key string) *AppError {
	return New(ErrCodeRateLimited, http.StatusTooManyRequests,
		fmt.Sprintf("rate limit exceeded for %q", key)).
		WithMetadata("key", key)
}

// ErrQueueExhausted creates the typed failure surfaced on a future when the
// bounded token-acquisition budget runs out.
func ErrQueueExhausted(requestID string, attempts int) *AppError {
	return New(ErrCodeRateLimited, http.StatusTooManyRequests,
		fmt.Sprintf("no permit granted for request %s after %d attempts", requestID, attempts)).
		WithMetadata("request_id", requestID).
		WithMetadata("attempts", attempts)
}

// ErrCircuitOpen creates an open-circuit rejection.
func ErrCircuitOpen(name string) *AppError {
	return New(ErrCodeCircuitOpen, http.StatusServiceUnavailable,
		fmt.Sprintf("circuit breaker %q is open", name)).
		WithMetadata("breaker", name)
}

// ErrInvalidEndpoint creates a hard error for URLs that cannot be mapped to
// an endpoint key.
func ErrInvalidEndpoint(reason string) *AppError {
	return New(ErrCodeInvalidEndpoint, http.StatusBadRequest, reason)
}

// ErrInvalidRequest creates a generic bad-input error.
func ErrInvalidRequest(message string) *AppError {
	return New(ErrCodeInvalidRequest, http.StatusBadRequest, message)
}

// ErrNotFound creates a not-found error.
func ErrNotFound(message string) *AppError {
	return New(ErrCodeNotFound, http.StatusNotFound, message)
}

// ErrInternal creates an internal error.
func ErrInternal(message string) *AppError {
	return New(ErrCodeInternal, http.StatusInternalServerError, message)
}

// ================================================================================
// Classification Helpers
// ================================================================================

// AsAppError extracts an AppError from an error chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code() == code
	}
	return false
}

// IsRateLimited reports whether err is a permit denial.
func IsRateLimited(err error) bool { return HasCode(err, ErrCodeRateLimited) }

// IsCircuitOpen reports whether err is an open-circuit rejection.
func IsCircuitOpen(err error) bool { return HasCode(err, ErrCodeCircuitOpen) }

// IsStoreUnavailable reports whether err is a store connectivity failure.
func IsStoreUnavailable(err error) bool { return HasCode(err, ErrCodeStoreUnavailable) }

// IsRetryable reports whether the caller may reasonably retry the operation
// later. Denials and transient store failures are retryable; malformed input
// and internal errors are fatal.
func IsRetryable(err error) bool {
	appErr, ok := AsAppError(err)
	if !ok {
		return false
	}
	switch appErr.Code() {
	case ErrCodeRateLimited, ErrCodeCircuitOpen, ErrCodeContention, ErrCodeStoreUnavailable:
		return true
	default:
		return false
	}
}

// ================================================================================
// HTTP Response Shape
// ================================================================================

// ErrorResponse is the JSON body returned for failed API calls.
type ErrorResponse struct {
	Error            string                 `json:"error"`
	ErrorDescription string                 `json:"error_description"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// ToErrorResponse converts any error into the wire shape, collapsing unknown
// errors into internal_error without leaking detail.
func ToErrorResponse(err error) *ErrorResponse {
	if appErr, ok := AsAppError(err); ok {
		return &ErrorResponse{
			Error:            string(appErr.Code()),
			ErrorDescription: appErr.Error(),
			Metadata:         appErr.Metadata(),
		}
	}
	return &ErrorResponse{
		Error:            string(ErrCodeInternal),
		ErrorDescription: "an unexpected error occurred",
	}
}
