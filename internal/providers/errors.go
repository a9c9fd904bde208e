package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error is an upstream failure.
type Error struct {
	Provider string
	// Status is the upstream HTTP status; 0 when the call never got one.
	Status   int
	KindName string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status=%d)", e.Provider, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode reports the upstream HTTP status, if any.
func (e *Error) StatusCode() (int, bool) { return e.Status, e.Status > 0 }

// Kind names the failure class, e.g. "RateLimitError".
func (e *Error) Kind() string { return e.KindName }

// KindForStatus names the failure class of an HTTP error status.
func KindForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "BadRequestError"
	case http.StatusUnauthorized:
		return "AuthenticationError"
	case http.StatusForbidden:
		return "PermissionDeniedError"
	case http.StatusNotFound:
		return "NotFoundError"
	case http.StatusRequestTimeout:
		return "Timeout"
	case http.StatusConflict:
		return "ConflictError"
	case http.StatusUnprocessableEntity:
		return "UnprocessableEntityError"
	case http.StatusTooManyRequests:
		return "RateLimitError"
	case http.StatusServiceUnavailable:
		return "ServiceUnavailableError"
	}
	if status >= 500 {
		return "InternalServerError"
	}
	return "APIError"
}

// NewStatusError wraps an upstream HTTP error response.
func NewStatusError(provider string, status int, message string, cause error) *Error {
	if message == "" {
		message = http.StatusText(status)
	}
	return &Error{
		Provider: provider,
		Status:   status,
		KindName: KindForStatus(status),
		Message:  message,
		Err:      cause,
	}
}

// NewConnectionError wraps a failure that produced no HTTP response.
func NewConnectionError(provider string, cause error) *Error {
	kind := "APIConnectionError"
	if errors.Is(cause, context.DeadlineExceeded) {
		kind = "APITimeoutError"
	}
	return &Error{
		Provider: provider,
		KindName: kind,
		Message:  cause.Error(),
		Err:      cause,
	}
}

// IsServerFault reports whether err should count against a provider's
// health: connection failures, timeouts, 429 and 5xx. Client mistakes (4xx)
// and cancellations by the caller do not.
func IsServerFault(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var pe *Error
	if !errors.As(err, &pe) {
		return true
	}
	if pe.Status == 0 {
		return true
	}
	return pe.Status == http.StatusTooManyRequests || pe.Status >= 500
}
