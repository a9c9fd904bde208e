// Package apierr provides the gateway error taxonomy and the OpenAI-compatible
// error envelope written to clients.
//
// Every failure a client can observe is an *Error. Errors raised by upstream
// providers are converted mechanically: the envelope type is derived from the
// upstream error's kind name and the code from its HTTP status.
package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/valyala/fasthttp"
)

// Error type constants for failures raised by the gateway itself.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeAuthentication = "authentication_error"
	TypePermission     = "permission_error"
	TypeNotFound       = "not_found_error"
	TypeNoCapacity     = "no_capacity_error"
	TypeQuotaExceeded  = "quota_exceeded_error"
	TypeRateLimit      = "rate_limit_error"
	TypeTimeout        = "timeout_error"
	TypeUpstream       = "upstream_error"
	TypeInternal       = "internal_server_error"
)

// Error is a client-visible failure. Status doubles as the envelope code.
type Error struct {
	Status  int
	Type    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (status=%d): %s", e.Type, e.Status, e.Message)
}

// UpstreamError is implemented by errors raised by the LLM backend client.
type UpstreamError interface {
	error
	StatusCode() (int, bool)
	Kind() string
}

func newf(status int, typ, format string, args ...any) *Error {
	return &Error{Status: status, Type: typ, Message: fmt.Sprintf(format, args...)}
}

func InvalidRequest(format string, args ...any) *Error {
	return newf(fasthttp.StatusBadRequest, TypeInvalidRequest, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return newf(fasthttp.StatusUnauthorized, TypeAuthentication, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return newf(fasthttp.StatusForbidden, TypePermission, format, args...)
}

// NotFound reports an unknown provider, group or alias.
func NotFound(format string, args ...any) *Error {
	return newf(fasthttp.StatusNotFound, TypeNotFound, format, args...)
}

// NoCapacity reports a group with no usable member.
func NoCapacity(format string, args ...any) *Error {
	return newf(fasthttp.StatusServiceUnavailable, TypeNoCapacity, format, args...)
}

func QuotaExceeded(format string, args ...any) *Error {
	return newf(fasthttp.StatusForbidden, TypeQuotaExceeded, format, args...)
}

func RateLimited(format string, args ...any) *Error {
	return newf(fasthttp.StatusTooManyRequests, TypeRateLimit, format, args...)
}

func Internal(format string, args ...any) *Error {
	return newf(fasthttp.StatusInternalServerError, TypeInternal, format, args...)
}

// FromError converts any error into an *Error.
//
//	*Error             → returned unchanged
//	UpstreamError      → type = snake_case(Kind()), status = StatusCode() or 500
//	deadline exceeded  → 504 timeout_error
//	anything else      → 500 internal_server_error
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}

	var ue UpstreamError
	if errors.As(err, &ue) {
		status, ok := ue.StatusCode()
		if !ok || status < 100 || status > 599 {
			status = fasthttp.StatusInternalServerError
		}
		return &Error{Status: status, Type: KindToType(ue.Kind()), Message: ue.Error()}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Status:  fasthttp.StatusGatewayTimeout,
			Type:    TypeTimeout,
			Message: "upstream request timed out",
		}
	}

	return &Error{
		Status:  fasthttp.StatusInternalServerError,
		Type:    TypeInternal,
		Message: "Internal Server Error: " + err.Error(),
	}
}

// KindToType turns an error kind name into an envelope type.
// "AuthenticationError" → "authentication_error", "APIConnectionError" →
// "api_connection_error". Names already in snake_case pass through lowercased.
func KindToType(kind string) string {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return TypeUpstream
	}

	runes := []rune(kind)
	var sb strings.Builder
	sb.Grow(len(kind) + 4)

	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				sb.WriteByte('_')
			}
		}
		if r == '-' || r == ' ' || r == '.' {
			sb.WriteByte('_')
			continue
		}
		sb.WriteRune(unicode.ToLower(r))
	}

	return sb.String()
}

type (
	// APIError is the wire form of an error.
	APIError struct {
		Message string  `json:"message"`
		Type    string  `json:"type"`
		Param   *string `json:"param"`
		Code    int     `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Body returns the JSON envelope for e.
func (e *Error) Body() []byte {
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: e.Message,
		Type:    e.Type,
		Code:    e.Status,
	}})
	return body
}

// Write writes e as the response: status, JSON envelope and, for 429,
// a Retry-After header.
func Write(ctx *fasthttp.RequestCtx, e *Error) {
	if e.Status == fasthttp.StatusTooManyRequests {
		ctx.Response.Header.Set("Retry-After", strconv.Itoa(60))
	}
	ctx.SetStatusCode(e.Status)
	ctx.SetContentType("application/json")
	ctx.SetBody(e.Body())
}

// WriteError normalizes err and writes it.
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	Write(ctx, FromError(err))
}
