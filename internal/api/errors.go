package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind is the stable wire value identifying an error class. These
// values appear verbatim in HTTP error responses and must not change.
type ErrorKind string

const (
	ErrKindConfig             ErrorKind = "config"
	ErrKindProvider           ErrorKind = "provider"
	ErrKindRouter             ErrorKind = "router"
	ErrKindAPIKey             ErrorKind = "api_key"
	ErrKindMCP                ErrorKind = "mcp"
	ErrKindOAuthBrowser       ErrorKind = "oauth_browser"
	ErrKindStorage            ErrorKind = "storage"
	ErrKindInvalidParams      ErrorKind = "invalid_params"
	ErrKindUnauthorized       ErrorKind = "unauthorized"
	ErrKindRateLimitExceeded  ErrorKind = "rate_limit_exceeded"
	ErrKindContentFilter      ErrorKind = "content_filter"
	ErrKindFeatureUnsupported ErrorKind = "feature_unsupported"
	ErrKindNotFound           ErrorKind = "not_found_error"
	ErrKindInternal           ErrorKind = "internal_error"
	ErrKindIO                 ErrorKind = "io"
	ErrKindSerialization      ErrorKind = "serialization"
	ErrKindCrypto             ErrorKind = "crypto"
)

// HTTPStatus maps an error kind to the HTTP status code returned to
// clients. Upstream provider and MCP failures map to 502 because they
// indicate a bad gateway-side response after retries were exhausted.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case ErrKindInvalidParams:
		return http.StatusBadRequest
	case ErrKindUnauthorized:
		return http.StatusUnauthorized
	case ErrKindContentFilter:
		return http.StatusForbidden
	case ErrKindNotFound:
		return http.StatusNotFound
	case ErrKindRateLimitExceeded:
		return http.StatusTooManyRequests
	case ErrKindProvider, ErrKindMCP:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is the service-wide error type. Every error that can reach a
// client carries a kind; internal call sites wrap causes with %w so the
// chain stays inspectable with errors.Is/As.
type Error struct {
	Kind    ErrorKind
	Message string
	// RetryAfter is set for rate_limit_exceeded errors and is surfaced
	// as the Retry-After header.
	RetryAfter time.Duration
	// Err is the wrapped cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new Error with the given kind and message.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a new Error wrapping a cause.
func WrapError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the error kind from err, walking the wrap chain.
// Errors that never received a kind report internal_error.
func KindOf(err error) ErrorKind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ErrKindInternal
}

// RetryAfterOf extracts the Retry-After hint from err, or zero.
func RetryAfterOf(err error) time.Duration {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// IsKind checks whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// ErrorResponse is the JSON wire shape for error responses:
// { "error": { "type": <kind>, "message": <text> } }
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody is the inner error object of an ErrorResponse.
type ErrorBody struct {
	Type    ErrorKind `json:"type"`
	Message string    `json:"message"`
}

// NewErrorResponse builds the wire representation for err.
func NewErrorResponse(err error) ErrorResponse {
	kind := KindOf(err)
	msg := err.Error()
	var apiErr *Error
	if errors.As(err, &apiErr) {
		msg = apiErr.Message
	}
	return ErrorResponse{Error: ErrorBody{Type: kind, Message: msg}}
}
