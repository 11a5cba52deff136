// Package apierror defines the gateway's error taxonomy and its mapping to
// HTTP responses. Every error surfaced to a caller is one of these kinds;
// anything else is collapsed to an opaque 500 so internals never leak.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of gateway failure.
type Kind string

const (
	AuthInvalid         Kind = "AUTH_INVALID"
	ProjectMissing      Kind = "PROJECT_MISSING"
	SchemaInvalid       Kind = "SCHEMA_INVALID"
	ModelUnknown        Kind = "MODEL_UNKNOWN"
	BudgetExceeded      Kind = "BUDGET_EXCEEDED"
	SecretsUnavailable  Kind = "SECRETS_UNAVAILABLE"
	UpstreamRateLimit   Kind = "UPSTREAM_RATE_LIMIT"
	UpstreamError       Kind = "UPSTREAM_ERROR"
	UpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
)

// Error carries a taxonomy kind plus the caller-facing detail message.
// Detail must never contain credential material.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a taxonomy error with a fixed detail message.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf creates a taxonomy error with a formatted detail message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a taxonomy error. The cause is for logs only;
// callers see Detail.
func Wrap(err error, kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// Status returns the HTTP status code for the error kind.
func (e *Error) Status() int {
	switch e.Kind {
	case AuthInvalid:
		return http.StatusUnauthorized
	case ProjectMissing, SchemaInvalid, ModelUnknown:
		return http.StatusBadRequest
	case BudgetExceeded:
		return http.StatusPaymentRequired
	case SecretsUnavailable:
		return http.StatusServiceUnavailable
	case UpstreamRateLimit:
		return http.StatusTooManyRequests
	case UpstreamError:
		return http.StatusBadGateway
	case UpstreamUnavailable:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type detailPayload struct {
	Detail string `json:"detail"`
}

// Write renders err as the gateway's JSON error payload. Unknown errors
// become an opaque 500.
func Write(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	detail := "Internal server error"

	var apiErr *Error
	if errors.As(err, &apiErr) {
		status = apiErr.Status()
		detail = apiErr.Detail
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(detailPayload{Detail: detail})
}
