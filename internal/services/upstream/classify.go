package upstream

import (
	"context"
	"errors"
	"net/http"

	"github.com/coreason-ai/gateway/internal/apierror"
)

// Class tags the outcome of one upstream attempt. The retry policy is a
// pure function of this tag.
type Class int

const (
	ClassOK Class = iota
	ClassRateLimit
	ClassConnection
	ClassInternal
	ClassTerminalClient
	ClassTerminalServer
	ClassCancelled
)

// Classify maps an attempt error to its outcome class.
func Classify(err error) Class {
	if err == nil {
		return ClassOK
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassCancelled
	}

	var upErr *Error
	if !errors.As(err, &upErr) {
		return ClassTerminalServer
	}

	switch {
	case upErr.StatusCode == 0:
		// No HTTP status: the request never completed (connect, TLS, reset).
		return ClassConnection
	case upErr.StatusCode == http.StatusTooManyRequests:
		return ClassRateLimit
	case upErr.StatusCode >= 500:
		return ClassInternal
	default:
		return ClassTerminalClient
	}
}

// IsRetryable reports whether an attempt with this error may be repeated.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ClassRateLimit, ClassConnection, ClassInternal:
		return true
	default:
		return false
	}
}

// MapError converts a terminal attempt error into the caller-facing
// taxonomy. Cancellation is passed through untouched so the pipeline can
// recognize a vanished caller.
func MapError(err error) error {
	switch Classify(err) {
	case ClassOK:
		return nil
	case ClassCancelled:
		return err
	case ClassRateLimit:
		return apierror.Wrap(err, apierror.UpstreamRateLimit, "Upstream provider rate limit exceeded")
	case ClassConnection:
		return apierror.Wrap(err, apierror.UpstreamUnavailable, "Upstream provider unreachable")
	default:
		var upErr *Error
		if errors.As(err, &upErr) && upErr.Message != "" {
			return apierror.Wrap(err, apierror.UpstreamError, "Upstream provider error: "+upErr.Message)
		}
		return apierror.Wrap(err, apierror.UpstreamError, "Upstream provider error")
	}
}
