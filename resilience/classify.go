package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentmesh/agentmesh/core"
)

// HTTPError carries a downstream HTTP status so the error classifier can
// distinguish server faults from caller mistakes.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Status)
}

// IsServerError reports whether the response indicates a target fault.
func (e *HTTPError) IsServerError() bool {
	return e.StatusCode >= 500
}

// ErrorClassifier determines which errors count toward breaker thresholds
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts only target faults: transport failures,
// timeouts, and 5xx responses. Caller mistakes (4xx, validation, not
// found) and abandoned calls (context canceled) never trip a breaker,
// since they say nothing about the target's health.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.IsServerError()
	}

	if core.IsValidation(err) || core.IsNotFound(err) || core.IsConfigurationError(err) {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	// Timeouts, connection failures, and anything else unexplained count.
	return true
}

func errorType(err error) string {
	var httpErr *HTTPError
	switch {
	case errors.As(err, &httpErr):
		return fmt.Sprintf("http_%d", httpErr.StatusCode)
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, core.ErrConnectionFailed):
		return "connection_failed"
	default:
		return fmt.Sprintf("%T", err)
	}
}
