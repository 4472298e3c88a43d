package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is().
// These are generic errors that can be wrapped with additional context.
var (
	// Registration errors
	ErrAgentNotFound       = errors.New("agent not found")
	ErrInvalidRegistration = errors.New("invalid registration")

	// Storage errors
	ErrStoreUnavailable = errors.New("durable store unavailable")
	ErrCacheUnavailable = errors.New("cache unavailable")

	// Client-side resilience errors
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrDiscoveryExhausted = errors.New("no reachable candidate remained")

	// ErrNoCandidates is the empty-candidate-set form of discovery
	// exhaustion: errors.Is matches it against ErrDiscoveryExhausted,
	// so callers checking for exhaustion catch both cases.
	ErrNoCandidates = fmt.Errorf("no candidates for capability: %w", ErrDiscoveryExhausted)

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Operation errors
	ErrTimeout          = errors.New("operation timeout")
	ErrConnectionFailed = errors.New("connection failed")
	ErrUnauthorized     = errors.New("unauthorized")
)

// Error kinds used in RegistryError.Kind and as API error codes.
const (
	KindValidation = "invalid_registration"
	KindNotFound   = "agent_not_found"
	KindStore      = "store_unavailable"
	KindAuth       = "unauthorized"
	KindInternal   = "internal_error"
)

// RegistryError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type RegistryError struct {
	Op      string // Operation that failed (e.g., "registry.Heartbeat")
	Kind    string // Error kind, doubles as the API error_code
	AgentID string // Optional id of the agent involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

func (e *RegistryError) Error() string {
	switch {
	case e.Op != "" && e.Err != nil && e.AgentID != "":
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.AgentID, e.Err)
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *RegistryError) Unwrap() error {
	return e.Err
}

// IsNotFound checks if an error represents a missing agent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAgentNotFound)
}

// IsValidation checks if an error was caused by malformed input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidRegistration)
}

// IsRetryable checks if an error is a transient infrastructure failure
// the caller may retry with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed)
}

// IsConfigurationError checks if an error is configuration-related.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// ErrorCode maps an error to its stable API error_code string.
func ErrorCode(err error) string {
	var re *RegistryError
	if errors.As(err, &re) && re.Kind != "" {
		return re.Kind
	}
	switch {
	case IsValidation(err):
		return KindValidation
	case IsNotFound(err):
		return KindNotFound
	case errors.Is(err, ErrStoreUnavailable):
		return KindStore
	case errors.Is(err, ErrUnauthorized):
		return KindAuth
	}
	return KindInternal
}
