package core

import (
	"context"
	"time"
)

// Logger interface - minimal logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// Telemetry interface - optional telemetry support
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span represents a telemetry span
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// Memory is the advisory key/value cache interface. Implementations make
// no transactional guarantee; callers must tolerate stale or missing
// entries.
type Memory interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// RegistrationStore persists agent registrations. Implementations must
// provide per-key atomic upserts; cross-key transactions are never
// required (conflicts resolve per-field, last-write-wins).
type RegistrationStore interface {
	// Put is an idempotent upsert keyed by registration.AgentID.
	Put(ctx context.Context, reg *AgentRegistration) error
	// Get returns ErrAgentNotFound when the id is absent.
	Get(ctx context.Context, agentID string) (*AgentRegistration, error)
	// List returns a snapshot of records matching the filter, possibly empty.
	List(ctx context.Context, filter DiscoveryFilter) ([]*AgentRegistration, error)
	// Delete removes a record; deleting an absent id succeeds.
	Delete(ctx context.Context, agentID string) error
	// UpdateHeartbeat advances last_heartbeat to ts and forces status
	// active, honoring the monotonic write guard: a ts at or before the
	// stored value is a no-op. Returns the stored record either way.
	UpdateHeartbeat(ctx context.Context, agentID string, ts time.Time) (*AgentRegistration, error)
	// UpdateStatus writes a new status without touching last_heartbeat.
	UpdateStatus(ctx context.Context, agentID string, status AgentStatus) error
	// Ping reports backend liveness for health checks.
	Ping(ctx context.Context) error
	Close() error
}

// Registry is the service-level contract consumed by the HTTP API and by
// in-process callers.
type Registry interface {
	Register(ctx context.Context, reg *AgentRegistration) (*AgentRegistration, error)
	Heartbeat(ctx context.Context, agentID string) (*AgentRegistration, error)
	Discover(ctx context.Context, filter DiscoveryFilter) ([]*AgentRegistration, error)
	Get(ctx context.Context, agentID string) (*AgentRegistration, error)
	Deregister(ctx context.Context, agentID string) error
	Metrics(ctx context.Context) (*RegistryMetrics, error)
}

// Default no-op implementations

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpTelemetry provides a no-op telemetry implementation
type NoOpTelemetry struct{}

func (n *NoOpTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &NoOpSpan{}
}

func (n *NoOpTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}

// NoOpSpan provides a no-op span implementation
type NoOpSpan struct{}

func (n *NoOpSpan) End()                                       {}
func (n *NoOpSpan) SetAttribute(key string, value interface{}) {}
func (n *NoOpSpan) RecordError(err error)                      {}
