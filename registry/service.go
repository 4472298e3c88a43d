package registry

import (
	"context"
	"sort"
	"time"

	"github.com/agentmesh/agentmesh/core"
)

// Service implements core.Registry on top of a RegistrationStore. It owns
// the fields clients may not set themselves: status and both timestamps.
type Service struct {
	store     core.RegistrationStore
	logger    core.Logger
	telemetry core.Telemetry
	clock     func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceTelemetry attaches a telemetry provider for operation metrics.
func WithServiceTelemetry(t core.Telemetry) ServiceOption {
	return func(s *Service) {
		if t != nil {
			s.telemetry = t
		}
	}
}

// WithClock overrides the time source; used by tests.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewService creates the registry service.
func NewService(store core.RegistrationStore, logger core.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	s := &Service{
		store:     store,
		logger:    logger,
		telemetry: &core.NoOpTelemetry{},
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register validates and upserts a registration. Registering an existing
// agent_id fully replaces the stored record, including registered_at: a
// re-register is a fresh start, not a merge. Status and timestamps from
// the request are ignored and set server-side.
func (s *Service) Register(ctx context.Context, reg *core.AgentRegistration) (*core.AgentRegistration, error) {
	if err := reg.Validate(); err != nil {
		return nil, err
	}

	stored := reg.Clone()
	stored.Normalize()

	now := s.clock().UTC()
	stored.Status = core.StatusActive
	stored.RegisteredAt = now
	stored.LastHeartbeat = now

	if err := s.store.Put(ctx, stored); err != nil {
		return nil, err
	}

	s.logger.Info("Agent registered", map[string]interface{}{
		"agent_id":     stored.AgentID,
		"agent_type":   stored.AgentType,
		"capabilities": stored.Capabilities,
	})
	s.telemetry.RecordMetric("registry.registrations", 1, map[string]string{
		"agent_type": stored.AgentType,
	})
	return stored, nil
}

// Heartbeat records a liveness signal for a registered agent, advancing
// last_heartbeat and forcing status back to active. Unknown agents get
// ErrAgentNotFound; the caller is expected to re-register.
func (s *Service) Heartbeat(ctx context.Context, agentID string) (*core.AgentRegistration, error) {
	reg, err := s.store.UpdateHeartbeat(ctx, agentID, s.clock().UTC())
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Heartbeat recorded", map[string]interface{}{
		"agent_id": agentID,
		"status":   string(reg.Status),
	})
	return reg, nil
}

// Discover lists registrations matching the filter, freshest heartbeat
// first. An empty filter status defaults to active so callers get only
// invocable agents unless they explicitly widen the search.
func (s *Service) Discover(ctx context.Context, filter core.DiscoveryFilter) ([]*core.AgentRegistration, error) {
	if filter.Status == "" {
		filter.Status = core.StatusActive
	}

	regs, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	sort.Slice(regs, func(i, j int) bool {
		return regs[i].LastHeartbeat.After(regs[j].LastHeartbeat)
	})
	return regs, nil
}

// Get returns one registration by id.
func (s *Service) Get(ctx context.Context, agentID string) (*core.AgentRegistration, error) {
	return s.store.Get(ctx, agentID)
}

// Deregister removes an agent. Deregistering an unknown id succeeds, so
// shutdown hooks can call it unconditionally.
func (s *Service) Deregister(ctx context.Context, agentID string) error {
	if err := s.store.Delete(ctx, agentID); err != nil {
		return err
	}

	s.logger.Info("Agent deregistered", map[string]interface{}{
		"agent_id": agentID,
	})
	s.telemetry.RecordMetric("registry.deregistrations", 1, nil)
	return nil
}

// Metrics aggregates counts over the full registry population.
func (s *Service) Metrics(ctx context.Context) (*core.RegistryMetrics, error) {
	regs, err := s.store.List(ctx, core.DiscoveryFilter{Status: core.StatusAll})
	if err != nil {
		return nil, err
	}

	m := &core.RegistryMetrics{
		TotalAgents: len(regs),
		ByStatus:    make(map[string]int),
		ByType:      make(map[string]int),
	}
	for _, reg := range regs {
		m.ByStatus[string(reg.Status)]++
		m.ByType[reg.AgentType]++
	}
	return m, nil
}
