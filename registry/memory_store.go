package registry

import (
	"context"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/core"
)

// MemoryStore is an in-process RegistrationStore for development mode and
// tests. It mirrors the Redis store's semantics (idempotent delete,
// monotonic heartbeat guard) without any external dependency.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*core.AgentRegistration
	logger core.Logger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger core.Logger) *MemoryStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &MemoryStore{
		agents: make(map[string]*core.AgentRegistration),
		logger: logger,
	}
}

func (s *MemoryStore) Put(ctx context.Context, reg *core.AgentRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[reg.AgentID] = reg.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, agentID string) (*core.AgentRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.agents[agentID]
	if !ok {
		return nil, &core.RegistryError{
			Op:      "store.Get",
			Kind:    core.KindNotFound,
			AgentID: agentID,
			Err:     core.ErrAgentNotFound,
		}
	}
	return reg.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, filter core.DiscoveryFilter) ([]*core.AgentRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.AgentRegistration, 0, len(s.agents))
	for _, reg := range s.agents {
		if filter.Matches(reg) {
			out = append(out, reg.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, agentID)
	return nil
}

func (s *MemoryStore) UpdateHeartbeat(ctx context.Context, agentID string, ts time.Time) (*core.AgentRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.agents[agentID]
	if !ok {
		return nil, &core.RegistryError{
			Op:      "store.UpdateHeartbeat",
			Kind:    core.KindNotFound,
			AgentID: agentID,
			Err:     core.ErrAgentNotFound,
		}
	}
	if ts.After(reg.LastHeartbeat) {
		reg.LastHeartbeat = ts
		reg.Status = core.StatusActive
	}
	return reg.Clone(), nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, agentID string, status core.AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.agents[agentID]
	if !ok {
		return &core.RegistryError{
			Op:      "store.UpdateStatus",
			Kind:    core.KindNotFound,
			AgentID: agentID,
			Err:     core.ErrAgentNotFound,
		}
	}
	reg.Status = status
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
