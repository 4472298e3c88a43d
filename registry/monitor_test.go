package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/core"
)

func testHealthConfig() core.HealthConfig {
	return core.HealthConfig{
		DegradedAfter: 45 * time.Second,
		InactiveAfter: 2 * time.Minute,
		ReapAfter:     10 * time.Minute,
		SweepInterval: 10 * time.Second,
	}
}

func TestTargetStatus(t *testing.T) {
	m := NewHealthMonitor(nil, testHealthConfig(), nil)

	tests := []struct {
		name    string
		silence time.Duration
		want    core.AgentStatus
		reap    bool
	}{
		{"fresh", 10 * time.Second, core.StatusActive, false},
		{"at degraded boundary stays active", 45 * time.Second, core.StatusActive, false},
		{"past degraded", 46 * time.Second, core.StatusDegraded, false},
		{"past inactive", 3 * time.Minute, core.StatusInactive, false},
		{"at reap boundary stays inactive", 10 * time.Minute, core.StatusInactive, false},
		{"past reap", 11 * time.Minute, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, reap := m.targetStatus(tt.silence)
			assert.Equal(t, tt.reap, reap)
			if !tt.reap {
				assert.Equal(t, tt.want, status)
			}
		})
	}
}

func TestSweepTransitions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	m := NewHealthMonitor(store, testHealthConfig(), nil)
	m.clock = clock.Now

	put := func(id string, silence time.Duration, status core.AgentStatus) {
		reg := testRegistration(id)
		reg.Status = status
		reg.LastHeartbeat = clock.Now().Add(-silence)
		require.NoError(t, store.Put(ctx, reg))
	}

	put("fresh", 10*time.Second, core.StatusActive)
	put("silent", time.Minute, core.StatusActive)
	put("very-silent", 3*time.Minute, core.StatusDegraded)
	put("long-gone", 11*time.Minute, core.StatusInactive)

	m.Sweep(ctx)

	get := func(id string) *core.AgentRegistration {
		reg, err := store.Get(ctx, id)
		require.NoError(t, err)
		return reg
	}

	assert.Equal(t, core.StatusActive, get("fresh").Status)
	assert.Equal(t, core.StatusDegraded, get("silent").Status)
	assert.Equal(t, core.StatusInactive, get("very-silent").Status)

	_, err := store.Get(ctx, "long-gone")
	assert.True(t, core.IsNotFound(err), "silent past the reap threshold must be deleted")
}

func TestSweepSkipsStatusesAlreadyCorrect(t *testing.T) {
	ctx := context.Background()
	store := &writeCountingStore{RegistrationStore: NewMemoryStore(nil)}
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	m := NewHealthMonitor(store, testHealthConfig(), nil)
	m.clock = clock.Now

	reg := testRegistration("already-degraded")
	reg.Status = core.StatusDegraded
	reg.LastHeartbeat = clock.Now().Add(-time.Minute)
	require.NoError(t, store.Put(ctx, reg))

	m.Sweep(ctx)
	assert.Zero(t, store.statusWrites, "no write when derived status matches stored")
}

func TestSweepNeverPromotes(t *testing.T) {
	ctx := context.Background()
	store := &writeCountingStore{RegistrationStore: NewMemoryStore(nil)}
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	m := NewHealthMonitor(store, testHealthConfig(), nil)
	m.clock = clock.Now

	// Degraded record with a fresh heartbeat: only the heartbeat path may
	// promote it, never the sweep.
	reg := testRegistration("recovering")
	reg.Status = core.StatusDegraded
	reg.LastHeartbeat = clock.Now().Add(-time.Second)
	require.NoError(t, store.Put(ctx, reg))

	m.Sweep(ctx)

	assert.Zero(t, store.statusWrites)
	got, err := store.Get(ctx, "recovering")
	require.NoError(t, err)
	assert.Equal(t, core.StatusDegraded, got.Status)
}

func TestMonitorStartStop(t *testing.T) {
	store := NewMemoryStore(nil)
	cfg := testHealthConfig()
	cfg.SweepInterval = 20 * time.Millisecond
	cfg.DegradedAfter = 50 * time.Millisecond
	cfg.InactiveAfter = 100 * time.Millisecond
	cfg.ReapAfter = 200 * time.Millisecond

	m := NewHealthMonitor(store, cfg, nil)
	require.NoError(t, m.Start())

	reg := testRegistration("agent-1")
	reg.Status = core.StatusActive
	reg.LastHeartbeat = time.Now()
	require.NoError(t, store.Put(context.Background(), reg))

	// Long enough for the record to cross the reap threshold
	assert.Eventually(t, func() bool {
		_, err := store.Get(context.Background(), "agent-1")
		return core.IsNotFound(err)
	}, 2*time.Second, 20*time.Millisecond)

	m.Stop()
}

// writeCountingStore counts UpdateStatus calls for write-back assertions.
type writeCountingStore struct {
	core.RegistrationStore
	statusWrites int
}

func (s *writeCountingStore) UpdateStatus(ctx context.Context, agentID string, status core.AgentStatus) error {
	s.statusWrites++
	return s.RegistrationStore.UpdateStatus(ctx, agentID, status)
}
