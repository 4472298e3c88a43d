package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentmesh/agentmesh/core"
)

// DualStore composes the durable store with an advisory read cache in a
// cache-aside arrangement. Writes go durable-first and the cache is then
// updated best-effort; single-record reads consult the cache before
// falling through to the durable store. Listings and metrics always read
// durable state because the cache has no secondary indices.
//
// A cache failure is never surfaced to callers: it is logged and the
// operation continues against the durable store alone.
type DualStore struct {
	durable core.RegistrationStore
	cache   core.Memory
	ttl     time.Duration
	logger  core.Logger
}

// NewDualStore wraps durable with a cache. A nil cache yields a pass-through
// store, which keeps the wiring uniform when caching is disabled.
func NewDualStore(durable core.RegistrationStore, cache core.Memory, ttl time.Duration, logger core.Logger) *DualStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &DualStore{
		durable: durable,
		cache:   cache,
		ttl:     ttl,
		logger:  logger,
	}
}

func (d *DualStore) cacheKey(agentID string) string {
	return "agents:" + agentID
}

// cacheSet serializes and stores a record in the cache, swallowing errors.
func (d *DualStore) cacheSet(ctx context.Context, reg *core.AgentRegistration) {
	if d.cache == nil {
		return
	}
	data, err := json.Marshal(reg)
	if err != nil {
		return
	}
	if err := d.cache.Set(ctx, d.cacheKey(reg.AgentID), string(data), d.ttl); err != nil {
		d.logger.Warn("Cache write failed, continuing without cache", map[string]interface{}{
			"agent_id": reg.AgentID,
			"error":    err,
		})
	}
}

// cacheInvalidate removes a record from the cache, swallowing errors.
func (d *DualStore) cacheInvalidate(ctx context.Context, agentID string) {
	if d.cache == nil {
		return
	}
	if err := d.cache.Delete(ctx, d.cacheKey(agentID)); err != nil {
		d.logger.Warn("Cache invalidation failed", map[string]interface{}{
			"agent_id": agentID,
			"error":    err,
		})
	}
}

func (d *DualStore) Put(ctx context.Context, reg *core.AgentRegistration) error {
	if err := d.durable.Put(ctx, reg); err != nil {
		return err
	}
	d.cacheSet(ctx, reg)
	return nil
}

func (d *DualStore) Get(ctx context.Context, agentID string) (*core.AgentRegistration, error) {
	if d.cache != nil {
		if data, err := d.cache.Get(ctx, d.cacheKey(agentID)); err == nil && data != "" {
			var reg core.AgentRegistration
			if err := json.Unmarshal([]byte(data), &reg); err == nil {
				return &reg, nil
			}
			// Corrupt entry; drop it and fall through to durable.
			d.cacheInvalidate(ctx, agentID)
		}
	}

	reg, err := d.durable.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	d.cacheSet(ctx, reg)
	return reg, nil
}

func (d *DualStore) List(ctx context.Context, filter core.DiscoveryFilter) ([]*core.AgentRegistration, error) {
	return d.durable.List(ctx, filter)
}

func (d *DualStore) Delete(ctx context.Context, agentID string) error {
	if err := d.durable.Delete(ctx, agentID); err != nil {
		return err
	}
	d.cacheInvalidate(ctx, agentID)
	return nil
}

func (d *DualStore) UpdateHeartbeat(ctx context.Context, agentID string, ts time.Time) (*core.AgentRegistration, error) {
	reg, err := d.durable.UpdateHeartbeat(ctx, agentID, ts)
	if err != nil {
		return nil, err
	}
	d.cacheSet(ctx, reg)
	return reg, nil
}

func (d *DualStore) UpdateStatus(ctx context.Context, agentID string, status core.AgentStatus) error {
	if err := d.durable.UpdateStatus(ctx, agentID, status); err != nil {
		return err
	}
	// Invalidate rather than rewrite; the next read repopulates.
	d.cacheInvalidate(ctx, agentID)
	return nil
}

func (d *DualStore) Ping(ctx context.Context) error {
	return d.durable.Ping(ctx)
}

func (d *DualStore) Close() error {
	return d.durable.Close()
}
