package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/resilience"
)

// RedisStore is the durable, authoritative backend of the registration
// store. Records are stored as JSON under namespaced keys with secondary
// index sets per capability and per agent type; a master set tracks every
// registered id for full scans.
//
// Unlike a TTL-expiry registry, records carry no expiry: lifecycle is
// owned by the health monitor, which degrades and eventually reaps silent
// agents through the same delete path as an explicit deregister.
type RedisStore struct {
	client    *redis.Client
	namespace string
	logger    core.Logger
}

const heartbeatCASRetries = 3

// NewRedisStore creates a Redis-backed store and verifies connectivity.
func NewRedisStore(redisURL, namespace string, logger core.Logger) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w: %v", core.ErrInvalidConfiguration, err)
	}

	// Production-grade connection settings
	opt.PoolSize = 10
	opt.MinIdleConns = 5
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 100 * time.Millisecond
	opt.MaxRetryBackoff = time.Second
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 5 * time.Second
	opt.WriteTimeout = 5 * time.Second
	opt.PoolTimeout = 10 * time.Second

	client := redis.NewClient(opt)

	// Connection verification with retry
	connectRetry := &resilience.RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      3 * time.Second,
		BackoffFactor: 2.0,
	}
	err = resilience.Retry(context.Background(), connectRetry, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w: %v", core.ErrConnectionFailed, err)
	}

	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	return &RedisStore{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}, nil
}

// SetLogger sets the logger for the store.
func (s *RedisStore) SetLogger(logger core.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

func (s *RedisStore) recordKey(agentID string) string {
	return fmt.Sprintf("%s:agents:%s", s.namespace, agentID)
}

func (s *RedisStore) masterKey() string {
	return fmt.Sprintf("%s:agents", s.namespace)
}

func (s *RedisStore) capabilityKey(capability string) string {
	return fmt.Sprintf("%s:capabilities:%s", s.namespace, capability)
}

func (s *RedisStore) typeKey(agentType string) string {
	return fmt.Sprintf("%s:types:%s", s.namespace, agentType)
}

// storeErr wraps a transport failure so callers can match
// core.ErrStoreUnavailable with errors.Is.
func (s *RedisStore) storeErr(op, agentID string, err error) error {
	return &core.RegistryError{
		Op:      op,
		Kind:    core.KindStore,
		AgentID: agentID,
		Err:     fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err),
	}
}

// Put upserts a registration atomically: the record write, master set
// membership, and all index set fixups execute in one transaction.
// Index memberships the replaced record had but the new one lacks are
// removed in the same transaction, so a re-register with a different
// capability set never leaves stale index entries.
func (s *RedisStore) Put(ctx context.Context, reg *core.AgentRegistration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to marshal registration for %s: %w", reg.AgentID, err)
	}

	// Load the record being replaced (if any) to diff index memberships.
	prev, err := s.Get(ctx, reg.AgentID)
	if err != nil && !core.IsNotFound(err) {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(reg.AgentID), data, 0)
	pipe.SAdd(ctx, s.masterKey(), reg.AgentID)

	newCaps := make(map[string]bool, len(reg.Capabilities))
	for _, c := range reg.Capabilities {
		newCaps[c] = true
		pipe.SAdd(ctx, s.capabilityKey(c), reg.AgentID)
	}
	pipe.SAdd(ctx, s.typeKey(reg.AgentType), reg.AgentID)

	if prev != nil {
		for _, c := range prev.Capabilities {
			if !newCaps[c] {
				pipe.SRem(ctx, s.capabilityKey(c), reg.AgentID)
			}
		}
		if prev.AgentType != reg.AgentType {
			pipe.SRem(ctx, s.typeKey(prev.AgentType), reg.AgentID)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("Failed to persist registration atomically", map[string]interface{}{
			"agent_id": reg.AgentID,
			"error":    err,
		})
		return s.storeErr("store.Put", reg.AgentID, err)
	}

	s.logger.Debug("Registration persisted", map[string]interface{}{
		"agent_id":           reg.AgentID,
		"agent_type":         reg.AgentType,
		"capabilities_count": len(reg.Capabilities),
	})
	return nil
}

// Get loads one registration. Returns core.ErrAgentNotFound when absent.
func (s *RedisStore) Get(ctx context.Context, agentID string) (*core.AgentRegistration, error) {
	data, err := s.client.Get(ctx, s.recordKey(agentID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &core.RegistryError{
				Op:      "store.Get",
				Kind:    core.KindNotFound,
				AgentID: agentID,
				Err:     core.ErrAgentNotFound,
			}
		}
		return nil, s.storeErr("store.Get", agentID, err)
	}

	var reg core.AgentRegistration
	if err := json.Unmarshal([]byte(data), &reg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal registration for %s: %w", agentID, err)
	}
	return &reg, nil
}

// List returns a snapshot of registrations matching the filter. The
// narrowest available index set seeds the scan; loaded records are then
// filtered in memory (status has no index since it changes constantly).
func (s *RedisStore) List(ctx context.Context, filter core.DiscoveryFilter) ([]*core.AgentRegistration, error) {
	indexKey := s.masterKey()
	switch {
	case filter.Capability != "":
		indexKey = s.capabilityKey(filter.Capability)
	case filter.AgentType != "":
		indexKey = s.typeKey(filter.AgentType)
	}

	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, s.storeErr("store.List", "", err)
	}

	out := make([]*core.AgentRegistration, 0, len(ids))
	for _, id := range ids {
		reg, err := s.Get(ctx, id)
		if err != nil {
			if core.IsNotFound(err) {
				// Index entry outlived the record (concurrent delete); skip.
				continue
			}
			return nil, err
		}
		if filter.Matches(reg) {
			out = append(out, reg)
		}
	}
	return out, nil
}

// Delete removes a registration and all of its index memberships.
// Deleting an absent id is a no-op success.
func (s *RedisStore) Delete(ctx context.Context, agentID string) error {
	reg, err := s.Get(ctx, agentID)
	if err != nil {
		if core.IsNotFound(err) {
			// Still clear the master set in case an index entry leaked.
			if err := s.client.SRem(ctx, s.masterKey(), agentID).Err(); err != nil {
				return s.storeErr("store.Delete", agentID, err)
			}
			return nil
		}
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.recordKey(agentID))
	pipe.SRem(ctx, s.masterKey(), agentID)
	for _, c := range reg.Capabilities {
		pipe.SRem(ctx, s.capabilityKey(c), agentID)
	}
	pipe.SRem(ctx, s.typeKey(reg.AgentType), agentID)

	if _, err := pipe.Exec(ctx); err != nil {
		return s.storeErr("store.Delete", agentID, err)
	}

	s.logger.Debug("Registration deleted", map[string]interface{}{
		"agent_id": agentID,
	})
	return nil
}

// UpdateHeartbeat advances last_heartbeat to ts and forces status active,
// under the monotonic write guard: a ts at or before the stored value is
// a no-op, so a delayed out-of-order retry can never regress a fresher
// heartbeat. The read-check-write runs as an optimistic WATCH
// transaction, retried on contention.
func (s *RedisStore) UpdateHeartbeat(ctx context.Context, agentID string, ts time.Time) (*core.AgentRegistration, error) {
	key := s.recordKey(agentID)
	var result *core.AgentRegistration

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err != nil {
			return err
		}

		var reg core.AgentRegistration
		if err := json.Unmarshal([]byte(data), &reg); err != nil {
			return fmt.Errorf("failed to unmarshal registration for %s: %w", agentID, err)
		}

		if !ts.After(reg.LastHeartbeat) {
			// Stale write; keep the fresher stored value.
			result = &reg
			return nil
		}

		reg.LastHeartbeat = ts
		reg.Status = core.StatusActive

		updated, err := json.Marshal(&reg)
		if err != nil {
			return fmt.Errorf("failed to marshal registration for %s: %w", agentID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		if err == nil {
			result = &reg
		}
		return err
	}

	var err error
	for i := 0; i < heartbeatCASRetries; i++ {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &core.RegistryError{
				Op:      "store.UpdateHeartbeat",
				Kind:    core.KindNotFound,
				AgentID: agentID,
				Err:     core.ErrAgentNotFound,
			}
		}
		return nil, s.storeErr("store.UpdateHeartbeat", agentID, err)
	}
	return result, nil
}

// UpdateStatus writes a new derived status without touching
// last_heartbeat. Used only by the health monitor.
func (s *RedisStore) UpdateStatus(ctx context.Context, agentID string, status core.AgentStatus) error {
	key := s.recordKey(agentID)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err != nil {
			return err
		}

		var reg core.AgentRegistration
		if err := json.Unmarshal([]byte(data), &reg); err != nil {
			return fmt.Errorf("failed to unmarshal registration for %s: %w", agentID, err)
		}
		if reg.Status == status {
			return nil
		}
		reg.Status = status

		updated, err := json.Marshal(&reg)
		if err != nil {
			return fmt.Errorf("failed to marshal registration for %s: %w", agentID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < heartbeatCASRetries; i++ {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return &core.RegistryError{
				Op:      "store.UpdateStatus",
				Kind:    core.KindNotFound,
				AgentID: agentID,
				Err:     core.ErrAgentNotFound,
			}
		}
		return s.storeErr("store.UpdateStatus", agentID, err)
	}
	return nil
}

// Ping reports backend liveness for health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return s.storeErr("store.Ping", "", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
