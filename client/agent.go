package client

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/core"
)

// GenerateAgentID builds a unique agent id from a human-readable name,
// e.g. "pricing-agent-3f8a91c2". Lets multiple replicas of the same
// agent register side by side.
func GenerateAgentID(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	name = strings.ReplaceAll(name, " ", "-")
	return name + "-" + uuid.New().String()[:8]
}

// HeartbeatLoop keeps one agent's registration alive. It sends a
// heartbeat every interval with a small jitter, and when the registry
// answers not-found (the record was reaped or the registry lost state)
// it re-registers and carries on. Run it in a goroutine; it returns when
// ctx is done.
func (c *Client) HeartbeatLoop(ctx context.Context, reg *core.AgentRegistration, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	for {
		// Jitter desynchronizes heartbeats across a fleet of agents.
		jitter := time.Duration(rand.Int63n(int64(interval / 10)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval + jitter):
		}

		err := c.Heartbeat(ctx, reg.AgentID)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		if core.IsNotFound(err) {
			c.logger.Warn("Registration lost, re-registering", map[string]interface{}{
				"agent_id": reg.AgentID,
			})
			if _, rerr := c.Register(ctx, reg); rerr != nil {
				c.logger.Error("Re-registration failed", map[string]interface{}{
					"agent_id": reg.AgentID,
					"error":    rerr,
				})
			}
			continue
		}

		c.logger.Warn("Heartbeat failed", map[string]interface{}{
			"agent_id": reg.AgentID,
			"error":    err,
		})
	}
}

// RegisterAndMaintain registers the agent and starts its heartbeat loop,
// returning a stop function that halts the loop and deregisters. The
// typical agent main wires this once at startup and defers the stop.
func (c *Client) RegisterAndMaintain(ctx context.Context, reg *core.AgentRegistration, interval time.Duration) (stop func(), err error) {
	stored, err := c.Register(ctx, reg)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.HeartbeatLoop(loopCtx, stored, interval)
	}()

	return func() {
		cancel()
		<-done

		// Best-effort deregistration with a fresh context; the caller's
		// context is often already canceled during shutdown.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := c.Deregister(shutdownCtx, stored.AgentID); err != nil {
			c.logger.Warn("Deregistration on shutdown failed", map[string]interface{}{
				"agent_id": stored.AgentID,
				"error":    err,
			})
		}
	}, nil
}
