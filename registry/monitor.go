package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentmesh/agentmesh/core"
)

// HealthMonitor periodically sweeps the registry and derives each agent's
// status from heartbeat silence:
//
//	active   -> degraded  after DegradedAfter of silence
//	degraded -> inactive  after InactiveAfter of silence
//	inactive -> reaped    after ReapAfter of silence (record deleted)
//
// A heartbeat at any point snaps the agent back to active through the
// store's heartbeat path; the monitor only ever moves agents toward
// removal. Sweeps are non-reentrant: if one overruns the interval the
// next tick is skipped rather than stacked.
type HealthMonitor struct {
	store  core.RegistrationStore
	cfg    core.HealthConfig
	logger core.Logger
	clock  func() time.Time

	cron    *cron.Cron
	entryID cron.EntryID
}

// NewHealthMonitor creates a monitor; call Start to begin sweeping.
func NewHealthMonitor(store core.RegistrationStore, cfg core.HealthConfig, logger core.Logger) *HealthMonitor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &HealthMonitor{
		store:  store,
		cfg:    cfg,
		logger: logger,
		clock:  time.Now,
	}
}

// Start schedules the sweep loop. Safe to call once.
func (m *HealthMonitor) Start() error {
	cl := &cronLogger{logger: m.logger}
	m.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cl),
		cron.Recover(cl),
	))

	spec := fmt.Sprintf("@every %s", m.cfg.SweepInterval)
	id, err := m.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SweepInterval)
		defer cancel()
		m.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule health sweep: %w", err)
	}
	m.entryID = id
	m.cron.Start()

	m.logger.Info("Health monitor started", map[string]interface{}{
		"sweep_interval": m.cfg.SweepInterval.String(),
		"degraded_after": m.cfg.DegradedAfter.String(),
		"inactive_after": m.cfg.InactiveAfter.String(),
		"reap_after":     m.cfg.ReapAfter.String(),
	})
	return nil
}

// Stop halts the sweep loop, waiting for an in-flight sweep to finish.
func (m *HealthMonitor) Stop() {
	if m.cron == nil {
		return
	}
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.logger.Info("Health monitor stopped", nil)
}

// targetStatus derives what status an agent should have given its
// heartbeat silence. The second return is true when the record should be
// reaped instead of transitioned.
func (m *HealthMonitor) targetStatus(silence time.Duration) (core.AgentStatus, bool) {
	switch {
	case silence > m.cfg.ReapAfter:
		return "", true
	case silence > m.cfg.InactiveAfter:
		return core.StatusInactive, false
	case silence > m.cfg.DegradedAfter:
		return core.StatusDegraded, false
	}
	return core.StatusActive, false
}

// Sweep runs one pass over all registrations, writing back only the
// records whose derived status differs from the stored one. Per-agent
// failures are logged and skipped so one bad record cannot stall the
// sweep; the agent is retried on the next pass.
func (m *HealthMonitor) Sweep(ctx context.Context) {
	regs, err := m.store.List(ctx, core.DiscoveryFilter{Status: core.StatusAll})
	if err != nil {
		m.logger.Error("Health sweep failed to list agents", map[string]interface{}{
			"error": err,
		})
		return
	}

	now := m.clock().UTC()
	var transitioned, reaped int

	for _, reg := range regs {
		silence := now.Sub(reg.LastHeartbeat)
		target, reap := m.targetStatus(silence)

		if reap {
			if err := m.store.Delete(ctx, reg.AgentID); err != nil {
				m.logger.Warn("Failed to reap expired agent", map[string]interface{}{
					"agent_id": reg.AgentID,
					"error":    err,
				})
				continue
			}
			reaped++
			m.logger.Info("Reaped expired agent", map[string]interface{}{
				"agent_id":      reg.AgentID,
				"silence":       silence.String(),
				"last_heartbeat": reg.LastHeartbeat.Format(time.RFC3339),
			})
			continue
		}

		if target == reg.Status {
			continue
		}
		// The monitor never promotes; a fresher heartbeat landing between
		// the list and this write wins through the heartbeat path.
		if target == core.StatusActive {
			continue
		}

		if err := m.store.UpdateStatus(ctx, reg.AgentID, target); err != nil {
			if core.IsNotFound(err) {
				continue
			}
			m.logger.Warn("Failed to update agent status", map[string]interface{}{
				"agent_id": reg.AgentID,
				"target":   string(target),
				"error":    err,
			})
			continue
		}
		transitioned++
		m.logger.Info("Agent status transitioned", map[string]interface{}{
			"agent_id": reg.AgentID,
			"from":     string(reg.Status),
			"to":       string(target),
			"silence":  silence.String(),
		})
	}

	if transitioned > 0 || reaped > 0 {
		m.logger.Debug("Health sweep completed", map[string]interface{}{
			"scanned":      len(regs),
			"transitioned": transitioned,
			"reaped":       reaped,
		})
	}
}

// cronLogger adapts core.Logger to the cron scheduler's logging interface.
type cronLogger struct {
	logger core.Logger
}

func (c *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Debug(msg, kvFields(keysAndValues))
}

func (c *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := kvFields(keysAndValues)
	fields["error"] = err
	c.logger.Error(msg, fields)
}

func kvFields(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", keysAndValues[i])
		}
		fields[key] = keysAndValues[i+1]
	}
	return fields
}
