package resilience

import (
	"sync"

	"github.com/agentmesh/agentmesh/core"
)

// Group manages one circuit breaker per downstream target, created
// lazily on first use. Failure state for one agent never bleeds into
// another: each target trips and recovers independently.
type Group struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	template CircuitBreakerConfig
	logger   core.Logger
	metrics  MetricsCollector
}

// NewGroup creates a breaker group. template supplies the thresholds for
// every breaker; Name is overwritten per target.
func NewGroup(template *CircuitBreakerConfig, logger core.Logger, metrics MetricsCollector) *Group {
	if template == nil {
		template = DefaultCircuitBreakerConfig("default")
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if metrics == nil {
		metrics = &noopMetrics{}
	}
	return &Group{
		breakers: make(map[string]*CircuitBreaker),
		template: *template,
		logger:   logger,
		metrics:  metrics,
	}
}

// For returns the breaker for target, creating it on first use.
func (g *Group) For(target string) *CircuitBreaker {
	g.mu.RLock()
	cb, ok := g.breakers[target]
	g.mu.RUnlock()
	if ok {
		return cb
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok := g.breakers[target]; ok {
		return cb
	}

	cfg := g.template
	cfg.Name = target
	cfg.Logger = g.logger
	cfg.Metrics = g.metrics

	// Config is a validated template copy; creation cannot fail.
	cb, _ = NewCircuitBreaker(&cfg)
	g.breakers[target] = cb
	return cb
}

// States returns the current state of every known breaker.
func (g *Group) States() map[string]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]string, len(g.breakers))
	for target, cb := range g.breakers {
		out[target] = cb.GetState()
	}
	return out
}

// Remove drops the breaker for a target, e.g. after it deregisters.
func (g *Group) Remove(target string) {
	g.mu.Lock()
	delete(g.breakers, target)
	g.mu.Unlock()
}
