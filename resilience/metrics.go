package resilience

import (
	"github.com/agentmesh/agentmesh/core"
)

// TelemetryMetricsCollector bridges breaker metrics onto a core.Telemetry
// provider, keeping this package free of exporter wiring.
type TelemetryMetricsCollector struct {
	telemetry core.Telemetry
}

// NewTelemetryMetricsCollector creates a collector backed by t.
func NewTelemetryMetricsCollector(t core.Telemetry) *TelemetryMetricsCollector {
	if t == nil {
		t = &core.NoOpTelemetry{}
	}
	return &TelemetryMetricsCollector{telemetry: t}
}

func (c *TelemetryMetricsCollector) RecordSuccess(name string) {
	c.telemetry.RecordMetric("circuit_breaker.success", 1, map[string]string{
		"circuit_breaker": name,
	})
}

func (c *TelemetryMetricsCollector) RecordFailure(name string, errorType string) {
	c.telemetry.RecordMetric("circuit_breaker.failure", 1, map[string]string{
		"circuit_breaker": name,
		"error_type":      errorType,
	})
}

func (c *TelemetryMetricsCollector) RecordStateChange(name string, from, to string) {
	c.telemetry.RecordMetric("circuit_breaker.state_change", 1, map[string]string{
		"circuit_breaker": name,
		"from_state":      from,
		"to_state":        to,
	})
}

func (c *TelemetryMetricsCollector) RecordRejection(name string) {
	c.telemetry.RecordMetric("circuit_breaker.rejected", 1, map[string]string{
		"circuit_breaker": name,
	})
}
