package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRegistration() *AgentRegistration {
	return &AgentRegistration{
		AgentID:      "pricing-agent-1",
		AgentName:    "pricing-agent",
		AgentType:    "pricing",
		Capabilities: []string{"quote", "discount"},
		Endpoints: Endpoints{
			Health: "http://pricing:8080/health",
			Invoke: "http://pricing:8080/invoke",
		},
	}
}

func TestRegistrationValidate(t *testing.T) {
	t.Run("valid registration passes", func(t *testing.T) {
		assert.NoError(t, validRegistration().Validate())
	})

	t.Run("missing agent id", func(t *testing.T) {
		reg := validRegistration()
		reg.AgentID = "  "
		err := reg.Validate()
		require.Error(t, err)
		assert.True(t, IsValidation(err))
	})

	t.Run("no capabilities", func(t *testing.T) {
		reg := validRegistration()
		reg.Capabilities = []string{"", "  "}
		err := reg.Validate()
		require.Error(t, err)
		assert.True(t, IsValidation(err))
	})

	t.Run("missing health endpoint", func(t *testing.T) {
		reg := validRegistration()
		reg.Endpoints.Health = ""
		err := reg.Validate()
		require.Error(t, err)
		assert.True(t, IsValidation(err))
	})

	t.Run("nil registration", func(t *testing.T) {
		var reg *AgentRegistration
		assert.Error(t, reg.Validate())
	})
}

func TestRegistrationNormalize(t *testing.T) {
	reg := validRegistration()
	reg.AgentID = "  pricing-agent-1 "
	reg.Capabilities = []string{" quote", "quote", "discount ", "", "quote"}

	reg.Normalize()

	assert.Equal(t, "pricing-agent-1", reg.AgentID)
	assert.Equal(t, []string{"quote", "discount"}, reg.Capabilities)
}

func TestHasCapability(t *testing.T) {
	reg := validRegistration()
	assert.True(t, reg.HasCapability("quote"))
	assert.False(t, reg.HasCapability("quo"))
	assert.False(t, reg.HasCapability("shipping"))
}

func TestClone(t *testing.T) {
	reg := validRegistration()
	reg.Metadata = map[string]string{"region": "us-east-1"}

	cp := reg.Clone()
	cp.Capabilities[0] = "changed"
	cp.Metadata["region"] = "eu-west-1"

	assert.Equal(t, "quote", reg.Capabilities[0])
	assert.Equal(t, "us-east-1", reg.Metadata["region"])
}

func TestDiscoveryFilterMatches(t *testing.T) {
	reg := validRegistration()
	reg.Status = StatusActive

	tests := []struct {
		name   string
		filter DiscoveryFilter
		want   bool
	}{
		{"empty filter matches", DiscoveryFilter{}, true},
		{"capability match", DiscoveryFilter{Capability: "quote"}, true},
		{"capability mismatch", DiscoveryFilter{Capability: "shipping"}, false},
		{"type match", DiscoveryFilter{AgentType: "pricing"}, true},
		{"type mismatch", DiscoveryFilter{AgentType: "billing"}, false},
		{"status match", DiscoveryFilter{Status: StatusActive}, true},
		{"status mismatch", DiscoveryFilter{Status: StatusDegraded}, false},
		{"status all matches any", DiscoveryFilter{Status: StatusAll}, true},
		{"combined match", DiscoveryFilter{Capability: "discount", AgentType: "pricing", Status: StatusActive}, true},
		{"combined mismatch", DiscoveryFilter{Capability: "discount", AgentType: "billing"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(reg))
		})
	}
}

func TestAgentStatusValid(t *testing.T) {
	assert.True(t, StatusActive.Valid())
	assert.True(t, StatusDegraded.Valid())
	assert.True(t, StatusInactive.Valid())
	assert.False(t, StatusAll.Valid())
	assert.False(t, AgentStatus("bogus").Valid())
}

func TestRegistrationJSONWireNames(t *testing.T) {
	reg := validRegistration()
	reg.Status = StatusActive
	reg.RegisteredAt = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	reg.LastHeartbeat = reg.RegisteredAt

	data, err := json.Marshal(reg)
	require.NoError(t, err)

	for _, field := range []string{
		`"agent_id"`, `"agent_name"`, `"agent_type"`, `"capabilities"`,
		`"endpoints"`, `"status"`, `"registered_at"`, `"last_heartbeat"`,
	} {
		assert.Contains(t, string(data), field)
	}
}
