package core

import (
	"strings"
	"time"
)

// AgentStatus is the health state of a registered agent. It is derived
// from heartbeat recency and is never set directly by clients.
type AgentStatus string

const (
	StatusActive   AgentStatus = "active"
	StatusDegraded AgentStatus = "degraded"
	StatusInactive AgentStatus = "inactive"

	// StatusAll is accepted as a discovery filter value to disable
	// status filtering. It is never stored on a record.
	StatusAll AgentStatus = "all"
)

// Valid reports whether s is a storable status value.
func (s AgentStatus) Valid() bool {
	switch s {
	case StatusActive, StatusDegraded, StatusInactive:
		return true
	}
	return false
}

// Endpoints holds the URLs a registered agent exposes. The registry never
// interprets invoke payloads; it only hands these out at discovery time.
type Endpoints struct {
	HTTP   string `json:"http,omitempty"`
	Health string `json:"health"`
	Invoke string `json:"invoke,omitempty"`
}

// AgentRegistration is the registry's record of one agent. AgentID is the
// unique key; registering an existing id fully replaces the record.
type AgentRegistration struct {
	AgentID       string            `json:"agent_id"`
	AgentName     string            `json:"agent_name"`
	AgentType     string            `json:"agent_type"`
	Version       string            `json:"version,omitempty"`
	Capabilities  []string          `json:"capabilities"`
	Endpoints     Endpoints         `json:"endpoints"`
	Status        AgentStatus       `json:"status"`
	RegisteredAt  time.Time         `json:"registered_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Validate checks the fields a caller must supply at registration time.
// Status and timestamps are owned by the registry and are not validated.
func (r *AgentRegistration) Validate() error {
	if r == nil {
		return &RegistryError{Op: "registration.Validate", Kind: KindValidation, Err: ErrInvalidRegistration, Message: "registration is nil"}
	}
	if strings.TrimSpace(r.AgentID) == "" {
		return &RegistryError{Op: "registration.Validate", Kind: KindValidation, Err: ErrInvalidRegistration, Message: "agent_id is required"}
	}
	if len(r.normalizedCapabilities()) == 0 {
		return &RegistryError{Op: "registration.Validate", Kind: KindValidation, AgentID: r.AgentID, Err: ErrInvalidRegistration, Message: "at least one capability is required"}
	}
	if strings.TrimSpace(r.Endpoints.Health) == "" {
		return &RegistryError{Op: "registration.Validate", Kind: KindValidation, AgentID: r.AgentID, Err: ErrInvalidRegistration, Message: "endpoints.health is required"}
	}
	return nil
}

// Normalize trims and de-duplicates capabilities in place, preserving
// first-seen order.
func (r *AgentRegistration) Normalize() {
	r.AgentID = strings.TrimSpace(r.AgentID)
	r.Capabilities = r.normalizedCapabilities()
}

func (r *AgentRegistration) normalizedCapabilities() []string {
	seen := make(map[string]bool, len(r.Capabilities))
	out := make([]string, 0, len(r.Capabilities))
	for _, c := range r.Capabilities {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// HasCapability reports whether the capability set contains exactly name.
func (r *AgentRegistration) HasCapability(name string) bool {
	for _, c := range r.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can hand records across goroutines
// without sharing the capability slice or metadata map.
func (r *AgentRegistration) Clone() *AgentRegistration {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Capabilities = append([]string(nil), r.Capabilities...)
	if r.Metadata != nil {
		cp.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// DiscoveryFilter narrows a registry listing. Zero values mean "no
// constraint"; Status defaults to active at the service layer.
type DiscoveryFilter struct {
	Capability string      `json:"capability,omitempty"`
	AgentType  string      `json:"agent_type,omitempty"`
	Status     AgentStatus `json:"status,omitempty"`
}

// Matches applies the filter to a loaded record. Status matching is the
// caller's concern when Status is StatusAll or empty.
func (f DiscoveryFilter) Matches(r *AgentRegistration) bool {
	if f.Capability != "" && !r.HasCapability(f.Capability) {
		return false
	}
	if f.AgentType != "" && r.AgentType != f.AgentType {
		return false
	}
	if f.Status != "" && f.Status != StatusAll && r.Status != f.Status {
		return false
	}
	return true
}

// RegistryMetrics is the aggregate view served by the admin metrics path.
type RegistryMetrics struct {
	TotalAgents int            `json:"total_agents"`
	ByStatus    map[string]int `json:"by_status"`
	ByType      map[string]int `json:"by_type"`
}
