package contracts

import "time"

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentActive    AgentStatus = "ACTIVE"
	AgentInactive  AgentStatus = "INACTIVE"
	AgentSuspended AgentStatus = "SUSPENDED"
)

// AgentInfo is a registry entry. LastSeen is monotonically
// non-decreasing; only the owning agent's heartbeat and metadata
// updates mutate an entry after registration.
type AgentInfo struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Type         string            `json:"type"`
	Status       AgentStatus       `json:"status"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	TenantID     string            `json:"tenant_id,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
	LastSeen     time.Time         `json:"last_seen"`
}

// HasCapability reports whether the agent advertises the capability.
func (a *AgentInfo) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// AgentRegistration is the input to registry registration.
type AgentRegistration struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Type         string            `json:"type"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	TenantID     string            `json:"tenant_id,omitempty"`
	AuthToken    string            `json:"-"` // never serialized
}
