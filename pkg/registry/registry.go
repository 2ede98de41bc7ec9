// Package registry maps agent IDs to capability sets and liveness
// state. Lookups back routing decisions; a background task evicts
// agents whose last_seen falls outside the liveness window.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/acgs2/agentbus/pkg/contracts"
)

// DefaultLivenessWindow is how stale last_seen may be before eviction.
const DefaultLivenessWindow = 90 * time.Second

// Reserved agent IDs rejected at registration.
var reservedIDs = map[string]bool{
	"":          true,
	"anonymous": true,
}

// Filter narrows List results. Zero-value fields match everything.
type Filter struct {
	TenantID   string
	Type       string
	Capability string
	Status     contracts.AgentStatus
}

// Matches reports whether the agent satisfies the filter.
func (f Filter) Matches(a *contracts.AgentInfo) bool {
	if f.TenantID != "" && a.TenantID != f.TenantID {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Capability != "" && !a.HasCapability(f.Capability) {
		return false
	}
	return true
}

// Registry is the agent directory consulted by the router.
type Registry interface {
	// Register creates or refreshes an entry. Idempotent on
	// (tenant, id); reserved IDs are rejected.
	Register(ctx context.Context, reg *contracts.AgentRegistration) (*contracts.AgentInfo, error)
	// Unregister removes an agent.
	Unregister(ctx context.Context, tenantID, agentID string) error
	// Get returns a registered agent or ErrAgentNotRegistered.
	Get(ctx context.Context, tenantID, agentID string) (*contracts.AgentInfo, error)
	// List returns agents matching the filter.
	List(ctx context.Context, f Filter) ([]*contracts.AgentInfo, error)
	// Heartbeat advances last_seen. Only the owning agent calls this.
	Heartbeat(ctx context.Context, tenantID, agentID string) error
	// UpdateMetadata merges metadata keys into the entry.
	UpdateMetadata(ctx context.Context, tenantID, agentID string, kv map[string]string) error
}

// key builds the tenant-scoped registry key.
func key(tenantID, agentID string) string {
	return tenantID + "/" + agentID
}

func validateRegistration(reg *contracts.AgentRegistration) error {
	if reservedIDs[reg.ID] {
		return contracts.NewBusError(
			contracts.KindValidation,
			contracts.ErrReservedAgentID,
			fmt.Sprintf("agent id %q is reserved", reg.ID),
		)
	}
	return nil
}
