package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/acgs2/agentbus/pkg/clock"
	"github.com/acgs2/agentbus/pkg/contracts"
	"github.com/acgs2/agentbus/pkg/identity"
)

// InMemoryRegistry is the default single-process registry. Reads take
// the shared lock; mutations are serialized.
type InMemoryRegistry struct {
	mu       sync.RWMutex
	agents   map[string]*contracts.AgentInfo
	clock    clock.Clock
	verifier *identity.Verifier
	events   contracts.EventSink
	logger   *slog.Logger

	livenessWindow time.Duration
}

// Option configures the in-memory registry.
type Option func(*InMemoryRegistry)

// WithClock overrides the clock for deterministic testing.
func WithClock(c clock.Clock) Option {
	return func(r *InMemoryRegistry) { r.clock = c }
}

// WithVerifier requires a valid registration token whose claims match
// the registration.
func WithVerifier(v *identity.Verifier) Option {
	return func(r *InMemoryRegistry) { r.verifier = v }
}

// WithEventSink wires security-event emission (evictions, failed
// registrations).
func WithEventSink(s contracts.EventSink) Option {
	return func(r *InMemoryRegistry) { r.events = s }
}

// WithLivenessWindow overrides the eviction window.
func WithLivenessWindow(d time.Duration) Option {
	return func(r *InMemoryRegistry) { r.livenessWindow = d }
}

// NewInMemoryRegistry creates an empty registry.
func NewInMemoryRegistry(opts ...Option) *InMemoryRegistry {
	r := &InMemoryRegistry{
		agents:         make(map[string]*contracts.AgentInfo),
		clock:          clock.System(),
		events:         contracts.NopSink{},
		logger:         slog.Default().With("component", "registry"),
		livenessWindow: DefaultLivenessWindow,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register implements Registry.
func (r *InMemoryRegistry) Register(ctx context.Context, reg *contracts.AgentRegistration) (*contracts.AgentInfo, error) {
	if err := validateRegistration(reg); err != nil {
		return nil, err
	}

	tenantID := reg.TenantID
	capabilities := reg.Capabilities
	if r.verifier != nil {
		claims, err := r.verifier.Authorize(reg.AuthToken, reg.ID, reg.TenantID)
		if err != nil {
			ev := contracts.NewSecurityEvent(
				contracts.EventAuthenticationFailure,
				contracts.SeverityHigh,
				fmt.Sprintf("agent registration identity rejected: %v", err),
				"registry",
			)
			ev.AgentID = reg.ID
			ev.TenantID = reg.TenantID
			r.events.LogEvent(ev)
			return nil, err
		}
		// Trust the token's claims over the request body.
		tenantID = claims.TenantID
		if len(claims.Capabilities) > 0 {
			capabilities = claims.Capabilities
		}
	}

	now := r.clock.Now()
	k := key(tenantID, reg.ID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[k]; ok {
		// Idempotent re-registration refreshes the entry in place.
		existing.Name = reg.Name
		existing.Type = reg.Type
		existing.Capabilities = capabilities
		existing.Status = contracts.AgentActive
		if existing.Metadata == nil {
			existing.Metadata = map[string]string{}
		}
		for mk, mv := range reg.Metadata {
			existing.Metadata[mk] = mv
		}
		if now.After(existing.LastSeen) {
			existing.LastSeen = now
		}
		return cloneAgent(existing), nil
	}

	info := &contracts.AgentInfo{
		ID:           reg.ID,
		Name:         reg.Name,
		Type:         reg.Type,
		Status:       contracts.AgentActive,
		Capabilities: capabilities,
		Metadata:     cloneMeta(reg.Metadata),
		TenantID:     tenantID,
		RegisteredAt: now,
		LastSeen:     now,
	}
	r.agents[k] = info
	r.logger.InfoContext(ctx, "agent registered",
		"agent_id", reg.ID, "type", reg.Type, "tenant", tenantID)
	return cloneAgent(info), nil
}

// Unregister implements Registry.
func (r *InMemoryRegistry) Unregister(_ context.Context, tenantID, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(tenantID, agentID)
	if _, ok := r.agents[k]; !ok {
		return contracts.NewBusError(contracts.KindValidation, contracts.ErrAgentNotRegistered,
			fmt.Sprintf("agent %q not registered", agentID))
	}
	delete(r.agents, k)
	return nil
}

// Get implements Registry.
func (r *InMemoryRegistry) Get(_ context.Context, tenantID, agentID string) (*contracts.AgentInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if info, ok := r.agents[key(tenantID, agentID)]; ok {
		return cloneAgent(info), nil
	}
	return nil, contracts.NewBusError(contracts.KindValidation, contracts.ErrAgentNotRegistered,
		fmt.Sprintf("agent %q not registered", agentID))
}

// List implements Registry.
func (r *InMemoryRegistry) List(_ context.Context, f Filter) ([]*contracts.AgentInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*contracts.AgentInfo
	for _, info := range r.agents {
		if f.Matches(info) {
			out = append(out, cloneAgent(info))
		}
	}
	return out, nil
}

// Heartbeat implements Registry. last_seen never moves backwards.
func (r *InMemoryRegistry) Heartbeat(_ context.Context, tenantID, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.agents[key(tenantID, agentID)]
	if !ok {
		return contracts.NewBusError(contracts.KindValidation, contracts.ErrAgentNotRegistered,
			fmt.Sprintf("agent %q not registered", agentID))
	}
	if now := r.clock.Now(); now.After(info.LastSeen) {
		info.LastSeen = now
	}
	info.Status = contracts.AgentActive
	return nil
}

// UpdateMetadata implements Registry.
func (r *InMemoryRegistry) UpdateMetadata(_ context.Context, tenantID, agentID string, kv map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.agents[key(tenantID, agentID)]
	if !ok {
		return contracts.NewBusError(contracts.KindValidation, contracts.ErrAgentNotRegistered,
			fmt.Sprintf("agent %q not registered", agentID))
	}
	if info.Metadata == nil {
		info.Metadata = map[string]string{}
	}
	for k, v := range kv {
		info.Metadata[k] = v
	}
	return nil
}

// EvictStale removes agents whose last_seen is older than the
// liveness window, emitting an INFO SecurityEvent per eviction.
// Returns the evicted IDs.
func (r *InMemoryRegistry) EvictStale(ctx context.Context) []string {
	cutoff := r.clock.Now().Add(-r.livenessWindow)

	r.mu.Lock()
	var evicted []*contracts.AgentInfo
	for k, info := range r.agents {
		if info.LastSeen.Before(cutoff) {
			evicted = append(evicted, info)
			delete(r.agents, k)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(evicted))
	for _, info := range evicted {
		ids = append(ids, info.ID)
		ev := contracts.NewSecurityEvent(
			contracts.EventAgentEvicted,
			contracts.SeverityInfo,
			fmt.Sprintf("agent %s evicted after missed heartbeats", info.ID),
			"registry",
		)
		ev.AgentID = info.ID
		ev.TenantID = info.TenantID
		r.events.LogEvent(ev)
		r.logger.InfoContext(ctx, "agent evicted", "agent_id", info.ID, "tenant", info.TenantID)
	}
	return ids
}

// RunEviction drives EvictStale on an interval until ctx is done.
func (r *InMemoryRegistry) RunEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.livenessWindow / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictStale(ctx)
		}
	}
}

func cloneAgent(a *contracts.AgentInfo) *contracts.AgentInfo {
	cp := *a
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	cp.Metadata = cloneMeta(a.Metadata)
	return &cp
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
