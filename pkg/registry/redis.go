package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acgs2/agentbus/pkg/clock"
	"github.com/acgs2/agentbus/pkg/contracts"
)

const redisKeyPrefix = "agentbus:registry:"

// RedisRegistry stores registry entries in Redis so multiple bus
// instances share one agent directory. Entries carry a TTL of the
// liveness window; heartbeats refresh it, so Redis itself performs
// eviction and no background sweep is needed.
type RedisRegistry struct {
	client         *redis.Client
	clock          clock.Clock
	livenessWindow time.Duration
}

// NewRedisRegistry creates a Redis-backed registry. A zero window
// uses the default.
func NewRedisRegistry(client *redis.Client, clk clock.Clock, livenessWindow time.Duration) *RedisRegistry {
	if clk == nil {
		clk = clock.System()
	}
	if livenessWindow <= 0 {
		livenessWindow = DefaultLivenessWindow
	}
	return &RedisRegistry{client: client, clock: clk, livenessWindow: livenessWindow}
}

func redisKey(tenantID, agentID string) string {
	return redisKeyPrefix + key(tenantID, agentID)
}

// Register implements Registry.
func (r *RedisRegistry) Register(ctx context.Context, reg *contracts.AgentRegistration) (*contracts.AgentInfo, error) {
	if err := validateRegistration(reg); err != nil {
		return nil, err
	}

	now := r.clock.Now()
	info := &contracts.AgentInfo{
		ID:           reg.ID,
		Name:         reg.Name,
		Type:         reg.Type,
		Status:       contracts.AgentActive,
		Capabilities: reg.Capabilities,
		Metadata:     reg.Metadata,
		TenantID:     reg.TenantID,
		RegisteredAt: now,
		LastSeen:     now,
	}

	// Re-registration keeps the original registration time.
	if existing, err := r.Get(ctx, reg.TenantID, reg.ID); err == nil {
		info.RegisteredAt = existing.RegisteredAt
		if existing.LastSeen.After(now) {
			info.LastSeen = existing.LastSeen
		}
	}

	if err := r.put(ctx, info); err != nil {
		return nil, err
	}
	return info, nil
}

// Unregister implements Registry.
func (r *RedisRegistry) Unregister(ctx context.Context, tenantID, agentID string) error {
	n, err := r.client.Del(ctx, redisKey(tenantID, agentID)).Result()
	if err != nil {
		return fmt.Errorf("registry: redis del: %w", err)
	}
	if n == 0 {
		return contracts.NewBusError(contracts.KindValidation, contracts.ErrAgentNotRegistered,
			fmt.Sprintf("agent %q not registered", agentID))
	}
	return nil
}

// Get implements Registry.
func (r *RedisRegistry) Get(ctx context.Context, tenantID, agentID string) (*contracts.AgentInfo, error) {
	raw, err := r.client.Get(ctx, redisKey(tenantID, agentID)).Bytes()
	if err == redis.Nil {
		return nil, contracts.NewBusError(contracts.KindValidation, contracts.ErrAgentNotRegistered,
			fmt.Sprintf("agent %q not registered", agentID))
	}
	if err != nil {
		return nil, fmt.Errorf("registry: redis get: %w", err)
	}
	var info contracts.AgentInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("registry: corrupt entry for %s: %w", agentID, err)
	}
	return &info, nil
}

// List implements Registry. SCAN keeps Redis responsive on large
// directories at the cost of a weakly consistent snapshot.
func (r *RedisRegistry) List(ctx context.Context, f Filter) ([]*contracts.AgentInfo, error) {
	pattern := redisKeyPrefix + "*"
	if f.TenantID != "" {
		pattern = redisKeyPrefix + f.TenantID + "/*"
	}

	var out []*contracts.AgentInfo
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		raw, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("registry: redis get: %w", err)
		}
		var info contracts.AgentInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			continue
		}
		if f.Matches(&info) {
			out = append(out, &info)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("registry: redis scan: %w", err)
	}
	return out, nil
}

// Heartbeat implements Registry by refreshing last_seen and the TTL.
func (r *RedisRegistry) Heartbeat(ctx context.Context, tenantID, agentID string) error {
	info, err := r.Get(ctx, tenantID, agentID)
	if err != nil {
		return err
	}
	if now := r.clock.Now(); now.After(info.LastSeen) {
		info.LastSeen = now
	}
	info.Status = contracts.AgentActive
	return r.put(ctx, info)
}

// UpdateMetadata implements Registry.
func (r *RedisRegistry) UpdateMetadata(ctx context.Context, tenantID, agentID string, kv map[string]string) error {
	info, err := r.Get(ctx, tenantID, agentID)
	if err != nil {
		return err
	}
	if info.Metadata == nil {
		info.Metadata = map[string]string{}
	}
	for k, v := range kv {
		info.Metadata[k] = v
	}
	return r.put(ctx, info)
}

func (r *RedisRegistry) put(ctx context.Context, info *contracts.AgentInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("registry: marshal entry: %w", err)
	}
	if err := r.client.Set(ctx, redisKey(info.TenantID, info.ID), raw, r.livenessWindow).Err(); err != nil {
		return fmt.Errorf("registry: redis set: %w", err)
	}
	return nil
}
