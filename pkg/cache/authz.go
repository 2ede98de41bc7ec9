// Package cache implements the authorization decision cache and the
// policy active-version cache backing the deliberation lane.
//
// Both caches are striped by key hash to reduce contention, and the
// authorization cache collapses concurrent identical evaluations into
// a single downstream call (single-flight).
package cache

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/acgs2/agentbus/pkg/canonicalize"
	"github.com/acgs2/agentbus/pkg/clock"
	"github.com/acgs2/agentbus/pkg/contracts"
)

const (
	authzShards     = 16
	DefaultAuthzTTL = 15 * time.Minute
)

type authzEntry struct {
	decision  *contracts.PolicyDecision
	expiresAt time.Time
}

type authzShard struct {
	mu      sync.RWMutex
	entries map[string]*authzEntry
}

// EvaluateFunc performs the downstream policy evaluation on cache miss.
type EvaluateFunc func(ctx context.Context) (*contracts.PolicyDecision, error)

// AuthzCache caches policy decisions keyed by
// (role, policy_id, input-fingerprint). The input fingerprint is a
// stable 128-bit hash of the canonicalized input, so two semantically
// identical inputs share one entry regardless of map ordering.
type AuthzCache struct {
	ttl    time.Duration
	clock  clock.Clock
	shards [authzShards]*authzShard
	flight singleflight.Group
}

// NewAuthzCache creates a cache with the given TTL (0 means the
// 15-minute default).
func NewAuthzCache(ttl time.Duration, clk clock.Clock) *AuthzCache {
	if ttl <= 0 {
		ttl = DefaultAuthzTTL
	}
	if clk == nil {
		clk = clock.System()
	}
	c := &AuthzCache{ttl: ttl, clock: clk}
	for i := range c.shards {
		c.shards[i] = &authzShard{entries: make(map[string]*authzEntry)}
	}
	return c
}

// Key computes the cache key for a (role, policy, input) triple.
func (c *AuthzCache) Key(role, policyID string, input map[string]any) (string, error) {
	fp, err := canonicalize.Fingerprint128(input)
	if err != nil {
		return "", fmt.Errorf("cache: input fingerprint failed: %w", err)
	}
	return role + "|" + policyID + "|" + fp, nil
}

// GetOrEvaluate returns the cached decision for the key, or runs eval
// exactly once across all concurrent callers and caches the result.
// Errors are never cached.
func (c *AuthzCache) GetOrEvaluate(ctx context.Context, role, policyID string, input map[string]any, eval EvaluateFunc) (*contracts.PolicyDecision, error) {
	key, err := c.Key(role, policyID, input)
	if err != nil {
		return nil, err
	}

	if d, ok := c.lookup(key); ok {
		return d, nil
	}

	v, err, _ := c.flight.Do(key, func() (any, error) {
		// Re-check under the flight: a concurrent winner may have
		// populated the entry between lookup and Do.
		if d, ok := c.lookup(key); ok {
			return d, nil
		}
		decision, err := eval(ctx)
		if err != nil {
			return nil, err
		}
		c.store(key, decision)
		return decision, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*contracts.PolicyDecision), nil
}

func (c *AuthzCache) lookup(key string) (*contracts.PolicyDecision, bool) {
	shard := c.shardFor(key)
	shard.mu.RLock()
	entry, ok := shard.entries[key]
	shard.mu.RUnlock()
	if !ok || c.clock.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.decision, true
}

func (c *AuthzCache) store(key string, d *contracts.PolicyDecision) {
	shard := c.shardFor(key)
	shard.mu.Lock()
	shard.entries[key] = &authzEntry{decision: d, expiresAt: c.clock.Now().Add(c.ttl)}
	shard.mu.Unlock()
}

// Invalidate removes entries for a role, or all entries when role is
// empty.
func (c *AuthzCache) Invalidate(role string) {
	for _, shard := range c.shards {
		shard.mu.Lock()
		if role == "" {
			shard.entries = make(map[string]*authzEntry)
		} else {
			for k := range shard.entries {
				if strings.HasPrefix(k, role+"|") {
					delete(shard.entries, k)
				}
			}
		}
		shard.mu.Unlock()
	}
}

// InvalidatePolicy removes entries for one policy across all roles.
// Wired as the listener for active-version changes.
func (c *AuthzCache) InvalidatePolicy(policyID string) {
	marker := "|" + policyID + "|"
	for _, shard := range c.shards {
		shard.mu.Lock()
		for k := range shard.entries {
			if strings.Contains(k, marker) {
				delete(shard.entries, k)
			}
		}
		shard.mu.Unlock()
	}
}

// Len returns the live entry count. Expired entries still resident
// are counted; they are evicted lazily on lookup.
func (c *AuthzCache) Len() int {
	n := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		n += len(shard.entries)
		shard.mu.RUnlock()
	}
	return n
}

func (c *AuthzCache) shardFor(key string) *authzShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%authzShards]
}
