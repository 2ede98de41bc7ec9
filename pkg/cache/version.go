package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/acgs2/agentbus/pkg/clock"
)

// DefaultVersionTTL is how long an active-version entry stays fresh
// without explicit activation traffic.
const DefaultVersionTTL = time.Hour

// VersionListener is notified when a policy's active version changes.
// Listeners run synchronously under no cache lock.
type VersionListener func(policyID, oldVersion, newVersion string)

// FetchVersionFunc loads the active version from the policy backend
// on cache miss.
type FetchVersionFunc func(ctx context.Context, policyID string) (string, error)

type versionEntry struct {
	version   string
	expiresAt time.Time
}

// VersionCache stores the currently-active version per policy with a
// 1-hour TTL, explicit invalidation on activation, and change events
// consumed by the authorization cache.
type VersionCache struct {
	mu        sync.RWMutex
	ttl       time.Duration
	clock     clock.Clock
	entries   map[string]*versionEntry
	listeners []VersionListener
}

// NewVersionCache creates a cache with the given TTL (0 means 1 hour).
func NewVersionCache(ttl time.Duration, clk clock.Clock) *VersionCache {
	if ttl <= 0 {
		ttl = DefaultVersionTTL
	}
	if clk == nil {
		clk = clock.System()
	}
	return &VersionCache{
		ttl:     ttl,
		clock:   clk,
		entries: make(map[string]*versionEntry),
	}
}

// Subscribe registers a change listener.
func (c *VersionCache) Subscribe(l VersionListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// Active returns the cached active version, fetching on miss or expiry.
func (c *VersionCache) Active(ctx context.Context, policyID string, fetch FetchVersionFunc) (string, error) {
	c.mu.RLock()
	entry, ok := c.entries[policyID]
	c.mu.RUnlock()
	if ok && c.clock.Now().Before(entry.expiresAt) {
		return entry.version, nil
	}

	version, err := fetch(ctx, policyID)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.entries[policyID] = &versionEntry{version: version, expiresAt: c.clock.Now().Add(c.ttl)}
	c.mu.Unlock()
	return version, nil
}

// Activate records a new active version. Downgrades between valid
// semantic versions are rejected; non-semver version strings are
// accepted as opaque. Listeners fire only on an actual change.
func (c *VersionCache) Activate(policyID, version string) error {
	c.mu.Lock()
	old := ""
	if entry, ok := c.entries[policyID]; ok {
		old = entry.version
	}
	if old != "" && old != version {
		if oldV, err1 := semver.NewVersion(old); err1 == nil {
			if newV, err2 := semver.NewVersion(version); err2 == nil && newV.LessThan(oldV) {
				c.mu.Unlock()
				return fmt.Errorf("cache: policy %s activation would downgrade %s to %s", policyID, old, version)
			}
		}
	}
	c.entries[policyID] = &versionEntry{version: version, expiresAt: c.clock.Now().Add(c.ttl)}
	listeners := c.listeners
	c.mu.Unlock()

	if old != version {
		for _, l := range listeners {
			l(policyID, old, version)
		}
	}
	return nil
}

// Invalidate drops the entry for one policy, or all when empty.
func (c *VersionCache) Invalidate(policyID string) {
	c.mu.Lock()
	if policyID == "" {
		c.entries = make(map[string]*versionEntry)
	} else {
		delete(c.entries, policyID)
	}
	c.mu.Unlock()
}
