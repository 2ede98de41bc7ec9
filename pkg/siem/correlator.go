package siem

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/acgs2/agentbus/pkg/clock"
	"github.com/acgs2/agentbus/pkg/contracts"
)

// DefaultCorrelationWindow bounds pattern detection.
const DefaultCorrelationWindow = 5 * time.Minute

// Correlator detects attack patterns across security events. A
// detected pattern mints one correlation ID that sticks to every
// matching event until the window expires.
type Correlator struct {
	window time.Duration
	clock  clock.Clock

	mu       sync.Mutex
	events   []*contracts.SecurityEvent
	active   map[string]activeCorrelation // pattern:identifier -> id
	byID     map[string][]*contracts.SecurityEvent
	detected uint64
}

type activeCorrelation struct {
	id        string
	expiresAt time.Time
}

// NewCorrelator creates a correlator. Zero window uses the default.
func NewCorrelator(window time.Duration, clk clock.Clock) *Correlator {
	if window <= 0 {
		window = DefaultCorrelationWindow
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Correlator{
		window: window,
		clock:  clk,
		active: make(map[string]activeCorrelation),
		byID:   make(map[string][]*contracts.SecurityEvent),
	}
}

// Add records the event and returns its correlation ID when a pattern
// matches, or empty.
func (c *Correlator) Add(event *contracts.SecurityEvent) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	c.pruneLocked(now)
	c.events = append(c.events, event)

	pattern, identifier := c.detectLocked(event)
	if pattern == "" {
		return ""
	}

	id := c.correlationIDLocked(pattern, identifier, now)
	c.byID[id] = append(c.byID[id], event)
	return id
}

// detectLocked checks the three attack patterns in priority order.
func (c *Correlator) detectLocked(event *contracts.SecurityEvent) (pattern, identifier string) {
	// Same tenant accumulating severe failures.
	if event.TenantID != "" {
		n := 0
		for _, e := range c.events {
			if e.TenantID == event.TenantID && e.Severity.AtLeast(contracts.SeverityHigh) {
				n++
			}
		}
		if n >= 3 {
			return "tenant_attack", event.TenantID
		}
	}

	// Same event type from three or more distinct agents.
	sources := map[string]bool{}
	for _, e := range c.events {
		if e.EventType == event.EventType && e.AgentID != "" {
			sources[e.AgentID] = true
		}
	}
	if len(sources) >= 3 {
		return "distributed_attack", string(event.EventType)
	}

	// One source whose last 10 events contain three strictly rising
	// severities.
	if event.Source != "" {
		ranks := make([]int, 0, 10)
		for _, e := range c.events {
			if e.Source == event.Source {
				ranks = append(ranks, e.Severity.Rank())
			}
		}
		if len(ranks) > 10 {
			ranks = ranks[len(ranks)-10:]
		}
		if longestClimb(ranks) >= 3 {
			return "escalating_attack", event.Source
		}
	}
	return "", ""
}

// longestClimb returns the length of the longest strictly increasing
// subsequence of severity ranks.
func longestClimb(ranks []int) int {
	best := 0
	ends := make([]int, len(ranks))
	for i, r := range ranks {
		ends[i] = 1
		for j := 0; j < i; j++ {
			if ranks[j] < r && ends[j]+1 > ends[i] {
				ends[i] = ends[j] + 1
			}
		}
		if ends[i] > best {
			best = ends[i]
		}
	}
	return best
}

// correlationIDLocked reuses the active ID for a pattern so every
// event in one attack window shares it.
func (c *Correlator) correlationIDLocked(pattern, identifier string, now time.Time) string {
	key := pattern + ":" + identifier
	if ac, ok := c.active[key]; ok && now.Before(ac.expiresAt) {
		return ac.id
	}

	seed := fmt.Sprintf("%s:%s:%s", pattern, identifier, now.UTC().Format("20060102150405"))
	digest := sha256.Sum256([]byte(seed))
	id := fmt.Sprintf("%s:%s:%s", pattern, identifier, hex.EncodeToString(digest[:8]))

	c.active[key] = activeCorrelation{id: id, expiresAt: now.Add(c.window)}
	c.detected++
	return id
}

func (c *Correlator) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.window)
	kept := c.events[:0]
	for _, e := range c.events {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	c.events = kept

	for key, ac := range c.active {
		if now.After(ac.expiresAt) {
			delete(c.byID, ac.id)
			delete(c.active, key)
		}
	}
}

// Correlated returns the events attached to one correlation ID.
func (c *Correlator) Correlated(id string) []*contracts.SecurityEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*contracts.SecurityEvent, len(c.byID[id]))
	copy(out, c.byID[id])
	return out
}

// Detected returns the total pattern detections.
func (c *Correlator) Detected() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detected
}
