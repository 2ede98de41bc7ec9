// Package breaker shields each external collaborator with a
// per-dependency three-state circuit breaker. Open circuits fail in
// O(1) with DependencyOpen so a dead dependency never consumes a
// message's deadline budget.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/acgs2/agentbus/pkg/clock"
	"github.com/acgs2/agentbus/pkg/contracts"
)

// Config parameterizes one breaker.
type Config struct {
	// FailureWindow is the sliding window over which failures count.
	FailureWindow time.Duration
	// FailureThreshold opens the circuit when reached within the window.
	FailureThreshold int
	// Cooldown is the initial OPEN duration before probing.
	Cooldown time.Duration
	// MaxCooldown caps the exponential reopen backoff.
	MaxCooldown time.Duration
	// ProbeCount is how many concurrent HALF_OPEN probes are admitted.
	ProbeCount int
}

// DefaultConfig matches the pipeline defaults: 5 failures in 60s trip
// the breaker, 30s cooldown doubling up to 5 minutes, 3 probes.
func DefaultConfig() Config {
	return Config{
		FailureWindow:    time.Minute,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		MaxCooldown:      5 * time.Minute,
		ProbeCount:       3,
	}
}

// Breaker is a single dependency's circuit.
type Breaker struct {
	name   string
	config Config
	clock  clock.Clock
	events contracts.EventSink

	mu             sync.Mutex
	state          contracts.CircuitState
	failures       []time.Time
	openedAt       time.Time
	nextProbeAt    time.Time
	cooldown       time.Duration
	probesInFlight int
	probeFailures  int
	probeSuccesses int

	shortCircuited uint64
}

// New creates a breaker for the named dependency.
func New(name string, cfg Config, clk clock.Clock, events contracts.EventSink) *Breaker {
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Minute
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = 10 * cfg.Cooldown
	}
	if cfg.ProbeCount <= 0 {
		cfg.ProbeCount = 3
	}
	if clk == nil {
		clk = clock.System()
	}
	if events == nil {
		events = contracts.NopSink{}
	}
	return &Breaker{
		name:     name,
		config:   cfg,
		clock:    clk,
		events:   events,
		state:    contracts.CircuitClosed,
		cooldown: cfg.Cooldown,
	}
}

// Do runs fn under the breaker. When the circuit is open it returns
// DependencyOpen without calling fn.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err == nil)
	return err
}

// admit decides whether a call may proceed, transitioning OPEN to
// HALF_OPEN when the probe deadline has passed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	switch b.state {
	case contracts.CircuitClosed:
		return nil
	case contracts.CircuitOpen:
		if now.Before(b.nextProbeAt) {
			b.shortCircuited++
			return b.openErr()
		}
		b.state = contracts.CircuitHalfOpen
		b.probesInFlight = 0
		b.probeFailures = 0
		b.probeSuccesses = 0
		fallthrough
	case contracts.CircuitHalfOpen:
		if b.probesInFlight >= b.config.ProbeCount {
			b.shortCircuited++
			return b.openErr()
		}
		b.probesInFlight++
		return nil
	}
	return nil
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	switch b.state {
	case contracts.CircuitClosed:
		if success {
			return
		}
		b.failures = append(b.failures, now)
		b.pruneLocked(now)
		if len(b.failures) >= b.config.FailureThreshold {
			b.openLocked(now)
		}
	case contracts.CircuitHalfOpen:
		b.probesInFlight--
		if success {
			b.probeSuccesses++
			if b.probeSuccesses >= b.config.ProbeCount {
				b.closeLocked()
			}
			return
		}
		b.probeFailures++
		// One failed probe reopens with doubled cooldown.
		b.cooldown = min(2*b.cooldown, b.config.MaxCooldown)
		b.openLocked(now)
	case contracts.CircuitOpen:
		// Late result from a call admitted before the trip; ignore.
	}
}

func (b *Breaker) openLocked(now time.Time) {
	b.state = contracts.CircuitOpen
	b.openedAt = now
	b.nextProbeAt = now.Add(b.cooldown)
	b.failures = nil

	ev := contracts.NewSecurityEvent(
		contracts.EventBreakerOpened,
		contracts.SeverityWarning,
		fmt.Sprintf("circuit for %s opened, next probe in %s", b.name, b.cooldown),
		"breaker",
	)
	ev.Metadata = map[string]any{"dependency": b.name, "cooldown": b.cooldown.String()}
	b.events.LogEvent(ev)
}

func (b *Breaker) closeLocked() {
	b.state = contracts.CircuitClosed
	b.failures = nil
	b.cooldown = b.config.Cooldown

	ev := contracts.NewSecurityEvent(
		contracts.EventBreakerClosed,
		contracts.SeverityInfo,
		fmt.Sprintf("circuit for %s closed after successful probes", b.name),
		"breaker",
	)
	ev.Metadata = map[string]any{"dependency": b.name}
	b.events.LogEvent(ev)
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.config.FailureWindow)
	keep := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	b.failures = keep
}

func (b *Breaker) openErr() *contracts.BusError {
	return contracts.NewBusError(
		contracts.KindInfrastructure,
		contracts.ErrDependencyOpen,
		fmt.Sprintf("dependency %s is unavailable", b.name),
	).WithRetryAfter(b.nextProbeAt.Sub(b.clock.Now()))
}

// State snapshots the breaker for introspection endpoints.
func (b *Breaker) State() contracts.CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return contracts.CircuitBreakerState{
		Name:           b.name,
		State:          b.state,
		FailureCount:   len(b.failures),
		SuccessCount:   b.probeSuccesses,
		ShortCircuited: b.shortCircuited,
		OpenedAt:       b.openedAt,
		NextProbeAt:    b.nextProbeAt,
	}
}

// ShortCircuited returns how many calls were rejected while open.
func (b *Breaker) ShortCircuited() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shortCircuited
}
