package siem

import (
	"strings"
	"testing"
	"time"

	"github.com/acgs2/agentbus/pkg/clock"
	"github.com/acgs2/agentbus/pkg/contracts"
)

func corrEvent(clk clock.Clock, et contracts.SecurityEventType, sev contracts.Severity, tenant, agent string) *contracts.SecurityEvent {
	ev := contracts.NewSecurityEvent(et, sev, "test", "test")
	ev.Timestamp = clk.Now()
	ev.TenantID = tenant
	ev.AgentID = agent
	return ev
}

func TestTenantAttackPattern(t *testing.T) {
	clk := clock.NewFake(time.Now())
	c := NewCorrelator(0, clk)

	for i := 0; i < 2; i++ {
		if id := c.Add(corrEvent(clk, contracts.EventAuthenticationFailure, contracts.SeverityHigh, "t1", "")); id != "" {
			t.Fatalf("pattern fired at %d events: %s", i+1, id)
		}
	}
	id := c.Add(corrEvent(clk, contracts.EventAuthenticationFailure, contracts.SeverityHigh, "t1", ""))
	if !strings.HasPrefix(id, "tenant_attack:t1:") {
		t.Fatalf("correlation ID = %q", id)
	}
	if c.Detected() != 1 {
		t.Fatalf("detected = %d", c.Detected())
	}
}

func TestCorrelationIDSticksWithinWindow(t *testing.T) {
	clk := clock.NewFake(time.Now())
	c := NewCorrelator(5*time.Minute, clk)

	var first string
	for i := 0; i < 3; i++ {
		first = c.Add(corrEvent(clk, contracts.EventTenantViolation, contracts.SeverityHigh, "t1", ""))
	}
	clk.Advance(time.Minute)
	second := c.Add(corrEvent(clk, contracts.EventTenantViolation, contracts.SeverityHigh, "t1", ""))
	if second != first {
		t.Fatalf("ID changed mid-attack: %q then %q", first, second)
	}
	if got := c.Correlated(first); len(got) != 2 {
		t.Fatalf("correlated events = %d, want 2", len(got))
	}
	// Only one attack window was minted.
	if c.Detected() != 1 {
		t.Fatalf("detected = %d", c.Detected())
	}
}

func TestDistributedAttackPattern(t *testing.T) {
	clk := clock.NewFake(time.Now())
	c := NewCorrelator(0, clk)

	// Low severity keeps the tenant pattern out of the way.
	c.Add(corrEvent(clk, contracts.EventRateLimitExceeded, contracts.SeverityWarning, "", "agent-1"))
	c.Add(corrEvent(clk, contracts.EventRateLimitExceeded, contracts.SeverityWarning, "", "agent-2"))
	id := c.Add(corrEvent(clk, contracts.EventRateLimitExceeded, contracts.SeverityWarning, "", "agent-3"))
	if !strings.HasPrefix(id, "distributed_attack:rate_limit_exceeded:") {
		t.Fatalf("correlation ID = %q", id)
	}
}

func TestEscalatingAttackPattern(t *testing.T) {
	clk := clock.NewFake(time.Now())
	c := NewCorrelator(0, clk)

	climb := func(sev contracts.Severity, source string) *contracts.SecurityEvent {
		ev := contracts.NewSecurityEvent(contracts.EventAnomalyDetected, sev, "test", source)
		ev.Timestamp = clk.Now()
		return ev
	}

	// Flat severity from one source is not an escalation.
	c.Add(climb(contracts.SeverityWarning, "agent-2"))
	c.Add(climb(contracts.SeverityWarning, "agent-2"))
	if id := c.Add(climb(contracts.SeverityWarning, "agent-2")); id != "" {
		t.Fatalf("flat severities fired: %s", id)
	}

	// Two rising severities are not enough; a dip in between does not
	// reset the climb, and other sources do not contribute to it.
	c.Add(climb(contracts.SeverityInfo, "agent-1"))
	c.Add(climb(contracts.SeverityCritical, "agent-3"))
	c.Add(climb(contracts.SeverityWarning, "agent-1"))
	if id := c.Add(climb(contracts.SeverityDebug, "agent-1")); id != "" {
		t.Fatalf("two rising events fired: %s", id)
	}
	id := c.Add(climb(contracts.SeverityHigh, "agent-1"))
	if !strings.HasPrefix(id, "escalating_attack:agent-1:") {
		t.Fatalf("correlation ID = %q", id)
	}
}

func TestWindowExpiryResetsPattern(t *testing.T) {
	clk := clock.NewFake(time.Now())
	c := NewCorrelator(5*time.Minute, clk)

	var first string
	for i := 0; i < 3; i++ {
		first = c.Add(corrEvent(clk, contracts.EventAuthenticationFailure, contracts.SeverityHigh, "t1", ""))
	}
	if first == "" {
		t.Fatal("pattern did not fire")
	}

	clk.Advance(6 * time.Minute)

	// The old events fell out of the window; one fresh event is not an
	// attack.
	if id := c.Add(corrEvent(clk, contracts.EventAuthenticationFailure, contracts.SeverityHigh, "t1", "")); id != "" {
		t.Fatalf("pattern survived window expiry: %s", id)
	}
	if got := c.Correlated(first); len(got) != 0 {
		t.Fatalf("expired correlation still holds %d events", len(got))
	}

	// A new attack mints a new ID.
	var second string
	for i := 0; i < 2; i++ {
		second = c.Add(corrEvent(clk, contracts.EventAuthenticationFailure, contracts.SeverityHigh, "t1", ""))
	}
	if second == "" || second == first {
		t.Fatalf("new attack ID = %q, old = %q", second, first)
	}
}
