package siem

import (
	"fmt"
	"sync"
	"time"

	"github.com/acgs2/agentbus/pkg/clock"
	"github.com/acgs2/agentbus/pkg/contracts"
)

// AlertLevel orders alert responses.
type AlertLevel int

const (
	AlertNone AlertLevel = iota
	AlertNotify
	AlertEscalate
	AlertPage
	AlertCritical
)

func (l AlertLevel) String() string {
	switch l {
	case AlertNotify:
		return "NOTIFY"
	case AlertEscalate:
		return "ESCALATE"
	case AlertPage:
		return "PAGE"
	case AlertCritical:
		return "CRITICAL"
	default:
		return "NONE"
	}
}

// Threshold fires an alert when enough events of one type land inside
// the window. Re-firing inside the escalation window raises the level.
type Threshold struct {
	EventType            contracts.SecurityEventType
	CountThreshold       int
	Window               time.Duration
	Level                AlertLevel
	Cooldown             time.Duration
	EscalationMultiplier int
}

// DefaultThresholds cover the common attack signals. A single
// fingerprint mismatch pages immediately.
var DefaultThresholds = []Threshold{
	{contracts.EventConstitutionalHashMismatch, 1, time.Minute, AlertCritical, time.Minute, 2},
	{contracts.EventPromptInjectionAttempt, 3, 5 * time.Minute, AlertPage, 5 * time.Minute, 2},
	{contracts.EventTenantViolation, 5, 5 * time.Minute, AlertEscalate, 10 * time.Minute, 2},
	{contracts.EventRateLimitExceeded, 50, time.Minute, AlertNotify, 5 * time.Minute, 2},
	{contracts.EventAuthenticationFailure, 10, 5 * time.Minute, AlertPage, 10 * time.Minute, 2},
	{contracts.EventAuthorizationFailure, 5, 5 * time.Minute, AlertNotify, 5 * time.Minute, 2},
	{contracts.EventAnomalyDetected, 3, 10 * time.Minute, AlertEscalate, 10 * time.Minute, 2},
	{contracts.EventSuspiciousPattern, 5, 5 * time.Minute, AlertNotify, 5 * time.Minute, 2},
}

// AlertCallback is invoked fire-and-forget when a threshold fires.
type AlertCallback func(level AlertLevel, message string, context map[string]any)

type alertState struct {
	events          []time.Time
	lastAlert       time.Time
	currentLevel    AlertLevel
	escalationCount int
}

// AlertManager tracks per-event-type thresholds with cooldown and
// escalation.
type AlertManager struct {
	mu         sync.Mutex
	thresholds map[contracts.SecurityEventType]Threshold
	states     map[contracts.SecurityEventType]*alertState
	callback   AlertCallback
	clock      clock.Clock
	triggered  uint64
}

// NewAlertManager builds a manager. Nil thresholds use the defaults.
func NewAlertManager(thresholds []Threshold, callback AlertCallback, clk clock.Clock) *AlertManager {
	if thresholds == nil {
		thresholds = DefaultThresholds
	}
	if clk == nil {
		clk = clock.System()
	}
	byType := make(map[contracts.SecurityEventType]Threshold, len(thresholds))
	for _, t := range thresholds {
		if t.EscalationMultiplier <= 0 {
			t.EscalationMultiplier = 2
		}
		byType[t.EventType] = t
	}
	return &AlertManager{
		thresholds: byType,
		states:     make(map[contracts.SecurityEventType]*alertState),
		callback:   callback,
		clock:      clk,
	}
}

// Process counts the event and returns the fired alert level, or
// AlertNone.
func (m *AlertManager) Process(event *contracts.SecurityEvent) AlertLevel {
	threshold, ok := m.thresholds[event.EventType]
	if !ok {
		return AlertNone
	}

	m.mu.Lock()
	state, ok := m.states[event.EventType]
	if !ok {
		state = &alertState{}
		m.states[event.EventType] = state
	}

	now := m.clock.Now()
	state.events = append(state.events, now)
	cutoff := now.Add(-threshold.Window)
	kept := state.events[:0]
	for _, t := range state.events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	state.events = kept

	if len(state.events) < threshold.CountThreshold {
		m.mu.Unlock()
		return AlertNone
	}
	if !state.lastAlert.IsZero() && now.Before(state.lastAlert.Add(threshold.Cooldown)) {
		m.mu.Unlock()
		return AlertNone
	}

	level := threshold.Level
	if state.escalationCount > 0 &&
		len(state.events) >= threshold.CountThreshold*threshold.EscalationMultiplier {
		level = min(level+1, AlertCritical)
	}
	state.lastAlert = now
	state.currentLevel = level
	state.escalationCount++
	count := len(state.events)
	m.triggered++
	m.mu.Unlock()

	if m.callback != nil {
		message := fmt.Sprintf("Security alert triggered: %s - %d events in %s",
			event.EventType, count, threshold.Window)
		m.callback(level, message, map[string]any{
			"event_type":          string(event.EventType),
			"severity":            string(event.Severity),
			"count":               count,
			"threshold":           threshold.CountThreshold,
			"constitutional_hash": event.Fingerprint,
			"tenant_id":           event.TenantID,
			"agent_id":            event.AgentID,
		})
	}
	return level
}

// Triggered returns the total alert count.
func (m *AlertManager) Triggered() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.triggered
}

// Reset clears the state for one event type.
func (m *AlertManager) Reset(et contracts.SecurityEventType) {
	m.mu.Lock()
	delete(m.states, et)
	m.mu.Unlock()
}

// States exposes the alert states for monitoring.
func (m *AlertManager) States() map[string]map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]map[string]any, len(m.states))
	for et, state := range m.states {
		s := map[string]any{
			"event_count":      len(state.events),
			"current_level":    state.currentLevel.String(),
			"escalation_count": state.escalationCount,
		}
		if !state.lastAlert.IsZero() {
			s["last_alert"] = state.lastAlert.UTC().Format(time.RFC3339)
		}
		out[string(et)] = s
	}
	return out
}
