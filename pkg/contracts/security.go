package contracts

import (
	"time"

	"github.com/google/uuid"
)

// SecurityEventType classifies security-relevant events for SIEM
// shipping and alert correlation.
type SecurityEventType string

const (
	EventPromptInjectionAttempt     SecurityEventType = "prompt_injection_attempt"
	EventTenantViolation            SecurityEventType = "tenant_violation"
	EventRateLimitExceeded          SecurityEventType = "rate_limit_exceeded"
	EventConstitutionalHashMismatch SecurityEventType = "constitutional_hash_mismatch"
	EventPermissionDenied           SecurityEventType = "permission_denied"
	EventInvalidInput               SecurityEventType = "invalid_input"
	EventAnomalyDetected            SecurityEventType = "anomaly_detected"
	EventAuthenticationFailure      SecurityEventType = "authentication_failure"
	EventAuthorizationFailure       SecurityEventType = "authorization_failure"
	EventSuspiciousPattern          SecurityEventType = "suspicious_pattern"
	EventAgentEvicted               SecurityEventType = "agent_evicted"
	EventBreakerOpened              SecurityEventType = "circuit_breaker_opened"
	EventBreakerClosed              SecurityEventType = "circuit_breaker_closed"
	EventRecoveryEscalated          SecurityEventType = "recovery_escalated"
	EventAuditOverflow              SecurityEventType = "audit_ring_overflow"
)

// Severity orders security events from least to most severe.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityDebug:    0,
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the ordering position of the severity. Unknown
// severities rank between warning and high.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return 2
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool { return s.Rank() >= other.Rank() }

// SecurityEvent is the unit shipped to the SIEM pipeline.
type SecurityEvent struct {
	ID            string            `json:"id"`
	EventType     SecurityEventType `json:"event_type"`
	Severity      Severity          `json:"severity"`
	Message       string            `json:"message"`
	Source        string            `json:"source"`
	TenantID      string            `json:"tenant_id,omitempty"`
	AgentID       string            `json:"agent_id,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
	Fingerprint   string            `json:"constitutional_hash"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// NewSecurityEvent builds an event stamped with the expected
// fingerprint and a UTC timestamp.
func NewSecurityEvent(et SecurityEventType, sev Severity, message, source string) *SecurityEvent {
	return &SecurityEvent{
		ID:          uuid.New().String(),
		EventType:   et,
		Severity:    sev,
		Message:     message,
		Source:      source,
		Fingerprint: ExpectedFingerprint,
		Timestamp:   time.Now().UTC(),
	}
}

// EventSink receives security events. Implementations must return
// quickly; shipping happens out of band.
type EventSink interface {
	LogEvent(event *SecurityEvent)
}

// NopSink discards events. Useful for tests and optional wiring.
type NopSink struct{}

func (NopSink) LogEvent(*SecurityEvent) {}
