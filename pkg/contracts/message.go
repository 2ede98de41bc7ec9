// Package contracts defines the wire-stable data model shared by every
// component of the agent bus: messages, agent registrations, validation
// results, policy decisions, audit records and security events.
//
// All governed data carries the constitutional fingerprint; a record
// without the expected fingerprint never enters the pipeline.
package contracts

import (
	"time"

	"github.com/google/uuid"
)

// ExpectedFingerprint is the default constitutional hash the process
// enforces. Deployments override it via configuration.
const ExpectedFingerprint = "cdd01ef066bc6cf2"

// MessageType categorizes bus messages.
type MessageType string

const (
	MessageCommand  MessageType = "COMMAND"
	MessageQuery    MessageType = "QUERY"
	MessageEvent    MessageType = "EVENT"
	MessageResponse MessageType = "RESPONSE"
	MessageError    MessageType = "ERROR"
)

// Priority orders messages for scoring boosts and recovery ordering.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityNormal   Priority = "NORMAL"
	PriorityLow      Priority = "LOW"
)

// MessageState tracks a message through the pipeline. Terminal states
// are Delivered, Denied and Errored; every message reaches exactly one.
type MessageState string

const (
	StateReceived         MessageState = "RECEIVED"
	StateValidated        MessageState = "VALIDATED"
	StateRoutedFast       MessageState = "ROUTED_FAST"
	StateRoutedDeliberate MessageState = "ROUTED_DELIBERATE"
	StateDelivered        MessageState = "DELIVERED"
	StateDenied           MessageState = "DENIED"
	StateErrored          MessageState = "ERRORED"
)

// Lane is the route selected by the adaptive router.
type Lane string

const (
	LaneFast       Lane = "FAST"
	LaneDeliberate Lane = "DELIBERATE"
)

// Message is a single unit of agent communication. Immutable once
// created; the pipeline tracks state externally, keyed by ID.
type Message struct {
	ID            string         `json:"id"`
	Type          MessageType    `json:"type"`
	Priority      Priority       `json:"priority"`
	SourceAgent   string         `json:"source_agent"`
	TargetAgent   string         `json:"target_agent,omitempty"` // empty means tenant broadcast
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Fingerprint   string         `json:"fingerprint"`
	TenantID      string         `json:"tenant_id,omitempty"`
}

// NewMessage builds a message with a fresh UUID and UTC timestamp.
func NewMessage(mt MessageType, source, target string, payload map[string]any) *Message {
	return &Message{
		ID:          uuid.New().String(),
		Type:        mt,
		Priority:    PriorityNormal,
		SourceAgent: source,
		TargetAgent: target,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
		Fingerprint: ExpectedFingerprint,
	}
}

// IsBroadcast reports whether the message targets every agent in its
// tenant rather than a single recipient.
func (m *Message) IsBroadcast() bool { return m.TargetAgent == "" }
