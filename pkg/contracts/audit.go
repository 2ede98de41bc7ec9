package contracts

import "time"

// Outcome is the terminal result recorded for an audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
	OutcomeDenied  Outcome = "denied"
	OutcomeAborted Outcome = "aborted"
)

// AuditRecord is a deterministic, content-addressable log record.
// Canonical serialization is key-sorted JSON (RFC 8785); the content
// address is the SHA-256 of the canonical bytes.
type AuditRecord struct {
	RecordID      string         `json:"record_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Action        string         `json:"action"`
	Actor         string         `json:"actor"`
	Outcome       Outcome        `json:"outcome"`
	Details       map[string]any `json:"details,omitempty"`
	Fingerprint   string         `json:"fingerprint"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// BatchReceipt acknowledges an anchored batch of canonical records.
type BatchReceipt struct {
	MerkleRoot string `json:"merkle_root"`
	Seq        uint64 `json:"seq"`
}
