package deliberation

import (
	"context"
	"time"
)

// ApprovalDecision is the human verdict for a parked deliberation.
type ApprovalDecision string

const (
	ApprovalApprove ApprovalDecision = "approve"
	ApprovalReject  ApprovalDecision = "reject"
	ApprovalExpired ApprovalDecision = "expired"
)

// ReasonHITLRequired marks a policy decision that defers to a human.
const ReasonHITLRequired = "HITL_REQUIRED"

// Approver is the human-in-the-loop subsystem. Chain resolution is the
// approver's problem when chainID is empty; any failure there must
// resolve deny-safe.
type Approver interface {
	RequestApproval(ctx context.Context, requestID string, reviewContext map[string]any, chainID string, deadline time.Time) (ApprovalDecision, error)
}

// DenyAllApprover rejects everything. The default when no HITL
// subsystem is wired; a policy that requires a human and has no human
// must deny.
type DenyAllApprover struct{}

func (DenyAllApprover) RequestApproval(context.Context, string, map[string]any, string, time.Time) (ApprovalDecision, error) {
	return ApprovalReject, nil
}
