// Package pdp defines the policy evaluation abstraction consumed by
// the deliberation lane.
//
// Every backend MUST be deny-by-default: absence of a matching rule
// yields allowed=false with reason NO_MATCHING_RULE. Backend failures
// surface as typed errors; the processor's failure policy decides
// fail-open versus fail-closed.
package pdp

import (
	"context"

	"github.com/acgs2/agentbus/pkg/contracts"
)

// Evaluator is the stable interface for policy evaluation.
type Evaluator interface {
	// Evaluate runs the named policy against the input. The context
	// deadline bounds the call; backends must honor cancellation.
	Evaluate(ctx context.Context, policyID string, input map[string]any) (*contracts.PolicyDecision, error)

	// ActiveVersion returns the currently-active version of a policy.
	ActiveVersion(ctx context.Context, policyID string) (string, error)

	// List returns the policy IDs visible to a tenant. Empty tenant
	// lists the global set.
	List(ctx context.Context, tenant string) ([]string, error)
}

// connectionErr wraps transport failures as ErrOPAConnection.
func connectionErr(reason string) error {
	return contracts.NewBusError(contracts.KindInfrastructure, contracts.ErrOPAConnection, reason)
}

// evaluationErr wraps backend evaluation failures.
func evaluationErr(reason string) error {
	return contracts.NewBusError(contracts.KindInfrastructure, contracts.ErrPolicyEvaluation, reason)
}

// notFoundErr reports a missing policy; a configuration failure.
func notFoundErr(policyID string) error {
	return contracts.NewBusError(contracts.KindConfiguration, contracts.ErrPolicyNotFound, "policy "+policyID+" not found")
}
