package pdp

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"

	"github.com/acgs2/agentbus/pkg/contracts"
)

// celPolicy is one compiled rule set.
type celPolicy struct {
	program cel.Program
	version string
	tenant  string
	source  string
}

// CELEvaluator evaluates policies compiled from CEL expressions
// in-process. Deny-by-default: an expression that does not evaluate
// to boolean true denies, and a missing policy is a configuration
// error rather than an allow.
type CELEvaluator struct {
	mu       sync.RWMutex
	env      *cel.Env
	policies map[string]*celPolicy
}

// NewCELEvaluator initializes the CEL environment with the standard
// decision attributes available to all policies.
func NewCELEvaluator() (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("action", types.StringType),
			decls.NewVariable("source", types.StringType),
			decls.NewVariable("target", types.StringType),
			decls.NewVariable("tenant", types.StringType),
			decls.NewVariable("payload", types.NewMapType(types.StringType, types.DynType)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("pdp: failed to create CEL env: %w", err)
	}
	return &CELEvaluator{
		env:      env,
		policies: make(map[string]*celPolicy),
	}, nil
}

// LoadPolicy compiles and registers a policy version. Re-loading an
// existing ID replaces the active version.
func (e *CELEvaluator) LoadPolicy(policyID, version, tenant, source string) error {
	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("pdp: policy %s compilation failed: %w", policyID, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return fmt.Errorf("pdp: policy %s program construction failed: %w", policyID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[policyID] = &celPolicy{program: prg, version: version, tenant: tenant, source: source}
	return nil
}

// Evaluate implements Evaluator.
func (e *CELEvaluator) Evaluate(ctx context.Context, policyID string, input map[string]any) (*contracts.PolicyDecision, error) {
	if err := ctx.Err(); err != nil {
		return nil, connectionErr("cel evaluation cancelled: " + err.Error())
	}

	e.mu.RLock()
	pol, ok := e.policies[policyID]
	e.mu.RUnlock()
	if !ok {
		return nil, notFoundErr(policyID)
	}

	activation := map[string]any{
		"action":  str(input["action"]),
		"source":  str(input["source"]),
		"target":  str(input["target"]),
		"tenant":  str(input["tenant"]),
		"payload": mapOrEmpty(input["payload"]),
	}

	out, _, err := pol.program.ContextEval(ctx, activation)
	if err != nil {
		return nil, evaluationErr(fmt.Sprintf("policy %s: %v", policyID, err))
	}

	decision := &contracts.PolicyDecision{
		PolicyID:      policyID,
		PolicyVersion: pol.version,
		EvaluatedAt:   time.Now().UTC(),
	}
	if allowed, ok := out.Value().(bool); ok && allowed {
		decision.Allowed = true
	} else {
		decision.Allowed = false
		decision.Reasons = []string{contracts.ReasonNoMatchingRule}
	}
	return decision, nil
}

// ActiveVersion implements Evaluator.
func (e *CELEvaluator) ActiveVersion(_ context.Context, policyID string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pol, ok := e.policies[policyID]
	if !ok {
		return "", notFoundErr(policyID)
	}
	return pol.version, nil
}

// List implements Evaluator.
func (e *CELEvaluator) List(_ context.Context, tenant string) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.policies))
	for id, pol := range e.policies {
		if tenant == "" || pol.tenant == "" || pol.tenant == tenant {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func mapOrEmpty(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
