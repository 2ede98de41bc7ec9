package pdp

import (
	"context"
	"errors"
	"testing"

	"github.com/acgs2/agentbus/pkg/contracts"
)

func newCELForTest(t *testing.T) *CELEvaluator {
	t.Helper()
	e, err := NewCELEvaluator()
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestCELAllowAndDeny(t *testing.T) {
	e := newCELForTest(t)
	err := e.LoadPolicy("governance", "1.0.0", "tenant-a",
		`action == "deploy" && tenant == "tenant-a"`)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	dec, err := e.Evaluate(ctx, "governance", map[string]any{
		"action": "deploy", "tenant": "tenant-a",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Allowed {
		t.Fatalf("matching input denied: %+v", dec)
	}
	if dec.PolicyVersion != "1.0.0" {
		t.Fatalf("PolicyVersion = %q", dec.PolicyVersion)
	}

	dec, err = e.Evaluate(ctx, "governance", map[string]any{
		"action": "deploy", "tenant": "tenant-b",
	})
	if err != nil {
		t.Fatal(err)
	}
	if dec.Allowed {
		t.Fatal("non-matching input allowed")
	}
	if len(dec.Reasons) != 1 || dec.Reasons[0] != contracts.ReasonNoMatchingRule {
		t.Fatalf("deny reasons = %v", dec.Reasons)
	}
}

func TestCELMissingPolicyIsNotAllow(t *testing.T) {
	e := newCELForTest(t)
	_, err := e.Evaluate(context.Background(), "absent", map[string]any{"action": "x"})
	if !errors.Is(err, contracts.ErrPolicyNotFound) {
		t.Fatalf("missing policy: got %v, want ErrPolicyNotFound", err)
	}
}

func TestCELCompileErrorRejected(t *testing.T) {
	e := newCELForTest(t)
	if err := e.LoadPolicy("broken", "1.0.0", "", `action ==`); err == nil {
		t.Fatal("malformed expression compiled")
	}
}

func TestCELNonBooleanDenies(t *testing.T) {
	e := newCELForTest(t)
	if err := e.LoadPolicy("stringy", "1.0.0", "", `action`); err != nil {
		t.Fatal(err)
	}
	dec, err := e.Evaluate(context.Background(), "stringy", map[string]any{"action": "deploy"})
	if err != nil {
		t.Fatal(err)
	}
	if dec.Allowed {
		t.Fatal("non-boolean result allowed")
	}
}

func TestCELReloadReplacesVersion(t *testing.T) {
	e := newCELForTest(t)
	if err := e.LoadPolicy("p", "1.0.0", "", `true`); err != nil {
		t.Fatal(err)
	}
	if err := e.LoadPolicy("p", "1.1.0", "", `false`); err != nil {
		t.Fatal(err)
	}
	v, err := e.ActiveVersion(context.Background(), "p")
	if err != nil {
		t.Fatal(err)
	}
	if v != "1.1.0" {
		t.Fatalf("ActiveVersion = %q, want 1.1.0", v)
	}
	dec, err := e.Evaluate(context.Background(), "p", nil)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Allowed {
		t.Fatal("stale policy version still active")
	}
}
