package contracts

import "time"

// ValidationResult is the mergeable outcome of a validation step.
// Merge forms a commutative monoid: validity is AND-ed, errors are
// concatenated, impact takes the max, deliberation flags are OR-ed.
type ValidationResult struct {
	Valid                bool           `json:"valid"`
	Errors               []string       `json:"errors,omitempty"`
	ImpactScore          float64        `json:"impact_score"`
	RequiresDeliberation bool           `json:"requires_deliberation"`
	Details              map[string]any `json:"details,omitempty"`
}

// OK returns a passing result with zero impact.
func OK() ValidationResult {
	return ValidationResult{Valid: true}
}

// Invalid returns a failing result carrying the given reasons.
func Invalid(reasons ...string) ValidationResult {
	return ValidationResult{Valid: false, Errors: reasons}
}

// Merge combines two results per the algebra above.
func (r ValidationResult) Merge(other ValidationResult) ValidationResult {
	merged := ValidationResult{
		Valid:                r.Valid && other.Valid,
		ImpactScore:          max(r.ImpactScore, other.ImpactScore),
		RequiresDeliberation: r.RequiresDeliberation || other.RequiresDeliberation,
	}
	if len(r.Errors)+len(other.Errors) > 0 {
		merged.Errors = make([]string, 0, len(r.Errors)+len(other.Errors))
		merged.Errors = append(merged.Errors, r.Errors...)
		merged.Errors = append(merged.Errors, other.Errors...)
	}
	if len(r.Details)+len(other.Details) > 0 {
		merged.Details = make(map[string]any, len(r.Details)+len(other.Details))
		for k, v := range r.Details {
			merged.Details[k] = v
		}
		for k, v := range other.Details {
			merged.Details[k] = v
		}
	}
	return merged
}

// AddError appends a reason and invalidates the result.
func (r *ValidationResult) AddError(reason string) {
	r.Errors = append(r.Errors, reason)
	r.Valid = false
}

// PolicyDecision is the output of a policy evaluation.
type PolicyDecision struct {
	Allowed       bool      `json:"allowed"`
	Reasons       []string  `json:"reasons,omitempty"`
	PolicyID      string    `json:"policy_id"`
	PolicyVersion string    `json:"policy_version"`
	EvaluatedAt   time.Time `json:"evaluated_at"`
}

// ReasonNoMatchingRule is the deny reason when no rule matched the
// evaluation input. Absence of a rule never allows.
const ReasonNoMatchingRule = "NO_MATCHING_RULE"
