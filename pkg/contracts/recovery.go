package contracts

import "time"

// RecoveryStrategy selects how a failed operation is retried.
type RecoveryStrategy string

const (
	StrategyExponentialBackoff RecoveryStrategy = "EXPONENTIAL_BACKOFF"
	StrategyLinearBackoff      RecoveryStrategy = "LINEAR_BACKOFF"
	StrategyImmediate          RecoveryStrategy = "IMMEDIATE"
	StrategyManual             RecoveryStrategy = "MANUAL"
)

// FailureKind classifies a failure for strategy selection.
type FailureKind string

const (
	FailureConstitutional    FailureKind = "constitutional_violation"
	FailureMACIRole          FailureKind = "maci_role_violation"
	FailurePolicyNotFound    FailureKind = "policy_not_found"
	FailureReviewDeadlock    FailureKind = "review_deadlock"
	FailureDelivery          FailureKind = "delivery"
	FailureRouting           FailureKind = "routing"
	FailureOPAConnectivity   FailureKind = "opa_connectivity"
	FailureHandlerExecution  FailureKind = "handler_execution"
	FailureSignatureCollect  FailureKind = "signature_collection"
	FailureMessageTimeout    FailureKind = "message_timeout"
	FailureDeliberationSlow  FailureKind = "deliberation_timeout"
	FailurePolicyResource    FailureKind = "policy_evaluation_resource"
	FailureValidation        FailureKind = "validation"
	FailureAgentNotFound     FailureKind = "agent_not_registered"
	FailureBusNotStarted     FailureKind = "bus_not_started"
	FailureOPANotInitialized FailureKind = "opa_not_initialized"
)

// RecoveryTaskState tracks a task through the retry lifecycle.
// Escalated is terminal; a human takes over from there.
type RecoveryTaskState string

const (
	TaskPending   RecoveryTaskState = "PENDING"
	TaskInFlight  RecoveryTaskState = "IN_FLIGHT"
	TaskCompleted RecoveryTaskState = "COMPLETED"
	TaskFailed    RecoveryTaskState = "FAILED"
	TaskEscalated RecoveryTaskState = "ESCALATED"
)

// RecoveryTask is a queued retry of a failed operation.
type RecoveryTask struct {
	ID            string            `json:"id"`
	FailureKind   FailureKind       `json:"failure_kind"`
	Strategy      RecoveryStrategy  `json:"strategy"`
	State         RecoveryTaskState `json:"state"`
	Attempts      int               `json:"attempts"`
	NextAttemptAt time.Time         `json:"next_attempt_at"`
	Severity      Priority          `json:"severity"`
	Payload       map[string]any    `json:"payload,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// CircuitState is the three-state breaker position.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// CircuitBreakerState is a snapshot of one breaker.
type CircuitBreakerState struct {
	Name           string       `json:"name"`
	State          CircuitState `json:"state"`
	FailureCount   int          `json:"failure_count"`
	SuccessCount   int          `json:"success_count"`
	ShortCircuited uint64       `json:"short_circuited_total"`
	OpenedAt       time.Time    `json:"opened_at,omitzero"`
	NextProbeAt    time.Time    `json:"next_probe_at,omitzero"`
}
