package contracts

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind groups failures by recovery behavior (see RecoveryStrategy).
type ErrorKind string

const (
	KindConstitutional ErrorKind = "constitutional"
	KindSecurity       ErrorKind = "security"
	KindInfrastructure ErrorKind = "infrastructure"
	KindResource       ErrorKind = "resource"
	KindValidation     ErrorKind = "validation"
	KindConfiguration  ErrorKind = "configuration"
)

// Sentinel errors for the pipeline's typed failure modes. Callers
// match with errors.Is; BusError carries the structured context.
var (
	ErrHashMismatch        = errors.New("constitutional hash mismatch")
	ErrPolicyDenied        = errors.New("policy denied")
	ErrDependencyOpen      = errors.New("dependency circuit open")
	ErrQueueFull           = errors.New("deliberation queue full")
	ErrMessageTimeout      = errors.New("message deadline exceeded")
	ErrDeliberationTimeout = errors.New("deliberation deadline exceeded")
	ErrOPAConnection       = errors.New("policy engine unreachable")
	ErrPolicyEvaluation    = errors.New("policy evaluation failed")
	ErrPolicyNotFound      = errors.New("policy not found")
	ErrAgentNotRegistered  = errors.New("agent not registered")
	ErrBusNotStarted       = errors.New("bus not started")
	ErrReservedAgentID     = errors.New("reserved agent id")
	ErrDuplicateAgent      = errors.New("agent already registered")
	ErrInvalidPayload      = errors.New("invalid message payload")
)

// BusError is the structured error surfaced to callers: a taxonomy
// kind, a human reason, the correlation chain and an optional
// retry-after hint. It wraps the matching sentinel so errors.Is works.
type BusError struct {
	Kind          ErrorKind
	Reason        string
	CorrelationID string
	RetryAfter    time.Duration
	Err           error
}

func (e *BusError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *BusError) Unwrap() error { return e.Err }

// NewBusError wraps a sentinel with taxonomy context.
func NewBusError(kind ErrorKind, sentinel error, reason string) *BusError {
	return &BusError{Kind: kind, Reason: reason, Err: sentinel}
}

// WithCorrelation attaches the correlation chain.
func (e *BusError) WithCorrelation(id string) *BusError {
	e.CorrelationID = id
	return e
}

// WithRetryAfter attaches a retry hint for resource errors.
func (e *BusError) WithRetryAfter(d time.Duration) *BusError {
	e.RetryAfter = d
	return e
}

// KindOf maps an error to its taxonomy kind. Unknown errors classify
// as infrastructure so they stay retryable rather than terminal.
func KindOf(err error) ErrorKind {
	var be *BusError
	if errors.As(err, &be) {
		return be.Kind
	}
	switch {
	case errors.Is(err, ErrHashMismatch):
		return KindConstitutional
	case errors.Is(err, ErrPolicyDenied):
		return KindSecurity
	case errors.Is(err, ErrDependencyOpen), errors.Is(err, ErrOPAConnection):
		return KindInfrastructure
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrMessageTimeout),
		errors.Is(err, ErrDeliberationTimeout):
		return KindResource
	case errors.Is(err, ErrAgentNotRegistered), errors.Is(err, ErrBusNotStarted),
		errors.Is(err, ErrReservedAgentID), errors.Is(err, ErrInvalidPayload):
		return KindValidation
	case errors.Is(err, ErrPolicyNotFound):
		return KindConfiguration
	default:
		return KindInfrastructure
	}
}
