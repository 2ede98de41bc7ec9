// Package recovery classifies pipeline failures, assigns a retry
// strategy and drains a prioritized retry queue. Tasks that exhaust
// their retry cap escalate to manual handling with a critical event.
package recovery

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acgs2/agentbus/pkg/clock"
	"github.com/acgs2/agentbus/pkg/contracts"
)

// strategyTable maps each failure kind to its retry strategy.
var strategyTable = map[contracts.FailureKind]contracts.RecoveryStrategy{
	contracts.FailureConstitutional: contracts.StrategyManual,
	contracts.FailureMACIRole:       contracts.StrategyManual,
	contracts.FailurePolicyNotFound: contracts.StrategyManual,
	contracts.FailureReviewDeadlock: contracts.StrategyManual,

	contracts.FailureDelivery:         contracts.StrategyExponentialBackoff,
	contracts.FailureRouting:          contracts.StrategyExponentialBackoff,
	contracts.FailureOPAConnectivity:  contracts.StrategyExponentialBackoff,
	contracts.FailureHandlerExecution: contracts.StrategyExponentialBackoff,
	contracts.FailureSignatureCollect: contracts.StrategyExponentialBackoff,

	contracts.FailureMessageTimeout:   contracts.StrategyLinearBackoff,
	contracts.FailureDeliberationSlow: contracts.StrategyLinearBackoff,
	contracts.FailurePolicyResource:   contracts.StrategyLinearBackoff,

	contracts.FailureValidation:        contracts.StrategyImmediate,
	contracts.FailureAgentNotFound:     contracts.StrategyImmediate,
	contracts.FailureBusNotStarted:     contracts.StrategyImmediate,
	contracts.FailureOPANotInitialized: contracts.StrategyImmediate,
}

// Classify returns the strategy for a failure kind. Unknown kinds are
// manual; guessing a retry loop for an unclassified failure is worse
// than paging someone.
func Classify(kind contracts.FailureKind) contracts.RecoveryStrategy {
	if s, ok := strategyTable[kind]; ok {
		return s
	}
	return contracts.StrategyManual
}

// RetryFunc re-executes the failed operation for a task.
type RetryFunc func(ctx context.Context, task *contracts.RecoveryTask) error

// Orchestrator owns the retry queue and the escalation path.
type Orchestrator struct {
	clock    clock.Clock
	events   contracts.EventSink
	logger   *slog.Logger
	policies map[contracts.RecoveryStrategy]BackoffPolicy

	mu       sync.Mutex
	queue    taskHeap
	manual   []*contracts.RecoveryTask
	wake     chan struct{}
	retryFns map[contracts.FailureKind]RetryFunc
}

// NewOrchestrator creates an orchestrator with default backoff
// policies.
func NewOrchestrator(clk clock.Clock, events contracts.EventSink) *Orchestrator {
	if clk == nil {
		clk = clock.System()
	}
	if events == nil {
		events = contracts.NopSink{}
	}
	return &Orchestrator{
		clock:    clk,
		events:   events,
		logger:   slog.Default().With("component", "recovery"),
		policies: defaultPolicies,
		wake:     make(chan struct{}, 1),
		retryFns: make(map[contracts.FailureKind]RetryFunc),
	}
}

// Handle registers the retry function for a failure kind.
func (o *Orchestrator) Handle(kind contracts.FailureKind, fn RetryFunc) {
	o.mu.Lock()
	o.retryFns[kind] = fn
	o.mu.Unlock()
}

// Submit classifies a failure and enqueues a retry task. Manual
// failures park immediately. Returns the created task.
func (o *Orchestrator) Submit(kind contracts.FailureKind, severity contracts.Priority, payload map[string]any, correlationID string) *contracts.RecoveryTask {
	strategy := Classify(kind)
	task := &contracts.RecoveryTask{
		ID:            uuid.New().String(),
		FailureKind:   kind,
		Strategy:      strategy,
		State:         contracts.TaskPending,
		Severity:      severity,
		Payload:       payload,
		CorrelationID: correlationID,
	}

	if strategy == contracts.StrategyManual {
		o.escalate(task, "failure kind requires manual intervention")
		return task
	}

	task.NextAttemptAt = o.clock.Now().Add(ComputeBackoff(task.ID, strategy, 0, o.policies[strategy]))

	o.mu.Lock()
	heap.Push(&o.queue, task)
	o.mu.Unlock()
	o.nudge()
	return task
}

// Run drains the queue until ctx is done. One attempt at a time keeps
// retry pressure off a dependency that is already struggling.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		task, wait := o.next()
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-o.wake:
				continue
			case <-time.After(wait):
				continue
			}
		}
		o.attempt(ctx, task)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// next pops the head task if due, else reports how long to wait.
func (o *Orchestrator) next() (*contracts.RecoveryTask, time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.queue.Len() == 0 {
		return nil, time.Second
	}
	head := o.queue[0]
	now := o.clock.Now()
	if head.NextAttemptAt.After(now) {
		return nil, head.NextAttemptAt.Sub(now)
	}
	return heap.Pop(&o.queue).(*contracts.RecoveryTask), 0
}

func (o *Orchestrator) attempt(ctx context.Context, task *contracts.RecoveryTask) {
	o.mu.Lock()
	fn := o.retryFns[task.FailureKind]
	o.mu.Unlock()

	task.State = contracts.TaskInFlight
	task.Attempts++

	var err error
	if fn == nil {
		err = fmt.Errorf("recovery: no retry handler for %s", task.FailureKind)
	} else {
		err = fn(ctx, task)
	}

	if err == nil {
		task.State = contracts.TaskCompleted
		o.logger.Info("recovery succeeded",
			"task_id", task.ID, "failure_kind", string(task.FailureKind), "attempts", task.Attempts)
		return
	}

	task.State = contracts.TaskFailed
	policy := o.policies[task.Strategy]
	if task.Attempts >= policy.MaxAttempts {
		o.escalate(task, fmt.Sprintf("retry cap of %d exceeded: %v", policy.MaxAttempts, err))
		return
	}

	task.State = contracts.TaskPending
	task.NextAttemptAt = o.clock.Now().Add(ComputeBackoff(task.ID, task.Strategy, task.Attempts, policy))
	o.mu.Lock()
	heap.Push(&o.queue, task)
	o.mu.Unlock()
}

func (o *Orchestrator) escalate(task *contracts.RecoveryTask, reason string) {
	task.State = contracts.TaskEscalated
	task.Strategy = contracts.StrategyManual

	o.mu.Lock()
	o.manual = append(o.manual, task)
	o.mu.Unlock()

	ev := contracts.NewSecurityEvent(
		contracts.EventRecoveryEscalated,
		contracts.SeverityCritical,
		fmt.Sprintf("recovery task %s escalated: %s", task.ID, reason),
		"recovery",
	)
	ev.CorrelationID = task.CorrelationID
	ev.Metadata = map[string]any{
		"failure_kind": string(task.FailureKind),
		"attempts":     task.Attempts,
	}
	o.events.LogEvent(ev)
	o.logger.Error("recovery escalated",
		"task_id", task.ID, "failure_kind", string(task.FailureKind), "reason", reason)
}

// Pending returns queued (not yet attempted or rescheduled) tasks.
func (o *Orchestrator) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queue.Len()
}

// Escalated returns tasks parked for manual handling.
func (o *Orchestrator) Escalated() []*contracts.RecoveryTask {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*contracts.RecoveryTask, len(o.manual))
	copy(out, o.manual)
	return out
}

func (o *Orchestrator) nudge() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// taskHeap orders by next_attempt_at, breaking ties by severity.
type taskHeap []*contracts.RecoveryTask

var severityOrder = map[contracts.Priority]int{
	contracts.PriorityCritical: 0,
	contracts.PriorityHigh:     1,
	contracts.PriorityNormal:   2,
	contracts.PriorityLow:      3,
}

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if !h[i].NextAttemptAt.Equal(h[j].NextAttemptAt) {
		return h[i].NextAttemptAt.Before(h[j].NextAttemptAt)
	}
	return severityOrder[h[i].Severity] < severityOrder[h[j].Severity]
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*contracts.RecoveryTask)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return task
}
