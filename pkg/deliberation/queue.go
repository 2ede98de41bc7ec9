// Package deliberation runs the high-assurance lane: a bounded queue
// of policy evaluations drained by a worker pool, with optional human
// approval for decisions that require it. Concurrent identical
// submissions collapse into one downstream evaluation.
package deliberation

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/acgs2/agentbus/pkg/canonicalize"
	"github.com/acgs2/agentbus/pkg/clock"
	"github.com/acgs2/agentbus/pkg/contracts"
)

const (
	// DefaultCapacity bounds the queue.
	DefaultCapacity = 10_000
	// DefaultWorkers drain the queue.
	DefaultWorkers = 8
	// DefaultHITLTimeout bounds a parked approval wait.
	DefaultHITLTimeout = 30 * time.Second

	// highWaterNum/highWaterDen: submissions reject once occupancy
	// exceeds 90% so the remaining headroom absorbs in-flight work.
	highWaterNum = 9
	highWaterDen = 10
)

// EvaluateFunc obtains the policy decision for a deliberated message.
// The processor wires this through the authorization cache and the
// policy-engine circuit breaker.
type EvaluateFunc func(ctx context.Context, policyID string, input map[string]any) (*contracts.PolicyDecision, error)

type task struct {
	policyID string
	input    map[string]any
	result   chan outcome
}

type outcome struct {
	decision *contracts.PolicyDecision
	err      error
}

// Queue is the deliberation lane.
type Queue struct {
	capacity    int
	workers     int
	hitlTimeout time.Duration

	tasks    chan *task
	flight   singleflight.Group
	evaluate EvaluateFunc
	approver Approver
	clock    clock.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// QueueOption configures the deliberation queue.
type QueueOption func(*Queue)

// WithCapacity overrides the queue bound.
func WithCapacity(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// WithWorkers overrides the worker pool size.
func WithWorkers(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithApprover wires the human-in-the-loop subsystem.
func WithApprover(a Approver) QueueOption {
	return func(q *Queue) { q.approver = a }
}

// WithHITLTimeout bounds the approval wait.
func WithHITLTimeout(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.hitlTimeout = d
		}
	}
}

// WithQueueClock overrides the clock for deterministic tests.
func WithQueueClock(c clock.Clock) QueueOption {
	return func(q *Queue) { q.clock = c }
}

// NewQueue creates a stopped queue; call Start before submitting.
func NewQueue(evaluate EvaluateFunc, opts ...QueueOption) *Queue {
	q := &Queue{
		capacity:    DefaultCapacity,
		workers:     DefaultWorkers,
		hitlTimeout: DefaultHITLTimeout,
		evaluate:    evaluate,
		approver:    DenyAllApprover{},
		clock:       clock.System(),
		logger:      slog.Default().With("component", "deliberation"),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.tasks = make(chan *task, q.capacity)
	return q
}

// Start launches the worker pool. The pool drains until ctx is done.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.worker(ctx)
		}()
	}
}

// Wait blocks until all workers have exited.
func (q *Queue) Wait() { q.wg.Wait() }

// Len reports current queue occupancy.
func (q *Queue) Len() int { return len(q.tasks) }

// Submit enqueues a deliberation and blocks until its decision or the
// context deadline. Occupancy beyond the high-water mark rejects with
// QueueFull.
func (q *Queue) Submit(ctx context.Context, policyID string, input map[string]any) (*contracts.PolicyDecision, error) {
	if len(q.tasks)*highWaterDen > q.capacity*highWaterNum {
		return nil, contracts.NewBusError(
			contracts.KindResource,
			contracts.ErrQueueFull,
			fmt.Sprintf("deliberation queue at %d of %d", len(q.tasks), q.capacity),
		)
	}

	t := &task{policyID: policyID, input: input, result: make(chan outcome, 1)}
	select {
	case q.tasks <- t:
	default:
		return nil, contracts.NewBusError(
			contracts.KindResource,
			contracts.ErrQueueFull,
			fmt.Sprintf("deliberation queue at capacity %d", q.capacity),
		)
	}

	select {
	case out := <-t.result:
		return out.decision, out.err
	case <-ctx.Done():
		return nil, contracts.NewBusError(
			contracts.KindResource,
			contracts.ErrDeliberationTimeout,
			"deliberation wait exceeded the message budget",
		)
	}
}

func (q *Queue) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-q.tasks:
			decision, err := q.decide(ctx, t.policyID, t.input)
			t.result <- outcome{decision: decision, err: err}
		}
	}
}

// decide evaluates under single-flight and resolves HITL-deferred
// decisions through the approver.
func (q *Queue) decide(ctx context.Context, policyID string, input map[string]any) (*contracts.PolicyDecision, error) {
	key, err := flightKey(policyID, input)
	if err != nil {
		return nil, err
	}

	v, err, _ := q.flight.Do(key, func() (any, error) {
		return q.evaluate(ctx, policyID, input)
	})
	if err != nil {
		return nil, err
	}
	decision := v.(*contracts.PolicyDecision)

	if decision.Allowed || !slices.Contains(decision.Reasons, ReasonHITLRequired) {
		return decision, nil
	}
	return q.askHuman(ctx, decision, input)
}

// askHuman parks a HITL-deferred decision awaiting approval. Every
// failure mode resolves to deny.
func (q *Queue) askHuman(ctx context.Context, decision *contracts.PolicyDecision, input map[string]any) (*contracts.PolicyDecision, error) {
	deadline := q.clock.Now().Add(q.hitlTimeout)
	hitlCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	requestID := uuid.New().String()
	verdict, err := q.approver.RequestApproval(hitlCtx, requestID, input, "", deadline)
	if err != nil {
		q.logger.Warn("approval request failed, denying",
			"policy_id", decision.PolicyID, "request_id", requestID, "error", err)
		verdict = ApprovalReject
	}

	switch verdict {
	case ApprovalApprove:
		approved := *decision
		approved.Allowed = true
		approved.Reasons = append([]string{"approved by human review"}, decision.Reasons...)
		return &approved, nil
	case ApprovalExpired:
		return nil, contracts.NewBusError(
			contracts.KindResource,
			contracts.ErrDeliberationTimeout,
			fmt.Sprintf("human review expired for policy %s", decision.PolicyID),
		)
	default:
		return decision, nil
	}
}

func flightKey(policyID string, input map[string]any) (string, error) {
	fp, err := canonicalize.Fingerprint128(input)
	if err != nil {
		return "", fmt.Errorf("deliberation: input fingerprint failed: %w", err)
	}
	return policyID + ":" + fp, nil
}
