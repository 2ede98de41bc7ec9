// Package processor drives a message through the pipeline: hash
// guard, registry lookup, batched impact scoring, adaptive routing,
// lane execution and audit emission. The processor is idempotent over
// message IDs and keeps FIFO order per (source, correlation) pair.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/acgs2/agentbus/pkg/audit"
	"github.com/acgs2/agentbus/pkg/breaker"
	"github.com/acgs2/agentbus/pkg/clock"
	"github.com/acgs2/agentbus/pkg/constitutional"
	"github.com/acgs2/agentbus/pkg/contracts"
	"github.com/acgs2/agentbus/pkg/deliberation"
	"github.com/acgs2/agentbus/pkg/impact"
	"github.com/acgs2/agentbus/pkg/recovery"
	"github.com/acgs2/agentbus/pkg/registry"
	"github.com/acgs2/agentbus/pkg/routing"
)

// Result is a message's terminal state with its governing decision.
type Result struct {
	State    contracts.MessageState
	Lane     contracts.Lane
	Score    float64
	Decision *contracts.PolicyDecision
	Merged   contracts.ValidationResult
	Err      error
}

// Config carries the processor's tunables.
type Config struct {
	MessageDeadline time.Duration
	HandlerDeadline time.Duration
	FailClosed      bool
	// DeliberationPolicyID names the policy the deliberation lane
	// evaluates against.
	DeliberationPolicyID string
	// IdempotencyRetention bounds how long a completed message ID is
	// remembered for duplicate collapsing.
	IdempotencyRetention time.Duration
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		MessageDeadline:      5 * time.Second,
		HandlerDeadline:      time.Second,
		FailClosed:           true,
		DeliberationPolicyID: "governance",
		IdempotencyRetention: 5 * time.Minute,
	}
}

// policyView exposes the configuration slice handler execution needs.
type policyView struct{ cfg Config }

func (p policyView) FailClosed() bool               { return p.cfg.FailClosed }
func (p policyView) HandlerDeadline() time.Duration { return p.cfg.HandlerDeadline }

// Processor wires the pipeline stages.
type Processor struct {
	config   Config
	guard    *constitutional.Guard
	registry registry.Registry
	regBrk   *breaker.Breaker
	router   *routing.AdaptiveRouter
	delib    *deliberation.Queue
	emitter  *audit.Emitter
	events   contracts.EventSink
	recovery *recovery.Orchestrator
	clock    clock.Clock
	logger   *slog.Logger

	batcher  *scoreBatcher
	handlers *handlerRegistry
	schemas  *payloadSchemas

	// seen collapses duplicate submissions by message ID; completed
	// entries are swept out after the retention window.
	seenMu    sync.Mutex
	seen      map[string]*inflight
	seenSweep time.Time

	// fifo serializes messages sharing (source, correlation). Entries
	// are reference-counted and released when the chain goes idle.
	fifoMu sync.Mutex
	fifo   map[string]*chainLock

	// abortedIDs marks messages whose terminal record was already
	// written by the shutdown path.
	abortMu    sync.Mutex
	abortedIDs map[string]bool
}

type inflight struct {
	done      chan struct{}
	result    *Result
	expiresAt time.Time
}

type chainLock struct {
	mu   sync.Mutex
	refs int
}

// New builds a processor. All dependencies are required except
// recovery and events, which default to no-ops.
func New(
	cfg Config,
	guard *constitutional.Guard,
	reg registry.Registry,
	regBrk *breaker.Breaker,
	scorer impact.Scorer,
	router *routing.AdaptiveRouter,
	delib *deliberation.Queue,
	emitter *audit.Emitter,
	events contracts.EventSink,
	orch *recovery.Orchestrator,
	clk clock.Clock,
) *Processor {
	// A zero deadline is honored as "immediately expired"; only a
	// negative value falls back to the default.
	if cfg.MessageDeadline < 0 {
		cfg.MessageDeadline = 5 * time.Second
	}
	if cfg.HandlerDeadline <= 0 {
		cfg.HandlerDeadline = time.Second
	}
	if cfg.DeliberationPolicyID == "" {
		cfg.DeliberationPolicyID = "governance"
	}
	if cfg.IdempotencyRetention <= 0 {
		cfg.IdempotencyRetention = 5 * time.Minute
	}
	if events == nil {
		events = contracts.NopSink{}
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Processor{
		config:     cfg,
		guard:      guard,
		registry:   reg,
		regBrk:     regBrk,
		router:     router,
		delib:      delib,
		emitter:    emitter,
		events:     events,
		recovery:   orch,
		clock:      clk,
		logger:     slog.Default().With("component", "processor"),
		batcher:    newScoreBatcher(scorer),
		handlers:   newHandlerRegistry(),
		schemas:    newPayloadSchemas(),
		seen:       make(map[string]*inflight),
		fifo:       make(map[string]*chainLock),
		abortedIDs: make(map[string]bool),
	}
}

// Start launches the scoring batcher.
func (p *Processor) Start(ctx context.Context) {
	go p.batcher.Run(ctx)
}

// RegisterHandler attaches a handler to a message type.
func (p *Processor) RegisterHandler(mt contracts.MessageType, h Handler) {
	p.handlers.register(mt, h)
}

// RegisterSchema attaches a payload JSON schema to a message type.
func (p *Processor) RegisterSchema(mt contracts.MessageType, schemaJSON string) error {
	return p.schemas.register(mt, schemaJSON)
}

// Process runs one message through the pipeline and returns its
// terminal result. Duplicate submissions of the same message ID share
// one execution and one audit record.
func (p *Processor) Process(ctx context.Context, msg *contracts.Message) *Result {
	now := p.clock.Now()
	p.seenMu.Lock()
	p.sweepSeenLocked(now)
	if existing, ok := p.seen[msg.ID]; ok {
		p.seenMu.Unlock()
		select {
		case <-existing.done:
			return existing.result
		case <-ctx.Done():
			return &Result{State: contracts.StateErrored, Err: timeoutErr(msg)}
		}
	}
	entry := &inflight{done: make(chan struct{})}
	p.seen[msg.ID] = entry
	p.seenMu.Unlock()

	unlock := p.lockChain(msg)
	result := p.run(ctx, msg)
	unlock()

	entry.result = result
	entry.expiresAt = p.clock.Now().Add(p.config.IdempotencyRetention)
	close(entry.done)
	return result
}

// sweepSeenLocked evicts completed idempotency entries past their
// retention. Amortized: runs at most every half retention window.
func (p *Processor) sweepSeenLocked(now time.Time) {
	if now.Before(p.seenSweep) {
		return
	}
	p.seenSweep = now.Add(p.config.IdempotencyRetention / 2)
	for id, entry := range p.seen {
		select {
		case <-entry.done:
			if now.After(entry.expiresAt) {
				delete(p.seen, id)
			}
		default:
		}
	}
}

// lockChain serializes processing for one (source, correlation) pair.
// Messages without a correlation ID carry no ordering guarantee. The
// returned func releases the lock and drops the entry once the chain
// has no waiters left.
func (p *Processor) lockChain(msg *contracts.Message) func() {
	if msg.CorrelationID == "" {
		return func() {}
	}
	key := msg.SourceAgent + "/" + msg.CorrelationID
	p.fifoMu.Lock()
	cl, ok := p.fifo[key]
	if !ok {
		cl = &chainLock{}
		p.fifo[key] = cl
	}
	cl.refs++
	p.fifoMu.Unlock()
	cl.mu.Lock()
	return func() {
		cl.mu.Unlock()
		p.fifoMu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(p.fifo, key)
		}
		p.fifoMu.Unlock()
	}
}

func (p *Processor) run(parent context.Context, msg *contracts.Message) *Result {
	if deadline := p.config.MessageDeadline; deadline == 0 {
		return p.terminal(msg, &Result{State: contracts.StateErrored, Err: timeoutErr(msg)})
	}
	ctx, cancel := context.WithTimeout(parent, p.config.MessageDeadline)
	defer cancel()

	// Step 1: constitutional gate.
	if err := p.guard.Require(msg.Fingerprint); err != nil {
		ev := contracts.NewSecurityEvent(
			contracts.EventConstitutionalHashMismatch,
			contracts.SeverityCritical,
			fmt.Sprintf("message %s carried fingerprint %q", msg.ID, msg.Fingerprint),
			"processor",
		)
		ev.AgentID = msg.SourceAgent
		ev.TenantID = msg.TenantID
		ev.CorrelationID = msg.CorrelationID
		p.events.LogEvent(ev)
		return p.terminal(msg, &Result{State: contracts.StateErrored, Err: err})
	}

	// Payload shape gate.
	if err := p.schemas.validate(msg); err != nil {
		return p.terminal(msg, &Result{State: contracts.StateErrored, Err: err})
	}

	// Step 2: resolve the target under the registry breaker.
	if !msg.IsBroadcast() {
		err := p.regBrk.Do(ctx, func(ctx context.Context) error {
			_, err := p.registry.Get(ctx, msg.TenantID, msg.TargetAgent)
			return err
		})
		if err != nil {
			p.classify(msg, err)
			return p.terminal(msg, &Result{State: contracts.StateErrored, Err: err})
		}
	}

	// Step 3: impact scoring through the batcher.
	score, err := p.batcher.Score(ctx, msg)
	if err != nil {
		if ctx.Err() != nil {
			return p.terminal(msg, &Result{State: contracts.StateErrored, Err: timeoutErr(msg)})
		}
		p.classify(msg, err)
		return p.terminal(msg, &Result{State: contracts.StateErrored, Err: err})
	}

	// Step 4: route.
	result := &Result{Score: score, Lane: contracts.LaneFast}
	if p.router.Route(score) {
		result.Lane = contracts.LaneDeliberate
	}

	// Steps 5-6: lane execution.
	switch result.Lane {
	case contracts.LaneDeliberate:
		decision, err := p.delib.Submit(ctx, p.config.DeliberationPolicyID, deliberationInput(msg, score))
		result.Decision = decision
		if err != nil {
			if ctx.Err() != nil {
				err = timeoutErr(msg)
			}
			p.classify(msg, err)
			result.State = contracts.StateErrored
			result.Err = err
			return p.terminal(msg, result)
		}
		if !decision.Allowed {
			result.State = contracts.StateDenied
			result.Err = contracts.NewBusError(
				contracts.KindSecurity,
				contracts.ErrPolicyDenied,
				fmt.Sprintf("policy %s denied: %v", decision.PolicyID, decision.Reasons),
			).WithCorrelation(msg.CorrelationID)
			return p.terminal(msg, result)
		}
		fallthrough
	default:
		merged, err := runHandlers(ctx, policyView{p.config}, p.handlers.forType(msg.Type), msg)
		result.Merged = merged
		if err != nil {
			if ctx.Err() != nil {
				err = timeoutErr(msg)
			}
			p.classify(msg, err)
			result.State = contracts.StateErrored
			result.Err = err
			return p.terminal(msg, result)
		}
		if !merged.Valid {
			result.State = contracts.StateDenied
			result.Err = contracts.NewBusError(
				contracts.KindSecurity,
				contracts.ErrPolicyDenied,
				fmt.Sprintf("handlers invalidated message: %v", merged.Errors),
			).WithCorrelation(msg.CorrelationID)
			return p.terminal(msg, result)
		}
		result.State = contracts.StateDelivered
	}
	return p.terminal(msg, result)
}

// MarkAborted suppresses the terminal audit record for a message whose
// abort was already recorded by the shutdown path, keeping one
// terminal record per message.
func (p *Processor) MarkAborted(messageID string) {
	p.abortMu.Lock()
	p.abortedIDs[messageID] = true
	p.abortMu.Unlock()
}

func (p *Processor) consumeAborted(messageID string) bool {
	p.abortMu.Lock()
	defer p.abortMu.Unlock()
	if !p.abortedIDs[messageID] {
		return false
	}
	delete(p.abortedIDs, messageID)
	return true
}

// terminal emits the audit record for the message's final state.
func (p *Processor) terminal(msg *contracts.Message, result *Result) *Result {
	if p.consumeAborted(msg.ID) {
		return result
	}
	outcome := contracts.OutcomeSuccess
	switch result.State {
	case contracts.StateDenied:
		outcome = contracts.OutcomeDenied
	case contracts.StateErrored:
		outcome = contracts.OutcomeFailure
	}

	details := map[string]any{
		"message_type": string(msg.Type),
		"lane":         string(result.Lane),
		"impact_score": result.Score,
		"state":        string(result.State),
	}
	if result.Err != nil {
		details["error"] = result.Err.Error()
	}
	if result.Decision != nil {
		details["policy_id"] = result.Decision.PolicyID
		details["policy_version"] = result.Decision.PolicyVersion
	}

	rec := audit.NewRecord("message_processed", msg.SourceAgent, outcome, details, msg.CorrelationID)
	if _, err := p.emitter.Emit(rec); err != nil {
		p.logger.Error("audit emission failed", "message_id", msg.ID, "error", err)
	}
	return result
}

// classify routes a failure into the recovery orchestrator.
func (p *Processor) classify(msg *contracts.Message, err error) {
	if p.recovery == nil {
		return
	}
	kind := failureKind(err)
	severity := contracts.PriorityNormal
	if contracts.KindOf(err) == contracts.KindConstitutional || contracts.KindOf(err) == contracts.KindSecurity {
		severity = contracts.PriorityCritical
	}
	p.recovery.Submit(kind, severity, map[string]any{
		"message_id":   msg.ID,
		"message_type": string(msg.Type),
		"source":       msg.SourceAgent,
		"target":       msg.TargetAgent,
	}, msg.CorrelationID)
}

func failureKind(err error) contracts.FailureKind {
	switch {
	case errors.Is(err, contracts.ErrHashMismatch):
		return contracts.FailureConstitutional
	case errors.Is(err, contracts.ErrOPAConnection), errors.Is(err, contracts.ErrDependencyOpen):
		return contracts.FailureOPAConnectivity
	case errors.Is(err, contracts.ErrPolicyNotFound):
		return contracts.FailurePolicyNotFound
	case errors.Is(err, contracts.ErrMessageTimeout):
		return contracts.FailureMessageTimeout
	case errors.Is(err, contracts.ErrDeliberationTimeout), errors.Is(err, contracts.ErrQueueFull):
		return contracts.FailureDeliberationSlow
	case errors.Is(err, contracts.ErrAgentNotRegistered):
		return contracts.FailureAgentNotFound
	case errors.Is(err, contracts.ErrBusNotStarted):
		return contracts.FailureBusNotStarted
	case errors.Is(err, contracts.ErrPolicyEvaluation):
		return contracts.FailurePolicyResource
	case errors.Is(err, contracts.ErrInvalidPayload), errors.Is(err, contracts.ErrReservedAgentID):
		return contracts.FailureValidation
	default:
		return contracts.FailureHandlerExecution
	}
}

func timeoutErr(msg *contracts.Message) error {
	return contracts.NewBusError(
		contracts.KindResource,
		contracts.ErrMessageTimeout,
		fmt.Sprintf("message %s exceeded its processing budget", msg.ID),
	).WithCorrelation(msg.CorrelationID)
}

// deliberationInput shapes the policy evaluation input.
func deliberationInput(msg *contracts.Message, score float64) map[string]any {
	action := ""
	if v, ok := msg.Payload["action"].(string); ok {
		action = v
	}
	return map[string]any{
		"action":       action,
		"message_type": string(msg.Type),
		"source":       msg.SourceAgent,
		"target":       msg.TargetAgent,
		"tenant":       msg.TenantID,
		"impact_score": score,
		"payload":      msg.Payload,
	}
}
