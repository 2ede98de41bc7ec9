// Package bus is the public facade: lifecycle, agent registration,
// message submission, subscriptions and acknowledgement. It owns every
// pipeline component and ties their lifetimes to start/stop.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/acgs2/agentbus/pkg/audit"
	"github.com/acgs2/agentbus/pkg/breaker"
	"github.com/acgs2/agentbus/pkg/cache"
	"github.com/acgs2/agentbus/pkg/clock"
	"github.com/acgs2/agentbus/pkg/config"
	"github.com/acgs2/agentbus/pkg/constitutional"
	"github.com/acgs2/agentbus/pkg/contracts"
	"github.com/acgs2/agentbus/pkg/deliberation"
	"github.com/acgs2/agentbus/pkg/impact"
	"github.com/acgs2/agentbus/pkg/observability"
	"github.com/acgs2/agentbus/pkg/pdp"
	"github.com/acgs2/agentbus/pkg/processor"
	"github.com/acgs2/agentbus/pkg/recovery"
	"github.com/acgs2/agentbus/pkg/registry"
	"github.com/acgs2/agentbus/pkg/routing"
	"github.com/acgs2/agentbus/pkg/siem"
)

// Dependencies are the external collaborators the bus consumes.
// Unset fields fall back to in-process defaults.
type Dependencies struct {
	Registry  registry.Registry
	Evaluator pdp.Evaluator
	Scorer    impact.Scorer
	Approver  deliberation.Approver
	Anchor    audit.Anchor
	Archive   audit.Archive
	Telemetry *observability.Provider
	Clock     clock.Clock
}

// Bus is the agent message bus facade.
type Bus struct {
	config *config.Config
	clock  clock.Clock
	logger *slog.Logger

	guard     *constitutional.Guard
	registry  registry.Registry
	router    *routing.AdaptiveRouter
	authz     *cache.AuthzCache
	versions  *cache.VersionCache
	opaBrk    *breaker.Breaker
	regBrk    *breaker.Breaker
	delib     *deliberation.Queue
	store     *audit.Store
	emitter   *audit.Emitter
	archive   audit.Archive
	shipper   *siem.Shipper
	events    contracts.EventSink
	recovery  *recovery.Orchestrator
	processor *processor.Processor
	telemetry *observability.Provider

	mu        sync.Mutex
	started   bool
	accepting bool
	cancel    context.CancelFunc

	inflightMu sync.Mutex
	inflight   map[string]*contracts.Message
	inflightWG sync.WaitGroup

	subsMu  sync.RWMutex
	subs    map[string]chan *contracts.Message
	pending map[string]*contracts.Message
}

// New assembles a bus from configuration and external dependencies.
func New(cfg *config.Config, deps Dependencies) (*Bus, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	guard, err := constitutional.NewGuard(cfg.FingerprintExpected)
	if err != nil {
		return nil, err
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.System()
	}

	shipper, err := siem.NewShipper(cfg.SIEMConfig(), clk)
	if err != nil {
		return nil, err
	}
	var events contracts.EventSink = shipper

	reg := deps.Registry
	if reg == nil {
		reg = registry.NewInMemoryRegistry(
			registry.WithClock(clk),
			registry.WithEventSink(events),
			registry.WithLivenessWindow(cfg.AgentEvictionAfter.Std()),
		)
	}

	evaluator := deps.Evaluator
	if evaluator == nil {
		if cfg.OPAURL != "" {
			evaluator = pdp.NewOPAEvaluator(pdp.OPAConfig{URL: cfg.OPAURL, Timeout: cfg.PolicyBudget.Std()})
		} else {
			cel, err := pdp.NewCELEvaluator()
			if err != nil {
				return nil, err
			}
			evaluator = cel
		}
	}

	scorer := deps.Scorer
	if scorer == nil {
		keyword := impact.NewKeywordScorer(nil)
		if cfg.ScorerURL != "" {
			remote := impact.NewRemoteScorer(cfg.ScorerURL, cfg.ScorerBudget.Std())
			scorer = impact.NewFallbackScorer(remote, keyword, cfg.ScorerBudget.Std())
		} else {
			scorer = keyword
		}
	}

	brkCfg := breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Cooldown:         cfg.BreakerCooldown.Std(),
		ProbeCount:       cfg.BreakerProbeCount,
	}
	opaBrk := breaker.New("policy-engine", brkCfg, clk, events)
	regBrk := breaker.New("registry", brkCfg, clk, events)

	authz := cache.NewAuthzCache(cfg.CacheAuthzTTL.Std(), clk)
	versions := cache.NewVersionCache(cfg.CachePolicyVersionTTL.Std(), clk)
	versions.Subscribe(func(policyID, _, _ string) {
		authz.InvalidatePolicy(policyID)
	})

	evaluate := func(ctx context.Context, policyID string, input map[string]any) (*contracts.PolicyDecision, error) {
		role, _ := input["source"].(string)
		var decision *contracts.PolicyDecision
		err := opaBrk.Do(ctx, func(ctx context.Context) error {
			var evalErr error
			decision, evalErr = authz.GetOrEvaluate(ctx, role, policyID, input,
				func(ctx context.Context) (*contracts.PolicyDecision, error) {
					budgeted, cancel := context.WithTimeout(ctx, cfg.PolicyBudget.Std())
					defer cancel()
					return evaluator.Evaluate(budgeted, policyID, input)
				})
			return evalErr
		})
		if err != nil {
			return nil, err
		}
		return decision, nil
	}

	delibOpts := []deliberation.QueueOption{
		deliberation.WithCapacity(cfg.DeliberationQueueCapacity),
		deliberation.WithWorkers(cfg.DeliberationWorkers),
		deliberation.WithQueueClock(clk),
	}
	if deps.Approver != nil {
		delibOpts = append(delibOpts, deliberation.WithApprover(deps.Approver))
	}
	delib := deliberation.NewQueue(evaluate, delibOpts...)

	store := audit.NewStore()
	emitter := audit.NewEmitter(store, deps.Anchor, events,
		audit.WithFingerprint(cfg.FingerprintExpected))

	router := routing.NewAdaptiveRouter(
		cfg.ImpactThresholdInitial,
		routing.Bounds{Min: cfg.ImpactThresholdMin, Max: cfg.ImpactThresholdMax},
		0,
	)

	orch := recovery.NewOrchestrator(clk, events)

	procCfg := processor.Config{
		MessageDeadline: cfg.MessageDeadline.Std(),
		HandlerDeadline: cfg.HandlerDeadline.Std(),
		FailClosed:      cfg.FailClosed,
	}
	proc := processor.New(procCfg, guard, reg, regBrk, scorer, router, delib, emitter, events, orch, clk)

	b := &Bus{
		config:    cfg,
		clock:     clk,
		logger:    slog.Default().With("component", "bus"),
		guard:     guard,
		registry:  reg,
		router:    router,
		authz:     authz,
		versions:  versions,
		opaBrk:    opaBrk,
		regBrk:    regBrk,
		delib:     delib,
		store:     store,
		emitter:   emitter,
		archive:   deps.Archive,
		shipper:   shipper,
		events:    events,
		recovery:  orch,
		processor: proc,
		telemetry: deps.Telemetry,
		inflight:  make(map[string]*contracts.Message),
		subs:      make(map[string]chan *contracts.Message),
		pending:   make(map[string]*contracts.Message),
	}

	if deps.Archive != nil {
		store.OnAppend(func(stored *audit.StoredRecord) {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := deps.Archive.Save(ctx, []*audit.StoredRecord{stored}); err != nil {
					b.logger.Warn("audit archive save failed", "record_id", stored.Record.RecordID, "error", err)
				}
			}()
		})
	}
	return b, nil
}

// Start launches the pipeline workers. Idempotent; a second call
// returns without side effects.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel

	go b.shipper.Run(runCtx)
	go b.emitter.Run(runCtx)
	b.delib.Start(runCtx)
	b.processor.Start(runCtx)
	go b.recovery.Run(runCtx)
	if mem, ok := b.registry.(*registry.InMemoryRegistry); ok {
		go mem.RunEviction(runCtx, 0)
	}

	b.started = true
	b.accepting = true
	b.logger.InfoContext(ctx, "bus started",
		"fingerprint", b.guard.Expected(),
		"fail_closed", b.config.FailClosed)
	return nil
}

// Stop drains gracefully: no new messages, in-flight work completes
// within the shutdown deadline, remaining messages abort into the
// recovery queue, and the audit and SIEM queues flush.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.accepting = false
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.inflightWG.Wait()
		close(done)
	}()

	deadline := b.config.ShutdownDeadline.Std()
	select {
	case <-done:
	case <-time.After(deadline):
		b.abortRemaining()
	case <-ctx.Done():
		b.abortRemaining()
	}

	// Stop the workers, then flush what they left behind.
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	b.started = false
	b.mu.Unlock()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.emitter.Drain(flushCtx)
	b.shipper.Wait()

	if b.archive != nil {
		if err := b.archive.Close(); err != nil {
			b.logger.Warn("archive close failed", "error", err)
		}
	}

	b.subsMu.Lock()
	for key, ch := range b.subs {
		close(ch)
		delete(b.subs, key)
	}
	b.subsMu.Unlock()

	b.logger.Info("bus stopped", "audit_records", b.store.Size())
	return nil
}

// abortRemaining records every still-in-flight message as aborted and
// queues it for retry after restart.
func (b *Bus) abortRemaining() {
	b.inflightMu.Lock()
	remaining := make([]*contracts.Message, 0, len(b.inflight))
	for _, msg := range b.inflight {
		remaining = append(remaining, msg)
	}
	b.inflightMu.Unlock()

	for _, msg := range remaining {
		b.processor.MarkAborted(msg.ID)
		rec := audit.NewRecord("message_processed", msg.SourceAgent, contracts.OutcomeAborted,
			map[string]any{"message_id": msg.ID, "reason": "shutdown deadline exceeded"},
			msg.CorrelationID)
		if _, err := b.emitter.Emit(rec); err != nil {
			b.logger.Error("abort audit failed", "message_id", msg.ID, "error", err)
		}
		b.recovery.Submit(contracts.FailureMessageTimeout, contracts.PriorityHigh,
			map[string]any{"message_id": msg.ID, "source": msg.SourceAgent},
			msg.CorrelationID)
	}
	if len(remaining) > 0 {
		b.logger.Warn("messages aborted at shutdown", "count", len(remaining))
	}
}

// Register registers or refreshes an agent.
func (b *Bus) Register(ctx context.Context, reg *contracts.AgentRegistration) (*contracts.AgentInfo, error) {
	if err := b.requireStarted(); err != nil {
		return nil, err
	}
	return b.registry.Register(ctx, reg)
}

// Unregister removes an agent and closes its subscription.
func (b *Bus) Unregister(ctx context.Context, tenantID, agentID string) error {
	if err := b.requireStarted(); err != nil {
		return err
	}
	if err := b.registry.Unregister(ctx, tenantID, agentID); err != nil {
		return err
	}
	key := subKey(tenantID, agentID)
	b.subsMu.Lock()
	if ch, ok := b.subs[key]; ok {
		close(ch)
		delete(b.subs, key)
	}
	b.subsMu.Unlock()
	return nil
}

// RegisterHandler attaches a handler to a message type.
func (b *Bus) RegisterHandler(mt contracts.MessageType, h processor.Handler) {
	b.processor.RegisterHandler(mt, h)
}

// RegisterSchema attaches a payload schema to a message type.
func (b *Bus) RegisterSchema(mt contracts.MessageType, schemaJSON string) error {
	return b.processor.RegisterSchema(mt, schemaJSON)
}

// SendMessage submits one message and returns its terminal result.
func (b *Bus) SendMessage(ctx context.Context, msg *contracts.Message) (*processor.Result, error) {
	if err := b.requireAccepting(); err != nil {
		return nil, err
	}
	violations, err := b.validateTenantConsistency(ctx, msg)
	if err != nil {
		return nil, err
	}
	if len(violations) > 0 {
		ev := contracts.NewSecurityEvent(
			contracts.EventTenantViolation,
			contracts.SeverityHigh,
			fmt.Sprintf("message %s crossed tenant boundaries", msg.ID),
			"bus",
		)
		ev.AgentID = msg.SourceAgent
		ev.TenantID = msg.TenantID
		b.events.LogEvent(ev)
		return nil, contracts.NewBusError(
			contracts.KindValidation,
			contracts.ErrInvalidPayload,
			fmt.Sprintf("tenant consistency: %v", violations),
		).WithCorrelation(msg.CorrelationID)
	}
	b.scanPayload(msg)

	b.trackInflight(msg)
	defer b.untrackInflight(msg)

	var track func(error)
	if b.telemetry != nil {
		ctx, track = b.telemetry.TrackMessage(ctx)
	}
	result := b.processor.Process(ctx, msg)
	if track != nil {
		track(result.Err)
	}
	if b.telemetry != nil {
		b.telemetry.RecordLane(ctx, string(result.Lane))
	}

	if result.State == contracts.StateDelivered {
		b.deliver(msg)
	}
	return result, nil
}

// BroadcastEvent publishes an EVENT to every agent in the tenant.
// Broadcasts never cross tenant boundaries.
func (b *Bus) BroadcastEvent(ctx context.Context, source, tenantID, eventType string, data map[string]any) (*contracts.Message, error) {
	if err := b.requireAccepting(); err != nil {
		return nil, err
	}
	payload := map[string]any{"event_type": eventType}
	for k, v := range data {
		payload[k] = v
	}
	msg := contracts.NewMessage(contracts.MessageEvent, source, "", payload)
	msg.TenantID = tenantID

	result, err := b.SendMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	if result.Err != nil {
		return msg, result.Err
	}
	return msg, nil
}

// Subscribe returns the server-push stream for an agent. Delivery is
// at-least-once; consumers deduplicate on message ID and acknowledge.
func (b *Bus) Subscribe(ctx context.Context, tenantID, agentID string) (<-chan *contracts.Message, error) {
	if err := b.requireStarted(); err != nil {
		return nil, err
	}
	if _, err := b.registry.Get(ctx, tenantID, agentID); err != nil {
		return nil, err
	}

	key := subKey(tenantID, agentID)
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	if ch, ok := b.subs[key]; ok {
		return ch, nil
	}
	ch := make(chan *contracts.Message, 256)
	b.subs[key] = ch
	return ch, nil
}

// Acknowledge confirms delivery of a message to its subscriber.
func (b *Bus) Acknowledge(messageID string) {
	b.subsMu.Lock()
	delete(b.pending, messageID)
	b.subsMu.Unlock()
}

// deliver pushes a processed message to its target subscription, or to
// every tenant subscription for a broadcast. A full subscriber buffer
// drops the push; the message stays pending for redelivery.
func (b *Bus) deliver(msg *contracts.Message) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	b.pending[msg.ID] = msg

	if msg.IsBroadcast() {
		prefix := msg.TenantID + "/"
		for key, ch := range b.subs {
			if len(key) >= len(prefix) && key[:len(prefix)] == prefix && key != subKey(msg.TenantID, msg.SourceAgent) {
				select {
				case ch <- msg:
				default:
				}
			}
		}
		return
	}
	if ch, ok := b.subs[subKey(msg.TenantID, msg.TargetAgent)]; ok {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Pending returns unacknowledged delivered messages, for redelivery.
func (b *Bus) Pending() []*contracts.Message {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	out := make([]*contracts.Message, 0, len(b.pending))
	for _, msg := range b.pending {
		out = append(out, msg)
	}
	return out
}

// validateTenantConsistency checks that the message tenant matches the
// registered tenants of both endpoints. Lookups go through the
// registry breaker; a non-registry failure is returned as an error
// rather than reported as a violation.
func (b *Bus) validateTenantConsistency(ctx context.Context, msg *contracts.Message) ([]string, error) {
	var violations []string
	sender, err := b.lookupAgent(ctx, msg.TenantID, msg.SourceAgent)
	switch {
	case errors.Is(err, contracts.ErrAgentNotRegistered):
		violations = append(violations, fmt.Sprintf("sender %q not registered in tenant %q", msg.SourceAgent, msg.TenantID))
	case err != nil:
		return nil, err
	case sender.TenantID != msg.TenantID:
		violations = append(violations, fmt.Sprintf("message tenant %q does not match sender tenant %q", msg.TenantID, sender.TenantID))
	}
	if !msg.IsBroadcast() {
		target, err := b.lookupAgent(ctx, msg.TenantID, msg.TargetAgent)
		switch {
		case errors.Is(err, contracts.ErrAgentNotRegistered):
			// The pipeline's own target lookup reports this.
		case err != nil:
			return nil, err
		case target.TenantID != msg.TenantID:
			violations = append(violations, fmt.Sprintf("message tenant %q does not match recipient tenant %q", msg.TenantID, target.TenantID))
		}
	}
	return violations, nil
}

// lookupAgent resolves an agent under the registry breaker.
func (b *Bus) lookupAgent(ctx context.Context, tenantID, agentID string) (*contracts.AgentInfo, error) {
	var info *contracts.AgentInfo
	err := b.regBrk.Do(ctx, func(ctx context.Context) error {
		var lookupErr error
		info, lookupErr = b.registry.Get(ctx, tenantID, agentID)
		return lookupErr
	})
	return info, err
}

// Metrics exposes the SIEM counters plus pipeline gauges.
func (b *Bus) Metrics() map[string]any {
	sm := b.shipper.Snapshot()
	return map[string]any{
		"siem":                 sm,
		"audit_records":        b.store.Size(),
		"audit_dropped":        b.emitter.Dropped(),
		"deliberation_queue":   b.delib.Len(),
		"impact_threshold":     b.router.Threshold(),
		"recovery_pending":     b.recovery.Pending(),
		"recovery_escalated":   len(b.recovery.Escalated()),
		"breaker_policy":       b.opaBrk.State(),
		"breaker_registry":     b.regBrk.State(),
	}
}

// AuditStore exposes the chained store for verification.
func (b *Bus) AuditStore() *audit.Store { return b.store }

// Router exposes the adaptive router for feedback wiring.
func (b *Bus) Router() *routing.AdaptiveRouter { return b.router }

func (b *Bus) requireStarted() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return contracts.NewBusError(contracts.KindValidation, contracts.ErrBusNotStarted, "call Start first")
	}
	return nil
}

func (b *Bus) requireAccepting() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started || !b.accepting {
		return contracts.NewBusError(contracts.KindValidation, contracts.ErrBusNotStarted, "bus is not accepting messages")
	}
	return nil
}

func (b *Bus) trackInflight(msg *contracts.Message) {
	b.inflightWG.Add(1)
	b.inflightMu.Lock()
	b.inflight[msg.ID] = msg
	b.inflightMu.Unlock()
}

func (b *Bus) untrackInflight(msg *contracts.Message) {
	b.inflightMu.Lock()
	delete(b.inflight, msg.ID)
	b.inflightMu.Unlock()
	b.inflightWG.Done()
}

func subKey(tenantID, agentID string) string { return tenantID + "/" + agentID }
