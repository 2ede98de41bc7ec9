package recovery

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/acgs2/agentbus/pkg/contracts"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []*contracts.SecurityEvent
}

func (r *eventRecorder) LogEvent(ev *contracts.SecurityEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) critical() []*contracts.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*contracts.SecurityEvent
	for _, ev := range r.events {
		if ev.Severity == contracts.SeverityCritical {
			out = append(out, ev)
		}
	}
	return out
}

func TestClassify(t *testing.T) {
	cases := map[contracts.FailureKind]contracts.RecoveryStrategy{
		contracts.FailureConstitutional:   contracts.StrategyManual,
		contracts.FailureReviewDeadlock:   contracts.StrategyManual,
		contracts.FailureDelivery:         contracts.StrategyExponentialBackoff,
		contracts.FailureOPAConnectivity:  contracts.StrategyExponentialBackoff,
		contracts.FailureMessageTimeout:   contracts.StrategyLinearBackoff,
		contracts.FailureDeliberationSlow: contracts.StrategyLinearBackoff,
		contracts.FailureValidation:       contracts.StrategyImmediate,
		contracts.FailureAgentNotFound:    contracts.StrategyImmediate,
	}
	for kind, want := range cases {
		if got := Classify(kind); got != want {
			t.Errorf("Classify(%s) = %s, want %s", kind, got, want)
		}
	}
	// Unknown kinds never get a guessed retry loop.
	if got := Classify(contracts.FailureKind("made_up")); got != contracts.StrategyManual {
		t.Errorf("unknown kind classified as %s, want MANUAL", got)
	}
}

func TestManualFailureEscalatesImmediately(t *testing.T) {
	sink := &eventRecorder{}
	o := NewOrchestrator(nil, sink)

	task := o.Submit(contracts.FailureConstitutional, contracts.PriorityCritical,
		map[string]any{"message_id": "m1"}, "corr-1")

	if task.State != contracts.TaskEscalated {
		t.Fatalf("state = %v, want ESCALATED", task.State)
	}
	if o.Pending() != 0 {
		t.Fatal("manual task should not enter the retry queue")
	}
	if len(o.Escalated()) != 1 {
		t.Fatal("task not parked for manual handling")
	}
	crit := sink.critical()
	if len(crit) != 1 || crit[0].EventType != contracts.EventRecoveryEscalated {
		t.Fatalf("critical events = %v", crit)
	}
	if crit[0].CorrelationID != "corr-1" {
		t.Fatal("correlation chain lost on escalation")
	}
}

func TestRetrySucceeds(t *testing.T) {
	o := NewOrchestrator(nil, nil)
	done := make(chan *contracts.RecoveryTask, 1)
	o.Handle(contracts.FailureAgentNotFound, func(ctx context.Context, task *contracts.RecoveryTask) error {
		done <- task
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	o.Submit(contracts.FailureAgentNotFound, contracts.PriorityNormal, nil, "corr-2")

	select {
	case task := <-done:
		if task.Attempts != 1 {
			t.Fatalf("attempts = %d, want 1", task.Attempts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry never ran")
	}
}

func TestExhaustedRetriesEscalate(t *testing.T) {
	sink := &eventRecorder{}
	o := NewOrchestrator(nil, sink)
	o.Handle(contracts.FailureValidation, func(ctx context.Context, task *contracts.RecoveryTask) error {
		return errors.New("still broken")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	// IMMEDIATE allows a single attempt before escalation.
	o.Submit(contracts.FailureValidation, contracts.PriorityHigh, nil, "corr-3")

	deadline := time.After(2 * time.Second)
	for {
		if len(o.Escalated()) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("task never escalated")
		case <-time.After(10 * time.Millisecond):
		}
	}
	crit := sink.critical()
	if len(crit) != 1 {
		t.Fatalf("critical events = %d, want 1", len(crit))
	}
}

func TestMissingHandlerEscalates(t *testing.T) {
	sink := &eventRecorder{}
	o := NewOrchestrator(nil, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	o.Submit(contracts.FailureValidation, contracts.PriorityNormal, nil, "")

	deadline := time.After(2 * time.Second)
	for len(o.Escalated()) == 0 {
		select {
		case <-deadline:
			t.Fatal("unhandled task never escalated")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHeapOrdering(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	mk := func(id string, at time.Time, sev contracts.Priority) *contracts.RecoveryTask {
		return &contracts.RecoveryTask{ID: id, NextAttemptAt: at, Severity: sev}
	}

	var h taskHeap
	heap.Push(&h, mk("late", now.Add(time.Minute), contracts.PriorityCritical))
	heap.Push(&h, mk("early-low", now, contracts.PriorityLow))
	heap.Push(&h, mk("early-critical", now, contracts.PriorityCritical))
	heap.Push(&h, mk("mid", now.Add(time.Second), contracts.PriorityNormal))

	want := []string{"early-critical", "early-low", "mid", "late"}
	for _, id := range want {
		task := heap.Pop(&h).(*contracts.RecoveryTask)
		if task.ID != id {
			t.Fatalf("pop order: got %s, want %s", task.ID, id)
		}
	}
}
