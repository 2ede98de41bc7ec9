package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/acgs2/agentbus/pkg/contracts"
)

const (
	// DefaultRingCapacity bounds records awaiting anchoring.
	DefaultRingCapacity = 100_000
	// DefaultBatchSize flushes when this many records accumulate.
	DefaultBatchSize = 256
	// DefaultFlushInterval flushes a partial batch on a timer.
	DefaultFlushInterval = time.Second
)

// Emitter accepts records without blocking the processor. A worker
// drains the ring in batches toward the anchor; when the anchor stalls
// the ring absorbs up to its capacity, then drops oldest.
type Emitter struct {
	store         *Store
	anchor        Anchor
	events        contracts.EventSink
	logger        *slog.Logger
	fingerprint   string
	anchorTimeout time.Duration
	batchSize     int
	flushInterval time.Duration

	mu       sync.Mutex
	ring     []*contracts.AuditRecord
	capacity int
	dropped  uint64

	wake chan struct{}
	wg   sync.WaitGroup
}

// EmitterOption configures the emitter.
type EmitterOption func(*Emitter)

// WithRingCapacity overrides the ring bound.
func WithRingCapacity(n int) EmitterOption {
	return func(e *Emitter) {
		if n > 0 {
			e.capacity = n
		}
	}
}

// WithBatchSize overrides the flush batch size.
func WithBatchSize(n int) EmitterOption {
	return func(e *Emitter) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithFlushInterval overrides the timer flush.
func WithFlushInterval(d time.Duration) EmitterOption {
	return func(e *Emitter) {
		if d > 0 {
			e.flushInterval = d
		}
	}
}

// WithAnchorTimeout overrides the per-append acknowledgement bound.
func WithAnchorTimeout(d time.Duration) EmitterOption {
	return func(e *Emitter) {
		if d > 0 {
			e.anchorTimeout = d
		}
	}
}

// WithFingerprint sets the constitutional hash stamped on every
// emitted record. Defaults to the process-wide constant.
func WithFingerprint(fp string) EmitterOption {
	return func(e *Emitter) {
		if fp != "" {
			e.fingerprint = fp
		}
	}
}

// NewEmitter wires the store, the anchor and the event sink.
func NewEmitter(store *Store, anchor Anchor, events contracts.EventSink, opts ...EmitterOption) *Emitter {
	if anchor == nil {
		anchor = &MerkleAnchor{}
	}
	if events == nil {
		events = contracts.NopSink{}
	}
	e := &Emitter{
		store:         store,
		anchor:        anchor,
		events:        events,
		logger:        slog.Default().With("component", "audit"),
		fingerprint:   contracts.ExpectedFingerprint,
		anchorTimeout: DefaultAnchorTimeout,
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		capacity:      DefaultRingCapacity,
		wake:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit stamps the record with the configured fingerprint, appends it
// to the store and queues it for anchoring. Never blocks; a full ring
// drops its oldest record and raises a critical event.
func (e *Emitter) Emit(rec *contracts.AuditRecord) (*StoredRecord, error) {
	rec.Fingerprint = e.fingerprint
	stored, err := e.store.Append(rec)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.ring = append(e.ring, rec)
	overflowed := len(e.ring) > e.capacity
	if overflowed {
		dropped := e.ring[0]
		e.ring = e.ring[1:]
		e.dropped++
		e.mu.Unlock()

		ev := contracts.NewSecurityEvent(
			contracts.EventAuditOverflow,
			contracts.SeverityCritical,
			fmt.Sprintf("audit ring full, dropped record %s", dropped.RecordID),
			"audit",
		)
		ev.CorrelationID = dropped.CorrelationID
		e.events.LogEvent(ev)
	} else {
		e.mu.Unlock()
	}

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return stored, nil
}

// Run drains the ring until ctx is done, then performs a final flush.
func (e *Emitter) Run(ctx context.Context) {
	e.wg.Add(1)
	defer e.wg.Done()

	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.Flush(context.Background())
			return
		case <-e.wake:
			if e.pending() >= e.batchSize {
				e.Flush(ctx)
			}
		case <-ticker.C:
			e.Flush(ctx)
		}
	}
}

// Flush ships one batch to the anchor. Unacknowledged batches stay in
// the ring for the next attempt.
func (e *Emitter) Flush(ctx context.Context) {
	e.mu.Lock()
	if len(e.ring) == 0 {
		e.mu.Unlock()
		return
	}
	n := min(len(e.ring), e.batchSize)
	batch := make([]*contracts.AuditRecord, n)
	copy(batch, e.ring[:n])
	e.mu.Unlock()

	anchorCtx, cancel := context.WithTimeout(ctx, e.anchorTimeout)
	receipt, err := e.anchor.Append(anchorCtx, batch)
	cancel()
	if err != nil {
		e.logger.Warn("anchor append failed, batch retained", "batch_size", n, "error", err)
		return
	}

	e.mu.Lock()
	if len(e.ring) >= n {
		e.ring = e.ring[n:]
	} else {
		e.ring = nil
	}
	e.mu.Unlock()
	e.logger.Debug("batch anchored",
		"batch_size", n, "merkle_root", receipt.MerkleRoot, "seq", receipt.Seq)
}

// Drain flushes repeatedly until the ring empties or ctx expires.
func (e *Emitter) Drain(ctx context.Context) {
	for e.pending() > 0 {
		select {
		case <-ctx.Done():
			return
		default:
		}
		before := e.pending()
		e.Flush(ctx)
		if e.pending() >= before {
			return // anchor is down, give up
		}
	}
}

// Dropped reports records lost to ring overflow.
func (e *Emitter) Dropped() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

func (e *Emitter) pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ring)
}
