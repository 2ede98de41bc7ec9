package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/acgs2/agentbus/pkg/contracts"
)

// Handler processes one message and contributes to the merged
// validation result. Handlers must observe ctx cancellation and leave
// no partial side effects behind when cancelled.
type Handler interface {
	Handle(ctx context.Context, msg *contracts.Message) (contracts.ValidationResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *contracts.Message) (contracts.ValidationResult, error)

func (f HandlerFunc) Handle(ctx context.Context, msg *contracts.Message) (contracts.ValidationResult, error) {
	return f(ctx, msg)
}

// handlerRegistry holds handlers per message type.
type handlerRegistry struct {
	mu       sync.RWMutex
	handlers map[contracts.MessageType][]Handler
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{handlers: make(map[contracts.MessageType][]Handler)}
}

func (r *handlerRegistry) register(mt contracts.MessageType, h Handler) {
	r.mu.Lock()
	r.handlers[mt] = append(r.handlers[mt], h)
	r.mu.Unlock()
}

func (r *handlerRegistry) forType(mt contracts.MessageType) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[mt]
}

// executionPolicy is the slice of configuration handler execution
// needs: whether a handler failure invalidates the run and how long
// one handler may take.
type executionPolicy interface {
	FailClosed() bool
	HandlerDeadline() time.Duration
}

// runHandlers executes the type's handlers sequentially, merging each
// result into the running one. With fail-closed on, the first handler
// error aborts the remainder and invalidates the result; otherwise
// errors land in the details and execution continues.
func runHandlers(ctx context.Context, policy executionPolicy, handlers []Handler, msg *contracts.Message) (contracts.ValidationResult, error) {
	merged := contracts.OK()
	for i, h := range handlers {
		select {
		case <-ctx.Done():
			return merged, contracts.NewBusError(
				contracts.KindResource,
				contracts.ErrMessageTimeout,
				"cancelled before handler execution completed",
			)
		default:
		}

		result, err := runOneHandler(ctx, policy.HandlerDeadline(), h, msg)
		if err != nil {
			if policy.FailClosed() {
				merged.AddError(fmt.Sprintf("handler %d failed: %v", i, err))
				return merged, err
			}
			if merged.Details == nil {
				merged.Details = map[string]any{}
			}
			merged.Details[fmt.Sprintf("handler_%d_error", i)] = err.Error()
			continue
		}
		merged = merged.Merge(result)
	}
	return merged, nil
}

// runOneHandler applies the per-handler deadline. A breach counts as a
// handler error, not a message timeout.
func runOneHandler(ctx context.Context, deadline time.Duration, h Handler, msg *contracts.Message) (contracts.ValidationResult, error) {
	hctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	type handlerOut struct {
		result contracts.ValidationResult
		err    error
	}
	done := make(chan handlerOut, 1)
	go func() {
		result, err := h.Handle(hctx, msg)
		done <- handlerOut{result, err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-hctx.Done():
		return contracts.ValidationResult{}, fmt.Errorf("handler deadline exceeded after %s", deadline)
	}
}
