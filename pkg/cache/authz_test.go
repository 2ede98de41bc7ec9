package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/acgs2/agentbus/pkg/clock"
	"github.com/acgs2/agentbus/pkg/contracts"
)

func allowDecision(policyID string) *contracts.PolicyDecision {
	return &contracts.PolicyDecision{Allowed: true, PolicyID: policyID, PolicyVersion: "1.0.0"}
}

func TestGetOrEvaluateCachesHit(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	c := NewAuthzCache(time.Minute, clk)

	var calls int32
	eval := func(ctx context.Context) (*contracts.PolicyDecision, error) {
		atomic.AddInt32(&calls, 1)
		return allowDecision("p"), nil
	}
	input := map[string]any{"action": "deploy"}

	for i := 0; i < 3; i++ {
		d, err := c.GetOrEvaluate(context.Background(), "admin", "p", input, eval)
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed {
			t.Fatal("decision lost in cache")
		}
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("eval called %d times, want 1", n)
	}
}

func TestGetOrEvaluateTTLExpiry(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	c := NewAuthzCache(time.Minute, clk)

	var calls int32
	eval := func(ctx context.Context) (*contracts.PolicyDecision, error) {
		atomic.AddInt32(&calls, 1)
		return allowDecision("p"), nil
	}
	input := map[string]any{"action": "deploy"}

	if _, err := c.GetOrEvaluate(context.Background(), "admin", "p", input, eval); err != nil {
		t.Fatal(err)
	}
	clk.Advance(61 * time.Second)
	if _, err := c.GetOrEvaluate(context.Background(), "admin", "p", input, eval); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("eval called %d times after expiry, want 2", n)
	}
}

func TestGetOrEvaluateSingleFlight(t *testing.T) {
	c := NewAuthzCache(time.Minute, clock.System())

	var calls int32
	release := make(chan struct{})
	eval := func(ctx context.Context) (*contracts.PolicyDecision, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return allowDecision("p"), nil
	}
	input := map[string]any{"action": "deploy"}

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := c.GetOrEvaluate(context.Background(), "admin", "p", input, eval)
			if err != nil {
				t.Error(err)
				return
			}
			if !d.Allowed {
				t.Error("wrong decision")
			}
		}()
	}
	// Give the goroutines time to pile onto the flight, then release.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("eval called %d times across %d concurrent callers, want 1", n, workers)
	}
}

func TestErrorsAreNotCached(t *testing.T) {
	c := NewAuthzCache(time.Minute, clock.System())

	var calls int32
	eval := func(ctx context.Context) (*contracts.PolicyDecision, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("backend down")
		}
		return allowDecision("p"), nil
	}
	input := map[string]any{"action": "deploy"}

	if _, err := c.GetOrEvaluate(context.Background(), "admin", "p", input, eval); err == nil {
		t.Fatal("first call should fail")
	}
	d, err := c.GetOrEvaluate(context.Background(), "admin", "p", input, eval)
	if err != nil {
		t.Fatalf("second call should retry: %v", err)
	}
	if !d.Allowed {
		t.Fatal("retry decision lost")
	}
}

func TestKeyStableUnderInputOrdering(t *testing.T) {
	c := NewAuthzCache(time.Minute, clock.System())
	k1, err := c.Key("admin", "p", map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatal(err)
	}
	k2, err := c.Key("admin", "p", map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if k1 != k2 {
		t.Fatalf("keys differ for identical input: %s vs %s", k1, k2)
	}
}

func TestInvalidatePolicy(t *testing.T) {
	c := NewAuthzCache(time.Minute, clock.System())
	eval := func(ctx context.Context) (*contracts.PolicyDecision, error) {
		return allowDecision("p1"), nil
	}
	in := map[string]any{"action": "x"}
	if _, err := c.GetOrEvaluate(context.Background(), "admin", "p1", in, eval); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetOrEvaluate(context.Background(), "admin", "p2", in, eval); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}

	c.InvalidatePolicy("p1")
	if c.Len() != 1 {
		t.Fatalf("Len after InvalidatePolicy = %d, want 1", c.Len())
	}

	c.Invalidate("")
	if c.Len() != 0 {
		t.Fatalf("Len after full invalidate = %d, want 0", c.Len())
	}
}
