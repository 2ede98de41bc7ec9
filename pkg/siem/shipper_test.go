package siem

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/acgs2/agentbus/pkg/clock"
	"github.com/acgs2/agentbus/pkg/contracts"
)

func shipperEvent() *contracts.SecurityEvent {
	return contracts.NewSecurityEvent(
		contracts.EventRateLimitExceeded, contracts.SeverityWarning, "test", "test")
}

func TestNewShipperRejectsPlaintextEndpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EndpointURL = "http://collector.internal/ingest"
	if _, err := NewShipper(cfg, nil); err == nil {
		t.Fatal("plaintext endpoint accepted with TLS required")
	}
}

func TestLogEventNeverBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCapacity = 2
	s, err := NewShipper(cfg, clock.NewFake(time.Now()))
	if err != nil {
		t.Fatal(err)
	}

	// No worker is running; the queue fills and overflow drops.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			s.LogEvent(shipperEvent())
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("LogEvent blocked on a full queue")
	}

	m := s.Snapshot()
	if m.EventsLogged != 2 || m.EventsDropped != 3 {
		t.Fatalf("logged = %d, dropped = %d", m.EventsLogged, m.EventsDropped)
	}
	if m.QueueSize != 2 {
		t.Fatalf("queue size = %d", m.QueueSize)
	}
	s.LogEvent(nil) // must be a no-op
}

func TestLogEventBlocksWithoutDropOnOverflow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCapacity = 1
	cfg.DropOnOverflow = false
	s, err := NewShipper(cfg, clock.NewFake(time.Now()))
	if err != nil {
		t.Fatal(err)
	}

	s.LogEvent(shipperEvent()) // fills the queue
	blocked := make(chan struct{})
	go func() {
		s.LogEvent(shipperEvent())
		close(blocked)
	}()

	select {
	case <-blocked:
		t.Fatal("LogEvent dropped or bypassed a full queue with drop disabled")
	case <-time.After(50 * time.Millisecond):
	}

	// A running worker makes room and the producer completes.
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("producer never unblocked")
	}
	cancel()
	s.Wait()

	m := s.Snapshot()
	if m.EventsLogged != 2 || m.EventsDropped != 0 {
		t.Fatalf("logged = %d, dropped = %d", m.EventsLogged, m.EventsDropped)
	}
}

func TestLogEventStampsConfiguredFingerprint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fingerprint = "ffffffffffffffff"
	s, err := NewShipper(cfg, clock.NewFake(time.Now()))
	if err != nil {
		t.Fatal(err)
	}

	ev := shipperEvent()
	s.LogEvent(ev)
	if ev.Fingerprint != "ffffffffffffffff" {
		t.Fatalf("event fingerprint = %q", ev.Fingerprint)
	}
}

func TestShipHTTPBatches(t *testing.T) {
	received := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- string(body)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.UseTLS = false
	cfg.EndpointURL = srv.URL
	cfg.BatchSize = 2
	cfg.FlushInterval = time.Hour // batches only flush on size
	s, err := NewShipper(cfg, clock.NewFake(time.Now()))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	s.LogEvent(shipperEvent())
	s.LogEvent(shipperEvent())

	select {
	case body := <-received:
		lines := strings.Split(body, "\n")
		if len(lines) != 2 {
			t.Fatalf("batch carried %d lines", len(lines))
		}
		for _, line := range lines {
			if !strings.Contains(line, "rate_limit_exceeded") {
				t.Fatalf("unexpected line %q", line)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("batch never shipped")
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Snapshot().EventsShipped != 2 {
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	s.Wait()
	if got := s.Snapshot().EventsShipped; got != 2 {
		t.Fatalf("shipped = %d", got)
	}
}

func TestShutdownFlushesPartialBatch(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- string(body)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.UseTLS = false
	cfg.EndpointURL = srv.URL
	cfg.BatchSize = 100
	cfg.FlushInterval = time.Hour
	s, err := NewShipper(cfg, clock.NewFake(time.Now()))
	if err != nil {
		t.Fatal(err)
	}

	s.LogEvent(shipperEvent())
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	s.Wait()

	select {
	case body := <-received:
		if !strings.Contains(body, "rate_limit_exceeded") {
			t.Fatalf("flushed body = %q", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("partial batch lost on shutdown")
	}
}

func TestShipFailureCounted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.UseTLS = false
	cfg.EndpointURL = srv.URL
	cfg.BatchSize = 1
	s, err := NewShipper(cfg, clock.NewFake(time.Now()))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	s.LogEvent(shipperEvent())

	deadline := time.Now().Add(2 * time.Second)
	for s.Snapshot().ShipFailures == 0 {
		if time.Now().After(deadline) {
			t.Fatal("failure never counted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	s.Wait()
	if got := s.Snapshot().EventsShipped; got != 0 {
		t.Fatalf("shipped = %d on a failing collector", got)
	}
}

func TestAttackCorrelationStampsEvents(t *testing.T) {
	received := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		for _, line := range strings.Split(string(body), "\n") {
			received <- line
		}
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.UseTLS = false
	cfg.EndpointURL = srv.URL
	cfg.BatchSize = 1
	cfg.EnableAlerting = false
	s, err := NewShipper(cfg, clock.NewFake(time.Now()))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	for i := 0; i < 3; i++ {
		ev := shipperEvent()
		ev.Severity = contracts.SeverityHigh
		ev.TenantID = "t1"
		s.LogEvent(ev)
	}

	var lines []string
	for len(lines) < 3 {
		select {
		case line := <-received:
			lines = append(lines, line)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of 3 lines", len(lines))
		}
	}
	if !strings.Contains(lines[2], "tenant_attack:t1:") {
		t.Fatalf("third event not stamped with attack correlation:\n%s", lines[2])
	}
	if s.Snapshot().CorrelationsDetected != 1 {
		t.Fatalf("correlations = %d", s.Snapshot().CorrelationsDetected)
	}
}
