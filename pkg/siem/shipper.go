package siem

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/acgs2/agentbus/pkg/clock"
	"github.com/acgs2/agentbus/pkg/contracts"
)

// Config wires the shipper.
type Config struct {
	Format Format

	// Fingerprint is the constitutional hash stamped on every logged
	// event. Defaults to the process-wide constant.
	Fingerprint string

	// EndpointURL ships batches over HTTP POST when set.
	EndpointURL string
	// SyslogHost/SyslogPort ship lines over UDP when set.
	SyslogHost string
	SyslogPort int
	// UseTLS requires https endpoints and verified certs. Default on;
	// disable only for lab collectors.
	UseTLS bool

	BatchSize     int
	FlushInterval time.Duration
	QueueCapacity int
	// DropOnOverflow drops the incoming event when the queue is full
	// instead of blocking the producer.
	DropOnOverflow bool
	// ShipRate caps outbound batches per second. Zero means unpaced.
	ShipRate rate.Limit

	EnableAlerting    bool
	AlertThresholds   []Threshold
	AlertCallback     AlertCallback
	CorrelationWindow time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Format:            FormatJSON,
		Fingerprint:       contracts.ExpectedFingerprint,
		UseTLS:            true,
		BatchSize:         100,
		FlushInterval:     5 * time.Second,
		QueueCapacity:     10_000,
		DropOnOverflow:    true,
		EnableAlerting:    true,
		CorrelationWindow: DefaultCorrelationWindow,
	}
}

// Metrics is a point-in-time counter snapshot.
type Metrics struct {
	EventsLogged         uint64 `json:"events_logged"`
	EventsDropped        uint64 `json:"events_dropped"`
	EventsShipped        uint64 `json:"events_shipped"`
	AlertsTriggered      uint64 `json:"alerts_triggered"`
	CorrelationsDetected uint64 `json:"correlations_detected"`
	ShipFailures         uint64 `json:"ship_failures"`
	QueueSize            int    `json:"queue_size"`
}

// Shipper is the fire-and-forget SIEM pipeline. Implements
// contracts.EventSink.
type Shipper struct {
	config    Config
	formatter *Formatter
	alerts    *AlertManager
	corr      *Correlator
	logger    *slog.Logger
	limiter   *rate.Limiter
	client    *http.Client

	queue chan *contracts.SecurityEvent
	wg    sync.WaitGroup

	logged   atomic.Uint64
	dropped  atomic.Uint64
	shipped  atomic.Uint64
	failures atomic.Uint64
}

// NewShipper builds a stopped shipper; call Run to start draining.
func NewShipper(cfg Config, clk clock.Clock) (*Shipper, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 10_000
	}
	if cfg.Fingerprint == "" {
		cfg.Fingerprint = contracts.ExpectedFingerprint
	}
	if cfg.UseTLS && cfg.EndpointURL != "" && !strings.HasPrefix(cfg.EndpointURL, "https://") {
		return nil, fmt.Errorf("siem: TLS required but endpoint %q is not https", cfg.EndpointURL)
	}

	s := &Shipper{
		config:    cfg,
		formatter: NewFormatter(cfg.Format),
		corr:      NewCorrelator(cfg.CorrelationWindow, clk),
		logger:    slog.Default().With("component", "siem"),
		queue:     make(chan *contracts.SecurityEvent, cfg.QueueCapacity),
		client: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
	}
	if cfg.EnableAlerting {
		s.alerts = NewAlertManager(cfg.AlertThresholds, cfg.AlertCallback, clk)
	}
	if cfg.ShipRate > 0 {
		s.limiter = rate.NewLimiter(cfg.ShipRate, 1)
	}
	return s, nil
}

// LogEvent implements contracts.EventSink. With DropOnOverflow a full
// queue drops the event and counts it; without it the producer blocks
// until the worker makes room, so no event is ever lost.
func (s *Shipper) LogEvent(event *contracts.SecurityEvent) {
	if event == nil {
		return
	}
	event.Fingerprint = s.config.Fingerprint
	if s.config.DropOnOverflow {
		select {
		case s.queue <- event:
			s.logged.Add(1)
		default:
			s.dropped.Add(1)
		}
		return
	}
	s.queue <- event
	s.logged.Add(1)
}

// Run drains the queue until ctx is done, then flushes what remains.
func (s *Shipper) Run(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]string, 0, s.config.BatchSize)
	for {
		select {
		case <-ctx.Done():
			s.drainRemaining(&batch)
			return
		case event := <-s.queue:
			batch = append(batch, s.process(event))
			if len(batch) >= s.config.BatchSize {
				s.ship(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.ship(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

// Wait blocks until the worker exits.
func (s *Shipper) Wait() { s.wg.Wait() }

// process runs alerting and correlation, then formats the line.
func (s *Shipper) process(event *contracts.SecurityEvent) string {
	correlationID := event.CorrelationID
	if id := s.corr.Add(event); id != "" {
		correlationID = id
		event.CorrelationID = id
	}
	if s.alerts != nil {
		if level := s.alerts.Process(event); level != AlertNone {
			s.logger.Warn("security alert",
				"level", level.String(),
				"event_type", string(event.EventType),
				"tenant", event.TenantID)
		}
	}
	return s.formatter.Format(event, correlationID)
}

func (s *Shipper) drainRemaining(batch *[]string) {
	for {
		select {
		case event := <-s.queue:
			*batch = append(*batch, s.process(event))
		default:
			if len(*batch) > 0 {
				s.ship(context.Background(), *batch)
				*batch = (*batch)[:0]
			}
			return
		}
	}
}

func (s *Shipper) ship(ctx context.Context, batch []string) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			s.failures.Add(1)
			return
		}
	}

	var err error
	switch {
	case s.config.EndpointURL != "":
		err = s.shipHTTP(ctx, batch)
	case s.config.SyslogHost != "":
		err = s.shipSyslog(batch)
	default:
		// No destination configured; formatted lines go to the log.
		for _, line := range batch {
			s.logger.Info("siem event", "line", line)
		}
	}
	if err != nil {
		s.failures.Add(1)
		s.logger.Warn("siem shipping failed", "batch_size", len(batch), "error", err)
		return
	}
	s.shipped.Add(uint64(len(batch)))
}

func (s *Shipper) shipHTTP(ctx context.Context, batch []string) error {
	body := strings.Join(batch, "\n")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.EndpointURL, bytes.NewReader([]byte(body)))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if s.config.Format == FormatJSON {
		req.Header.Set("Content-Type", "application/x-ndjson")
	} else {
		req.Header.Set("Content-Type", "text/plain")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("collector returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (s *Shipper) shipSyslog(batch []string) error {
	addr := fmt.Sprintf("%s:%d", s.config.SyslogHost, s.config.SyslogPort)
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return fmt.Errorf("dial syslog: %w", err)
	}
	defer conn.Close()
	for _, line := range batch {
		if _, err := conn.Write([]byte(line)); err != nil {
			return fmt.Errorf("write syslog: %w", err)
		}
	}
	return nil
}

// Snapshot returns current counters.
func (s *Shipper) Snapshot() Metrics {
	m := Metrics{
		EventsLogged:         s.logged.Load(),
		EventsDropped:        s.dropped.Load(),
		EventsShipped:        s.shipped.Load(),
		CorrelationsDetected: s.corr.Detected(),
		ShipFailures:         s.failures.Load(),
		QueueSize:            len(s.queue),
	}
	if s.alerts != nil {
		m.AlertsTriggered = s.alerts.Triggered()
	}
	return m
}
