// Package config loads bus configuration from a YAML file overlaid by
// environment variables. Environment always wins so deployments can
// patch a checked-in profile without editing it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/acgs2/agentbus/pkg/contracts"
	"github.com/acgs2/agentbus/pkg/siem"
)

// Duration unmarshals YAML duration strings like "250ms" or "2s".
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config holds every recognized option.
type Config struct {
	// FingerprintExpected is the constitutional hash every governed
	// artifact must carry. Required.
	FingerprintExpected string `yaml:"fingerprint_expected"`
	// FailClosed makes handler and policy failures deny.
	FailClosed bool `yaml:"fail_closed"`

	ImpactThresholdInitial float64 `yaml:"impact_threshold_initial"`
	ImpactThresholdMin     float64 `yaml:"impact_threshold_min"`
	ImpactThresholdMax     float64 `yaml:"impact_threshold_max"`

	DeliberationQueueCapacity int      `yaml:"deliberation_queue_capacity"`
	DeliberationWorkers       int      `yaml:"deliberation_workers"`
	HandlerDeadline           Duration `yaml:"handler_deadline"`
	MessageDeadline           Duration `yaml:"message_deadline"`
	ShutdownDeadline          Duration `yaml:"shutdown_deadline"`

	BreakerFailureThreshold int      `yaml:"breaker_failure_threshold"`
	BreakerCooldown         Duration `yaml:"breaker_cooldown"`
	BreakerProbeCount       int      `yaml:"breaker_probe_count"`

	SIEMQueueCapacity  int      `yaml:"siem_queue_capacity"`
	SIEMDropOnOverflow bool     `yaml:"siem_drop_on_overflow"`
	SIEMFormat         string   `yaml:"siem_format"`
	SIEMBatchSize      int      `yaml:"siem_batch_size"`
	SIEMFlushInterval  Duration `yaml:"siem_flush_interval"`
	SIEMEndpointURL    string   `yaml:"siem_endpoint_url"`
	SIEMSyslogHost     string   `yaml:"siem_syslog_host"`
	SIEMSyslogPort     int      `yaml:"siem_syslog_port"`
	SIEMUseTLS         bool     `yaml:"siem_use_tls"`

	CacheAuthzTTL         Duration `yaml:"cache_authz_ttl"`
	CachePolicyVersionTTL Duration `yaml:"cache_policy_version_ttl"`

	AgentEvictionAfter Duration `yaml:"agent_eviction_after"`

	AlertThresholds []AlertThreshold `yaml:"alert_thresholds"`

	OPAURL       string   `yaml:"opa_url"`
	PolicyBudget Duration `yaml:"policy_budget"`
	ScorerURL    string   `yaml:"scorer_url"`
	ScorerBudget Duration `yaml:"scorer_budget"`

	RedisAddr   string `yaml:"redis_addr"`
	ArchiveDSN  string `yaml:"archive_dsn"`
	ArchivePath string `yaml:"archive_path"`

	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`

	LogLevel string `yaml:"log_level"`
}

// AlertThreshold is the YAML shape of one alert rule.
type AlertThreshold struct {
	EventType string   `yaml:"event_type"`
	Count     int      `yaml:"count"`
	Window    Duration `yaml:"window"`
	Level     string   `yaml:"level"`
	Cooldown  Duration `yaml:"cooldown"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		FingerprintExpected:       contracts.ExpectedFingerprint,
		FailClosed:                true,
		ImpactThresholdInitial:    0.8,
		ImpactThresholdMin:        0.5,
		ImpactThresholdMax:        0.95,
		DeliberationQueueCapacity: 10_000,
		DeliberationWorkers:       8,
		HandlerDeadline:           Duration(time.Second),
		MessageDeadline:           Duration(5 * time.Second),
		ShutdownDeadline:          Duration(10 * time.Second),
		BreakerFailureThreshold:   5,
		BreakerCooldown:           Duration(30 * time.Second),
		BreakerProbeCount:         3,
		SIEMQueueCapacity:         10_000,
		SIEMDropOnOverflow:        true,
		SIEMFormat:                "json",
		SIEMBatchSize:             100,
		SIEMFlushInterval:         Duration(5 * time.Second),
		SIEMSyslogPort:            514,
		SIEMUseTLS:                true,
		CacheAuthzTTL:             Duration(15 * time.Minute),
		CachePolicyVersionTTL:     Duration(time.Hour),
		AgentEvictionAfter:        Duration(90 * time.Second),
		PolicyBudget:              Duration(200 * time.Millisecond),
		ScorerBudget:              Duration(10 * time.Millisecond),
		LogLevel:                  "INFO",
	}
}

// Load reads the YAML profile at path (empty path skips the file),
// applies environment overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	float := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	millis := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = Duration(time.Duration(n) * time.Millisecond)
			}
		}
	}
	seconds := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = Duration(time.Duration(n) * time.Second)
			}
		}
	}

	str("ACGS2_FINGERPRINT_EXPECTED", &c.FingerprintExpected)
	boolean("ACGS2_FAIL_CLOSED", &c.FailClosed)
	float("ACGS2_IMPACT_THRESHOLD_INITIAL", &c.ImpactThresholdInitial)
	float("ACGS2_IMPACT_THRESHOLD_MIN", &c.ImpactThresholdMin)
	float("ACGS2_IMPACT_THRESHOLD_MAX", &c.ImpactThresholdMax)
	integer("ACGS2_DELIBERATION_QUEUE_CAPACITY", &c.DeliberationQueueCapacity)
	integer("ACGS2_DELIBERATION_WORKERS", &c.DeliberationWorkers)
	millis("ACGS2_HANDLER_DEADLINE_MS", &c.HandlerDeadline)
	millis("ACGS2_MESSAGE_DEADLINE_MS", &c.MessageDeadline)
	millis("ACGS2_SHUTDOWN_DEADLINE_MS", &c.ShutdownDeadline)
	integer("ACGS2_BREAKER_FAILURE_THRESHOLD", &c.BreakerFailureThreshold)
	millis("ACGS2_BREAKER_COOLDOWN_MS", &c.BreakerCooldown)
	integer("ACGS2_BREAKER_PROBE_COUNT", &c.BreakerProbeCount)
	integer("ACGS2_SIEM_QUEUE_CAPACITY", &c.SIEMQueueCapacity)
	boolean("ACGS2_SIEM_DROP_ON_OVERFLOW", &c.SIEMDropOnOverflow)
	str("ACGS2_SIEM_FORMAT", &c.SIEMFormat)
	integer("ACGS2_SIEM_BATCH_SIZE", &c.SIEMBatchSize)
	millis("ACGS2_SIEM_FLUSH_MS", &c.SIEMFlushInterval)
	str("ACGS2_SIEM_ENDPOINT_URL", &c.SIEMEndpointURL)
	str("ACGS2_SIEM_SYSLOG_HOST", &c.SIEMSyslogHost)
	integer("ACGS2_SIEM_SYSLOG_PORT", &c.SIEMSyslogPort)
	boolean("ACGS2_SIEM_USE_TLS", &c.SIEMUseTLS)
	seconds("ACGS2_CACHE_AUTHZ_TTL_S", &c.CacheAuthzTTL)
	seconds("ACGS2_CACHE_POLICY_VERSION_TTL_S", &c.CachePolicyVersionTTL)
	millis("ACGS2_AGENT_EVICTION_AFTER_MS", &c.AgentEvictionAfter)
	str("ACGS2_OPA_URL", &c.OPAURL)
	millis("ACGS2_POLICY_BUDGET_MS", &c.PolicyBudget)
	str("ACGS2_SCORER_URL", &c.ScorerURL)
	millis("ACGS2_SCORER_BUDGET_MS", &c.ScorerBudget)
	str("ACGS2_REDIS_ADDR", &c.RedisAddr)
	str("ACGS2_ARCHIVE_DSN", &c.ArchiveDSN)
	str("ACGS2_ARCHIVE_PATH", &c.ArchivePath)
	str("ACGS2_JWT_SECRET", &c.JWTSecret)
	str("ACGS2_JWT_ISSUER", &c.JWTIssuer)
	str("ACGS2_LOG_LEVEL", &c.LogLevel)
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if len(c.FingerprintExpected) != 16 {
		return fmt.Errorf("config: fingerprint_expected must be 16 hex characters, got %q", c.FingerprintExpected)
	}
	if c.ImpactThresholdMin > c.ImpactThresholdMax {
		return fmt.Errorf("config: impact threshold bounds inverted: %v > %v",
			c.ImpactThresholdMin, c.ImpactThresholdMax)
	}
	if c.ImpactThresholdInitial < c.ImpactThresholdMin || c.ImpactThresholdInitial > c.ImpactThresholdMax {
		return fmt.Errorf("config: initial threshold %v outside bounds [%v, %v]",
			c.ImpactThresholdInitial, c.ImpactThresholdMin, c.ImpactThresholdMax)
	}
	switch strings.ToLower(c.SIEMFormat) {
	case "json", "cef", "leef", "syslog":
	default:
		return fmt.Errorf("config: unknown siem_format %q", c.SIEMFormat)
	}
	if c.DeliberationQueueCapacity <= 0 {
		return fmt.Errorf("config: deliberation_queue_capacity must be positive")
	}
	return nil
}

// SIEMConfig translates the flat options into the shipper's config.
func (c *Config) SIEMConfig() siem.Config {
	sc := siem.DefaultConfig()
	sc.Fingerprint = c.FingerprintExpected
	sc.Format = siem.Format(strings.ToLower(c.SIEMFormat))
	sc.EndpointURL = c.SIEMEndpointURL
	sc.SyslogHost = c.SIEMSyslogHost
	sc.SyslogPort = c.SIEMSyslogPort
	sc.UseTLS = c.SIEMUseTLS
	sc.BatchSize = c.SIEMBatchSize
	sc.FlushInterval = c.SIEMFlushInterval.Std()
	sc.QueueCapacity = c.SIEMQueueCapacity
	sc.DropOnOverflow = c.SIEMDropOnOverflow
	sc.CorrelationWindow = 5 * time.Minute
	sc.AlertThresholds = c.alertThresholds()
	return sc
}

func (c *Config) alertThresholds() []siem.Threshold {
	if len(c.AlertThresholds) == 0 {
		return nil // shipper applies the defaults
	}
	levels := map[string]siem.AlertLevel{
		"NOTIFY":   siem.AlertNotify,
		"ESCALATE": siem.AlertEscalate,
		"PAGE":     siem.AlertPage,
		"CRITICAL": siem.AlertCritical,
	}
	out := make([]siem.Threshold, 0, len(c.AlertThresholds))
	for _, t := range c.AlertThresholds {
		out = append(out, siem.Threshold{
			EventType:      contracts.SecurityEventType(t.EventType),
			CountThreshold: t.Count,
			Window:         t.Window.Std(),
			Level:          levels[strings.ToUpper(t.Level)],
			Cooldown:       t.Cooldown.Std(),
		})
	}
	return out
}
