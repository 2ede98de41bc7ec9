// Package siem ships security events to external collectors. Events
// enter through a fire-and-forget queue, pass the alert manager and
// the attack correlator, and leave in JSON, CEF, LEEF or RFC 5424
// syslog framing.
package siem

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/acgs2/agentbus/pkg/contracts"
)

// Format selects the wire encoding.
type Format string

const (
	FormatJSON   Format = "json"
	FormatCEF    Format = "cef"   // ArcSight and friends
	FormatLEEF   Format = "leef"  // QRadar
	FormatSyslog Format = "syslog" // RFC 5424
)

// Vendor identity carried in every framed event.
const (
	Vendor  = "ACGS-2"
	Product = "EnhancedAgentBus"
	Version = "2.4.0"
)

// CEF severity scale (0-10).
var cefSeverity = map[contracts.Severity]int{
	contracts.SeverityDebug:    0,
	contracts.SeverityInfo:     1,
	contracts.SeverityWarning:  4,
	contracts.SeverityHigh:     7,
	contracts.SeverityCritical: 10,
}

// RFC 5424 severity codes.
var syslogSeverity = map[contracts.Severity]int{
	contracts.SeverityDebug:    7,
	contracts.SeverityInfo:     6,
	contracts.SeverityWarning:  4,
	contracts.SeverityHigh:     3,
	contracts.SeverityCritical: 2,
}

const syslogFacility = 3 // daemon

// Formatter renders security events in one SIEM format.
type Formatter struct {
	format   Format
	hostname string
}

// NewFormatter creates a formatter. Unknown formats fall back to JSON.
func NewFormatter(format Format) *Formatter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return &Formatter{format: format, hostname: hostname}
}

// Format renders one event. correlationID may be empty.
func (f *Formatter) Format(event *contracts.SecurityEvent, correlationID string) string {
	switch f.format {
	case FormatCEF:
		return f.formatCEF(event, correlationID)
	case FormatLEEF:
		return f.formatLEEF(event, correlationID)
	case FormatSyslog:
		return f.formatSyslog(event, correlationID)
	default:
		return f.formatJSON(event, correlationID)
	}
}

func (f *Formatter) formatJSON(event *contracts.SecurityEvent, correlationID string) string {
	payload := map[string]any{
		"id":                  event.ID,
		"event_type":          string(event.EventType),
		"severity":            string(event.Severity),
		"message":             event.Message,
		"source":              event.Source,
		"constitutional_hash": event.Fingerprint,
		"timestamp":           event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z07:00"),
		"_siem": map[string]string{
			"vendor":   Vendor,
			"product":  Product,
			"version":  Version,
			"hostname": f.hostname,
			"format":   "json",
		},
	}
	if event.TenantID != "" {
		payload["tenant_id"] = event.TenantID
	}
	if event.AgentID != "" {
		payload["agent_id"] = event.AgentID
	}
	if len(event.Metadata) > 0 {
		payload["metadata"] = event.Metadata
	}
	if correlationID != "" {
		payload["correlation_id"] = correlationID
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(`{"id":%q,"error":"marshal failed"}`, event.ID)
	}
	return string(out)
}

func (f *Formatter) formatCEF(event *contracts.SecurityEvent, correlationID string) string {
	severity := cefSeverity[event.Severity]
	extensions := []string{
		"msg=" + escapeCEF(event.Message),
		"src=" + f.hostname,
		fmt.Sprintf("rt=%d", event.Timestamp.UnixMilli()),
		"cat=" + string(event.EventType),
	}
	if event.TenantID != "" {
		extensions = append(extensions, "cs1="+event.TenantID, "cs1Label=TenantID")
	}
	if event.AgentID != "" {
		extensions = append(extensions, "cs2="+event.AgentID, "cs2Label=AgentID")
	}
	if correlationID != "" {
		extensions = append(extensions, "cs3="+correlationID, "cs3Label=CorrelationID")
	}
	extensions = append(extensions, "cs4="+event.Fingerprint, "cs4Label=ConstitutionalHash")

	// cs5 and cs6 carry metadata; CEF stops at cs6.
	keys := make([]string, 0, len(event.Metadata))
	for k := range event.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		slot := 5 + i
		if slot > 6 {
			break
		}
		extensions = append(extensions,
			fmt.Sprintf("cs%d=%s", slot, escapeCEF(fmt.Sprint(event.Metadata[k]))),
			fmt.Sprintf("cs%dLabel=%s", slot, k))
	}

	return fmt.Sprintf("CEF:0|%s|%s|%s|%s|Security Event: %s|%d|%s",
		Vendor, Product, Version,
		string(event.EventType), string(event.EventType),
		severity, strings.Join(extensions, " "))
}

func (f *Formatter) formatLEEF(event *contracts.SecurityEvent, correlationID string) string {
	severity := cefSeverity[event.Severity]
	attrs := []string{
		"devTime=" + event.Timestamp.UTC().Format("Jan 02 2006 15:04:05"),
		"cat=" + string(event.EventType),
		fmt.Sprintf("sev=%d", severity),
		"msg=" + event.Message,
		"src=" + f.hostname,
	}
	if event.TenantID != "" {
		attrs = append(attrs, "tenantId="+event.TenantID)
	}
	if event.AgentID != "" {
		attrs = append(attrs, "agentId="+event.AgentID)
	}
	if correlationID != "" {
		attrs = append(attrs, "correlationId="+correlationID)
	}
	attrs = append(attrs, "constitutionalHash="+event.Fingerprint)

	return fmt.Sprintf("LEEF:2.0|%s|%s|%s|%s|%s",
		Vendor, Product, Version, string(event.EventType), strings.Join(attrs, "\t"))
}

func (f *Formatter) formatSyslog(event *contracts.SecurityEvent, correlationID string) string {
	severity, ok := syslogSeverity[event.Severity]
	if !ok {
		severity = 4
	}
	priority := syslogFacility*8 + severity
	timestamp := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")

	params := []string{
		fmt.Sprintf("severity=%q", string(event.Severity)),
		fmt.Sprintf("constitutionalHash=%q", event.Fingerprint),
	}
	if event.TenantID != "" {
		params = append(params, fmt.Sprintf("tenantId=%q", event.TenantID))
	}
	if event.AgentID != "" {
		params = append(params, fmt.Sprintf("agentId=%q", event.AgentID))
	}
	if correlationID != "" {
		params = append(params, fmt.Sprintf("correlationId=%q", correlationID))
	}
	structuredData := fmt.Sprintf("[acgs2@12345 %s]", strings.Join(params, " "))

	return fmt.Sprintf("<%d>1 %s %s %s - %s %s %s",
		priority, timestamp, f.hostname, Product,
		string(event.EventType), structuredData, event.Message)
}

func escapeCEF(value string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		"|", `\|`,
		"=", `\=`,
		"\n", `\n`,
		"\r", `\r`,
	)
	return r.Replace(value)
}
