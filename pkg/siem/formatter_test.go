package siem

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/acgs2/agentbus/pkg/contracts"
)

func sampleEvent() *contracts.SecurityEvent {
	return &contracts.SecurityEvent{
		ID:          "ev-1",
		EventType:   contracts.EventTenantViolation,
		Severity:    contracts.SeverityHigh,
		Message:     "cross-tenant delivery blocked",
		Source:      "bus",
		TenantID:    "tenant-a",
		AgentID:     "agent-7",
		Fingerprint: contracts.ExpectedFingerprint,
		Timestamp:   time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC),
	}
}

func TestFormatJSON(t *testing.T) {
	f := NewFormatter(FormatJSON)
	line := f.Format(sampleEvent(), "corr-9")

	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		t.Fatalf("not valid JSON: %v\n%s", err, line)
	}
	if payload["event_type"] != "tenant_violation" || payload["severity"] != "high" {
		t.Fatalf("payload = %v", payload)
	}
	if payload["constitutional_hash"] != contracts.ExpectedFingerprint {
		t.Fatal("fingerprint missing from JSON payload")
	}
	if payload["correlation_id"] != "corr-9" {
		t.Fatal("correlation ID missing")
	}
	meta, ok := payload["_siem"].(map[string]any)
	if !ok || meta["vendor"] != Vendor || meta["product"] != Product || meta["version"] != Version {
		t.Fatalf("_siem block = %v", payload["_siem"])
	}
}

func TestFormatCEFHeaderAndSeverity(t *testing.T) {
	f := NewFormatter(FormatCEF)

	for _, tc := range []struct {
		severity contracts.Severity
		want     int
	}{
		{contracts.SeverityDebug, 0},
		{contracts.SeverityInfo, 1},
		{contracts.SeverityWarning, 4},
		{contracts.SeverityHigh, 7},
		{contracts.SeverityCritical, 10},
	} {
		ev := sampleEvent()
		ev.Severity = tc.severity
		line := f.Format(ev, "")
		wantPrefix := fmt.Sprintf("CEF:0|%s|%s|%s|tenant_violation|Security Event: tenant_violation|%d|",
			Vendor, Product, Version, tc.want)
		if !strings.HasPrefix(line, wantPrefix) {
			t.Fatalf("severity %s: line %q lacks prefix %q", tc.severity, line, wantPrefix)
		}
	}
}

func TestFormatCEFExtensions(t *testing.T) {
	f := NewFormatter(FormatCEF)
	ev := sampleEvent()
	ev.Message = "pipe | equals = backslash \\"
	line := f.Format(ev, "corr-9")

	for _, want := range []string{
		`msg=pipe \| equals \= backslash \\`,
		"cs1=tenant-a cs1Label=TenantID",
		"cs2=agent-7 cs2Label=AgentID",
		"cs3=corr-9 cs3Label=CorrelationID",
		"cs4=" + contracts.ExpectedFingerprint + " cs4Label=ConstitutionalHash",
		fmt.Sprintf("rt=%d", ev.Timestamp.UnixMilli()),
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("CEF line missing %q:\n%s", want, line)
		}
	}
}

func TestFormatLEEF(t *testing.T) {
	f := NewFormatter(FormatLEEF)
	line := f.Format(sampleEvent(), "corr-9")

	wantPrefix := fmt.Sprintf("LEEF:2.0|%s|%s|%s|tenant_violation|", Vendor, Product, Version)
	if !strings.HasPrefix(line, wantPrefix) {
		t.Fatalf("line %q lacks prefix %q", line, wantPrefix)
	}
	attrs := strings.Split(strings.TrimPrefix(line, wantPrefix), "\t")
	byKey := map[string]string{}
	for _, a := range attrs {
		k, v, _ := strings.Cut(a, "=")
		byKey[k] = v
	}
	if byKey["sev"] != "7" || byKey["tenantId"] != "tenant-a" || byKey["agentId"] != "agent-7" {
		t.Fatalf("attrs = %v", byKey)
	}
	if byKey["devTime"] != "Mar 14 2026 09:26:53" {
		t.Fatalf("devTime = %q", byKey["devTime"])
	}
	if byKey["constitutionalHash"] != contracts.ExpectedFingerprint {
		t.Fatal("fingerprint missing from LEEF attrs")
	}
}

func TestFormatSyslogPriority(t *testing.T) {
	f := NewFormatter(FormatSyslog)

	for _, tc := range []struct {
		severity contracts.Severity
		want     int // facility 3 (daemon) * 8 + severity code
	}{
		{contracts.SeverityDebug, 31},
		{contracts.SeverityInfo, 30},
		{contracts.SeverityWarning, 28},
		{contracts.SeverityHigh, 27},
		{contracts.SeverityCritical, 26},
	} {
		ev := sampleEvent()
		ev.Severity = tc.severity
		line := f.Format(ev, "")
		if !strings.HasPrefix(line, fmt.Sprintf("<%d>1 ", tc.want)) {
			t.Fatalf("severity %s: line %q, want priority %d", tc.severity, line, tc.want)
		}
	}
}

func TestFormatSyslogStructuredData(t *testing.T) {
	f := NewFormatter(FormatSyslog)
	line := f.Format(sampleEvent(), "corr-9")

	if !strings.Contains(line, "2026-03-14T09:26:53.589793Z") {
		t.Fatalf("timestamp missing: %s", line)
	}
	for _, want := range []string{
		`severity="high"`,
		`constitutionalHash="` + contracts.ExpectedFingerprint + `"`,
		`tenantId="tenant-a"`,
		`agentId="agent-7"`,
		`correlationId="corr-9"`,
		"tenant_violation",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("syslog line missing %q:\n%s", want, line)
		}
	}
	if !strings.HasSuffix(line, "cross-tenant delivery blocked") {
		t.Fatalf("free-form message not at end: %s", line)
	}
}

func TestUnknownFormatFallsBackToJSON(t *testing.T) {
	f := NewFormatter(Format("cloudtrail"))
	line := f.Format(sampleEvent(), "")
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		t.Fatalf("fallback output not JSON: %v", err)
	}
}
