package bus

import (
	"fmt"
	"regexp"

	"github.com/acgs2/agentbus/pkg/contracts"
)

// Suspicious payload patterns checked before a message enters the
// pipeline. Matches raise a SecurityEvent but do not block on their
// own; blocking is the policy layer's call.
var suspiciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(prior|previous)\s+(rules|instructions)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(in\s+)?developer\s+mode`),
	regexp.MustCompile(`(?i)(union|select|insert|update|delete|drop)\s+(from|into|table)`),
	regexp.MustCompile(`(?i)<script[\s>]`),
	regexp.MustCompile(`\$\{.*\}`),
	regexp.MustCompile(`(?i)__import__`),
	regexp.MustCompile(`(?i)constitutional\s+hash\s*[:=]`),
}

// scanPayload walks the payload strings for injection signatures and
// emits one event per matched message.
func (b *Bus) scanPayload(msg *contracts.Message) {
	text := flattenPayload(msg.Payload)
	for _, pattern := range suspiciousPatterns {
		if pattern.MatchString(text) {
			ev := contracts.NewSecurityEvent(
				contracts.EventSuspiciousPattern,
				contracts.SeverityHigh,
				fmt.Sprintf("payload of message %s matched pattern %q", msg.ID, pattern.String()),
				"bus",
			)
			ev.AgentID = msg.SourceAgent
			ev.TenantID = msg.TenantID
			ev.CorrelationID = msg.CorrelationID
			b.events.LogEvent(ev)
			return
		}
	}
}

func flattenPayload(payload map[string]any) string {
	out := ""
	for k, v := range payload {
		out += k + "=" + fmt.Sprint(v) + " "
	}
	return out
}
