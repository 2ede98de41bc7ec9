// Package constitutional implements the hash guard: every governed
// record carries a 16-hex-digit fingerprint of the active constitution
// and any mismatch is a terminal, security-critical failure.
package constitutional

import (
	"crypto/subtle"
	"fmt"

	"github.com/acgs2/agentbus/pkg/contracts"
)

// FingerprintLen is the fixed length of the constitutional fingerprint.
const FingerprintLen = 16

// Guard verifies observed fingerprints against the process's expected
// value in constant time. Fails closed: any malformed or mismatching
// value is rejected.
type Guard struct {
	expected string
}

// NewGuard validates the expected fingerprint and returns a guard.
func NewGuard(expected string) (*Guard, error) {
	if !wellFormed(expected) {
		return nil, fmt.Errorf("constitutional: expected fingerprint must be %d lowercase hex chars, got %q", FingerprintLen, expected)
	}
	return &Guard{expected: expected}, nil
}

// Expected returns the fingerprint this guard enforces.
func (g *Guard) Expected() string { return g.expected }

// Verify reports whether observed matches the expected fingerprint.
// Comparison is constant-time over the full 16 characters.
func (g *Guard) Verify(observed string) bool {
	if len(observed) != FingerprintLen {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(g.expected), []byte(observed)) == 1
}

// Require returns a constitutional error unless observed matches.
func (g *Guard) Require(observed string) error {
	if g.Verify(observed) {
		return nil
	}
	return contracts.NewBusError(
		contracts.KindConstitutional,
		contracts.ErrHashMismatch,
		fmt.Sprintf("expected fingerprint %s, observed %q", g.expected, observed),
	)
}

func wellFormed(s string) bool {
	if len(s) != FingerprintLen {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
