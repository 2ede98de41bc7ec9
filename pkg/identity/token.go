// Package identity verifies agent registration tokens. Agents present
// a signed JWT whose claims must match the registration request; a
// mismatch is an authentication failure, not a validation error.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AgentClaims extends the registered JWT claims with bus-specific
// fields. The subject is the agent ID.
type AgentClaims struct {
	jwt.RegisteredClaims
	AgentID      string   `json:"agent_id"`
	TenantID     string   `json:"tenant_id,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Verifier validates agent tokens against a shared key set.
type Verifier struct {
	keyFunc jwt.Keyfunc
	issuer  string
}

// NewVerifier builds a verifier over an HMAC secret. The issuer is
// enforced when non-empty.
func NewVerifier(secret []byte, issuer string) *Verifier {
	return &Verifier{
		keyFunc: func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("identity: unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		},
		issuer: issuer,
	}
}

// Verify parses and validates a token string, returning its claims.
func (v *Verifier) Verify(tokenString string) (*AgentClaims, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &AgentClaims{}, v.keyFunc, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*AgentClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}

// ErrClaimMismatch reports a token whose identity does not cover the
// registration it accompanies.
var ErrClaimMismatch = errors.New("identity: token claims do not match registration")

// Authorize checks that the token's identity covers the registration.
// Tenant must match exactly when the registration names one.
func (v *Verifier) Authorize(tokenString, agentID, tenantID string) (*AgentClaims, error) {
	claims, err := v.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.AgentID != agentID {
		return nil, fmt.Errorf("%w: agent %q vs token %q", ErrClaimMismatch, agentID, claims.AgentID)
	}
	if tenantID != "" && claims.TenantID != tenantID {
		return nil, fmt.Errorf("%w: tenant %q vs token %q", ErrClaimMismatch, tenantID, claims.TenantID)
	}
	return claims, nil
}

// Mint signs a token for an agent. Test and bootstrap helper.
func Mint(secret []byte, issuer, agentID, tenantID string, capabilities []string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := AgentClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		AgentID:      agentID,
		TenantID:     tenantID,
		Capabilities: capabilities,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
