package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("unit-test-secret")

func TestMintVerifyRoundtrip(t *testing.T) {
	token, err := Mint(testSecret, "acgs2", "agent-1", "tenant-a", []string{"code_review"}, time.Minute)
	require.NoError(t, err)

	v := NewVerifier(testSecret, "acgs2")
	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", claims.AgentID)
	assert.Equal(t, "tenant-a", claims.TenantID)
	assert.Equal(t, []string{"code_review"}, claims.Capabilities)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := Mint(testSecret, "acgs2", "agent-1", "", nil, time.Minute)
	require.NoError(t, err)

	v := NewVerifier([]byte("other-secret"), "acgs2")
	_, err = v.Verify(token)
	assert.Error(t, err, "token signed with another secret accepted")
}

func TestVerifyRejectsExpired(t *testing.T) {
	token, err := Mint(testSecret, "acgs2", "agent-1", "", nil, -time.Minute)
	require.NoError(t, err)

	v := NewVerifier(testSecret, "acgs2")
	_, err = v.Verify(token)
	assert.Error(t, err, "expired token accepted")
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	token, err := Mint(testSecret, "someone-else", "agent-1", "", nil, time.Minute)
	require.NoError(t, err)

	v := NewVerifier(testSecret, "acgs2")
	_, err = v.Verify(token)
	assert.Error(t, err, "token from a different issuer accepted")
}

func TestAuthorizeClaimMismatch(t *testing.T) {
	token, err := Mint(testSecret, "acgs2", "agent-1", "tenant-a", nil, time.Minute)
	require.NoError(t, err)

	v := NewVerifier(testSecret, "acgs2")

	_, err = v.Authorize(token, "agent-1", "tenant-a")
	require.NoError(t, err)

	_, err = v.Authorize(token, "agent-2", "tenant-a")
	assert.ErrorIs(t, err, ErrClaimMismatch)
	_, err = v.Authorize(token, "agent-1", "tenant-b")
	assert.ErrorIs(t, err, ErrClaimMismatch)
}
