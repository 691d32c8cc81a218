package attest

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStatement() Statement {
	return Statement{
		RunID:      "run-42",
		ConfigHash: "9f2c1a0b8d7e6f50",
		Mode:       "strict",
		Accepted:   998,
		Rejected:   1,
		Failed:     1,
		Categories: []string{"name", "date", "ssn"},
	}
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	signer, err := NewSigner("test-secret", time.Hour)
	require.NoError(t, err)

	token, err := signer.Issue(testStatement())
	require.NoError(t, err)

	claims, err := signer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "run-42", claims.RunID)
	assert.Equal(t, "run-42", claims.Subject)
	assert.Equal(t, "9f2c1a0b8d7e6f50", claims.ConfigHash)
	assert.Equal(t, 998, claims.Accepted)
	assert.Equal(t, 1, claims.Rejected)
	assert.Equal(t, 1, claims.Failed)
	assert.Equal(t, []string{"name", "date", "ssn"}, claims.Categories)
	assert.Equal(t, "deidentify", claims.Issuer)
	assert.NotEmpty(t, claims.ID)
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	signer, err := NewSigner("test-secret", time.Hour)
	require.NoError(t, err)

	token, err := signer.Issue(testStatement())
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	tampered := parts[0] + "." + parts[1] + "X." + parts[2]

	_, err = signer.Verify(tampered)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	signer, err := NewSigner("test-secret", time.Hour)
	require.NoError(t, err)
	other, err := NewSigner("other-secret", time.Hour)
	require.NoError(t, err)

	token, err := signer.Issue(testStatement())
	require.NoError(t, err)

	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	signer, err := NewSigner("test-secret", time.Hour)
	require.NoError(t, err)
	signer.ttl = -time.Hour

	token, err := signer.Issue(testStatement())
	require.NoError(t, err)

	_, err = signer.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewSignerRequiresSecret(t *testing.T) {
	_, err := NewSigner("", time.Hour)
	assert.ErrorIs(t, err, ErrNoSecret)
}
