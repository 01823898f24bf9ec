package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	token, err := GenerateToken("ops@example.com", "test-secret")
	require.NoError(t, err)

	claims, err := ValidateToken(token, "test-secret")
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Operator)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	token, err := GenerateToken("ops@example.com", "test-secret")
	require.NoError(t, err)

	_, err = ValidateToken(token, "other-secret")
	assert.Error(t, err)
}

func TestValidateRejectsGarbage(t *testing.T) {
	_, err := ValidateToken("not.a.jwt", "test-secret")
	assert.Error(t, err)
}
