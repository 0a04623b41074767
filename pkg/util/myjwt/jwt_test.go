package myjwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	tok, err := GenerateTokenWithKey("secret", "knowforge", time.Hour, "u-1", "alice", "team-9")
	require.NoError(t, err)

	claims, err := ParseTokenWithKey(tok, "secret")
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.Uuid)
	assert.Equal(t, "team-9", claims.OwnerID())

	_, err = ParseTokenWithKey(tok, "other")
	assert.Error(t, err)
}

func TestOwnerFallsBackToUser(t *testing.T) {
	tok, err := GenerateTokenWithKey("secret", "knowforge", time.Hour, "u-1", "alice", "")
	require.NoError(t, err)
	claims, err := ParseTokenWithKey(tok, "secret")
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.OwnerID())
}

func TestExpiredToken(t *testing.T) {
	tok, err := GenerateTokenWithKey("secret", "knowforge", -time.Minute, "u-1", "alice", "")
	require.NoError(t, err)
	_, err = ParseTokenWithKey(tok, "secret")
	assert.Error(t, err)
}
