package auth

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/Hearth/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyRoundTrip(t *testing.T) {
	v, err := NewJWTVerifier("s3cret", "hearth")
	require.NoError(t, err)

	token, err := v.Issue("alice", "Alice", time.Minute)
	require.NoError(t, err)

	id, err := v.Verify(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("alice"), id)
}

func TestVerifyRejects(t *testing.T) {
	v, err := NewJWTVerifier("s3cret", "hearth")
	require.NoError(t, err)
	other, err := NewJWTVerifier("different", "hearth")
	require.NoError(t, err)
	foreign, err := NewJWTVerifier("s3cret", "someone-else")
	require.NoError(t, err)

	expired, err := v.Issue("alice", "", -time.Minute)
	require.NoError(t, err)
	wrongKey, err := other.Issue("alice", "", time.Minute)
	require.NoError(t, err)
	wrongIssuer, err := foreign.Issue("alice", "", time.Minute)
	require.NoError(t, err)
	noSubject, err := v.Issue("", "", time.Minute)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "alice"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not-a-token",
		"expired":      expired,
		"wrong key":    wrongKey,
		"wrong issuer": wrongIssuer,
		"no subject":   noSubject,
		"alg none":     none,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), token)
			assert.ErrorIs(t, err, domain.ErrAuthentication)
		})
	}
}

func TestEmptySecret(t *testing.T) {
	_, err := NewJWTVerifier("", "")
	assert.Error(t, err)
}
