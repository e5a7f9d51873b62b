package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echo.app/echo-server/internal/apierr"
)

func TestVerifier_RoundTrip(t *testing.T) {
	v := NewVerifier("test-secret")
	token, err := v.GenerateJWT("google-123", "ada@example.com", "Ada", "http://img")
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "google-123", claims.Subject)
	assert.Equal(t, "ada@example.com", claims.Email)
	assert.Equal(t, "Ada", claims.Name)
	assert.Equal(t, "http://img", claims.Picture)
}

func TestVerifier_Rejects(t *testing.T) {
	v := NewVerifier("test-secret")

	_, err := v.Verify("")
	assert.ErrorIs(t, err, apierr.ErrUnauthenticated)

	other, err := NewVerifier("other-secret").GenerateJWT("s", "e@example.com", "", "")
	require.NoError(t, err)
	_, err = v.Verify(other)
	assert.ErrorIs(t, err, apierr.ErrUnauthenticated)

	expired := &Verifier{secret: []byte("test-secret"), ttl: -time.Minute}
	stale, err := expired.GenerateJWT("s", "e@example.com", "", "")
	require.NoError(t, err)
	_, err = v.Verify(stale)
	assert.ErrorIs(t, err, apierr.ErrUnauthenticated)
	assert.True(t, IsExpired(err))

	noEmail := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "s"})
	signed, err := noEmail.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = v.Verify(signed)
	assert.ErrorIs(t, err, apierr.ErrUnauthenticated)
}
