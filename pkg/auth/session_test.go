package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = strings.Repeat("x", 32)

func TestSessionIssuer_RoundTrip(t *testing.T) {
	issuer, err := NewSessionIssuer(testSecret, "netforge", time.Hour)
	require.NoError(t, err)

	user := &User{ID: "user-1", Email: "ada@example.com", Name: "Ada"}
	token, expires, err := issuer.Issue(user, "org-1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, 5*time.Second)

	claims, err := issuer.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "org-1", claims.OrgID)
	assert.Equal(t, "ada@example.com", claims.Email)
}

func TestSessionIssuer_Rejects(t *testing.T) {
	issuer, err := NewSessionIssuer(testSecret, "netforge", time.Hour)
	require.NoError(t, err)
	user := &User{ID: "user-1"}

	t.Run("expired", func(t *testing.T) {
		past, _ := NewSessionIssuer(testSecret, "netforge", time.Minute)
		past.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
		token, _, err := past.Issue(user, "")
		require.NoError(t, err)

		_, err = issuer.Parse(token)
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other, _ := NewSessionIssuer(strings.Repeat("y", 32), "netforge", time.Hour)
		token, _, _ := other.Issue(user, "")
		_, err := issuer.Parse(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other, _ := NewSessionIssuer(testSecret, "someone-else", time.Hour)
		token, _, _ := other.Issue(user, "")
		_, err := issuer.Parse(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("alg none", func(t *testing.T) {
		claims := SessionClaims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "netforge",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = issuer.Parse(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("short secret", func(t *testing.T) {
		_, err := NewSessionIssuer("short", "netforge", time.Hour)
		assert.Error(t, err)
	})
}
