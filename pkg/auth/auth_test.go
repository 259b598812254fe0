package auth

import (
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

func signToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	builder := jwt.NewBuilder().IssuedAt(time.Now())
	if sub != "" {
		builder = builder.Subject(sub)
	}
	if !exp.IsZero() {
		builder = builder.Expiration(exp)
	}
	tok, err := builder.Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, testSecret))
	require.NoError(t, err)
	return string(signed)
}

func TestJWTResolvesSubject(t *testing.T) {
	a := New(testSecret, nil)

	userID, err := a.Authenticate(signToken(t, "u1", time.Now().Add(time.Hour)), "")
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
}

func TestExpiredTokenRefused(t *testing.T) {
	a := New(testSecret, nil)

	_, err := a.Authenticate(signToken(t, "u1", time.Now().Add(-time.Minute)), "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestTokenWithoutSubjectRefused(t *testing.T) {
	a := New(testSecret, nil)

	_, err := a.Authenticate(signToken(t, "", time.Now().Add(time.Hour)), "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestWrongKeyRefused(t *testing.T) {
	a := New([]byte("other-secret"), nil)

	_, err := a.Authenticate(signToken(t, "u1", time.Now().Add(time.Hour)), "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAPIKeyLookup(t *testing.T) {
	a := New(nil, StaticKeys{"key-1": "u1", "key-2": "u2"})

	userID, err := a.Authenticate("", "key-2")
	require.NoError(t, err)
	assert.Equal(t, "u2", userID)

	_, err = a.Authenticate("", "key-3")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAPIKeyPreferredOverToken(t *testing.T) {
	a := New(testSecret, StaticKeys{"key-1": "key-user"})

	userID, err := a.Authenticate(signToken(t, "token-user", time.Now().Add(time.Hour)), "key-1")
	require.NoError(t, err)
	assert.Equal(t, "key-user", userID, "api key wins when both are supplied")

	// A bad api key fails outright even with a valid token alongside.
	_, err = a.Authenticate(signToken(t, "token-user", time.Now().Add(time.Hour)), "bogus")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestNoCredentialsRefused(t *testing.T) {
	a := New(testSecret, nil)

	_, err := a.Authenticate("", "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}
