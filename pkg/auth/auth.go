// Package auth resolves the identity behind a delegate or UI connection:
// a bearer JWT whose sub claim names the user, or an API key looked up in
// a KeyStore. The API key wins when both credentials are supplied.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ErrUnauthorized wraps every credential failure; the API layer maps it to
// a 1008 close or a 401.
var ErrUnauthorized = errors.New("unauthorized")

// KeyStore resolves API keys to user ids.
type KeyStore interface {
	UserForKey(key string) (string, bool)
}

// StaticKeys is a KeyStore over a fixed key → userId map. Lookups compare
// in constant time.
type StaticKeys map[string]string

func (s StaticKeys) UserForKey(key string) (string, bool) {
	for k, userID := range s {
		if len(k) == len(key) && subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return userID, true
		}
	}
	return "", false
}

// Authenticator resolves connection credentials to a user id.
type Authenticator struct {
	secret []byte
	keys   KeyStore
}

// New wires the authenticator. Either credential path may be left
// unconfigured (nil/empty); requests using it are then refused.
func New(jwtSecret []byte, keys KeyStore) *Authenticator {
	return &Authenticator{secret: jwtSecret, keys: keys}
}

// Authenticate resolves the user id for the supplied credentials.
func (a *Authenticator) Authenticate(token, apiKey string) (string, error) {
	if apiKey != "" {
		if a.keys != nil {
			if userID, ok := a.keys.UserForKey(apiKey); ok {
				return userID, nil
			}
		}
		return "", fmt.Errorf("%w: unknown api key", ErrUnauthorized)
	}

	if token != "" {
		if len(a.secret) == 0 {
			return "", fmt.Errorf("%w: token auth is not configured", ErrUnauthorized)
		}
		tok, err := jwt.Parse([]byte(token), jwt.WithKey(jwa.HS256, a.secret), jwt.WithValidate(true))
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrUnauthorized, err)
		}
		sub := tok.Subject()
		if sub == "" {
			return "", fmt.Errorf("%w: token carries no subject", ErrUnauthorized)
		}
		return sub, nil
	}

	return "", fmt.Errorf("%w: no credentials supplied", ErrUnauthorized)
}
