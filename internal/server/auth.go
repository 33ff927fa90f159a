package server

import (
	"github.com/golang-jwt/jwt/v5"
)

// TokenAuth validates the optional CoreAPI bearer token (spec §4.5: "the
// protocol itself carries optional token auth for the CoreAPI kind").
// A nil *TokenAuth, or one with no secret configured, means the Core
// network is trusted and every session starts authenticated (spec §1
// Non-goals: "user-authentication of Core clients").
type TokenAuth struct {
	secret []byte
}

// NewTokenAuth builds a validator around an HMAC signing secret. An empty
// secret disables the requirement entirely.
func NewTokenAuth(secret string) *TokenAuth {
	if secret == "" {
		return nil
	}
	return &TokenAuth{secret: []byte(secret)}
}

// Required reports whether sessions must present a token before any
// request besides "auth" is served.
func (a *TokenAuth) Required() bool {
	return a != nil && len(a.secret) > 0
}

// Validate parses and verifies token as an HMAC-signed JWT.
func (a *TokenAuth) Validate(token string) bool {
	if a == nil || len(a.secret) == 0 {
		return true
	}
	if token == "" {
		return false
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return a.secret, nil
	})
	return err == nil && parsed.Valid
}
