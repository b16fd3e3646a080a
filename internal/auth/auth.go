// Package auth provides a minimal bearer-token gate.
//
// This system has no org/RBAC/agent-identity model: every request is
// either carrying the one configured shared secret or it isn't. There is
// no issuance, no expiry, and nothing to revoke short of rotating the
// secret and redeploying.
package auth

import (
	"crypto/subtle"
	"errors"
)

// ErrMissingToken is returned when the request carries no bearer token at all.
var ErrMissingToken = errors.New("auth: missing bearer token")

// ErrInvalidToken is returned when the presented token does not match the
// configured shared secret.
var ErrInvalidToken = errors.New("auth: invalid bearer token")

// Gate checks a presented token against a single configured API key using a
// constant-time comparison, so a failed check's timing does not leak how
// many leading bytes matched.
type Gate struct {
	key []byte
}

// NewGate builds a Gate for the given shared secret. An empty key means
// every request is rejected — callers that want an open (no-auth)
// deployment should not construct a Gate at all rather than pass "".
func NewGate(apiKey string) *Gate {
	return &Gate{key: []byte(apiKey)}
}

// Check validates a presented token (already stripped of any "Bearer "
// prefix by the caller).
func (g *Gate) Check(token string) error {
	if token == "" {
		return ErrMissingToken
	}
	if len(g.key) == 0 {
		return ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(token), g.key) != 1 {
		return ErrInvalidToken
	}
	return nil
}
