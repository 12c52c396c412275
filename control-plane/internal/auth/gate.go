// Package auth checks the shared token presented in the Auth header.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingToken = errors.New("auth header missing")
	ErrTokenInvalid = errors.New("token invalid")
)

// Config is the immutable token configuration.
// Exactly one of Token or TokenHash is normally set. When both are set a
// presented token is accepted if it matches either.
type Config struct {
	// Token is compared byte for byte.
	Token string
	// TokenHash is a bcrypt hash of the token.
	TokenHash string
}

// Gate authorizes callers against a Config.
type Gate struct {
	token []byte
	hash  []byte
}

// NewGate validates cfg and returns a gate.
func NewGate(cfg Config) (*Gate, error) {
	if cfg.Token == "" && cfg.TokenHash == "" {
		return nil, errors.New("auth: token or token hash is required")
	}
	g := &Gate{}
	if cfg.Token != "" {
		g.token = []byte(cfg.Token)
	}
	if cfg.TokenHash != "" {
		if _, err := bcrypt.Cost([]byte(cfg.TokenHash)); err != nil {
			return nil, fmt.Errorf("auth: invalid token hash: %w", err)
		}
		g.hash = []byte(cfg.TokenHash)
	}
	return g, nil
}

// Check returns nil when presented matches the configured token.
func (g *Gate) Check(presented string) error {
	if presented == "" {
		return ErrMissingToken
	}
	p := []byte(presented)
	if g.token != nil && subtle.ConstantTimeCompare(p, g.token) == 1 {
		return nil
	}
	if g.hash != nil && bcrypt.CompareHashAndPassword(g.hash, p) == nil {
		return nil
	}
	return ErrTokenInvalid
}
