// Package secrets resolves shared secrets such as the API token.
//
// The primary implementation reads 1Password Connect items for production
// environments, with a local file-based fallback for development.
package secrets

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a named secret does not exist.
var ErrNotFound = errors.New("secret not found")

// TokenStore provides retrieval of named tokens.
type TokenStore interface {
	// GetToken returns the token stored under name, or ErrNotFound.
	GetToken(ctx context.Context, name string) (string, error)

	// GetOrCreateToken returns the token stored under name, generating and
	// storing a new one if it doesn't exist. created reports which happened.
	GetOrCreateToken(ctx context.Context, name string) (token string, created bool, err error)

	// Close releases any resources held by the store.
	Close() error
}

// DefaultTokenName is the name of the API token secret.
const DefaultTokenName = "beatmon-api-token"

// GenerateToken returns a random 256-bit token, hex encoded.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
