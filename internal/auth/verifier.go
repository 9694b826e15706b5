// Package auth defines the credential verification boundary. The push
// subsystem consumes it at connection-accept time and never issues or stores
// credentials itself.
package auth

import (
	"context"
	"errors"
)

// ErrInvalidToken is returned for unknown, malformed, or revoked tokens.
var ErrInvalidToken = errors.New("invalid or expired token")

// Identity is the authenticated principal a token resolves to.
type Identity struct {
	UserID   int64
	Username string
}

// Verifier resolves a bearer credential to an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}
