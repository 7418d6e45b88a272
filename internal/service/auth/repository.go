// Package auth defines the collaborator contracts for authentication.
package auth

import (
	"context"
	"time"

	"github.com/r2r72/authcore/internal/token"
)

// UserStore reads active identities. Both lookups return ErrIdentityNotFound
// when no active identity matches; any other error is treated as a store
// failure. Implemented by pg.UserRepository and breaker.Store.
type UserStore interface {
	GetByEmail(ctx context.Context, email string) (*Identity, error)
	GetByID(ctx context.Context, id string) (*Identity, error)
}

// CredentialVerifier compares a plaintext secret with a stored hash in
// constant time. VerifyDummy performs an equally expensive comparison that
// never matches.
type CredentialVerifier interface {
	Verify(plain, storedHash string) bool
	VerifyDummy(plain string)
}

// TokenCodec issues and validates signed tokens.
type TokenCodec interface {
	IssueAccess(subject string) (string, error)
	IssueRefresh(subject string) (string, error)
	Validate(tokenString string, expected token.Kind) (*token.Claims, error)
	AccessTTL() time.Duration
}
