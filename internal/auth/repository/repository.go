// Package repository persists users, refresh-token chains, and the
// revocation set in PostgreSQL.
package repository

import (
	"context"
	"errors"

	"chat-delivery-plane/backend/internal/auth/domain"
)

var (
	// ErrTokenNotFound is returned by Rotate when the jti has no stored record.
	ErrTokenNotFound = errors.New("refresh token not found")
	// ErrTokenAlreadyUsed is returned by Rotate when the jti was already
	// redeemed; callers treat this as replay and revoke the chain.
	ErrTokenAlreadyUsed = errors.New("refresh token already used")
	// ErrTokenMismatch is returned by Rotate when the presented token's hash
	// does not match the stored record.
	ErrTokenMismatch = errors.New("refresh token hash mismatch")
	// ErrTokenExpired is returned by Rotate when the stored record's lifetime
	// has passed.
	ErrTokenExpired = errors.New("refresh token expired")
)

// UserStore is the user lookup needed for login and seeding.
type UserStore interface {
	// GetByUsername returns the user, or nil if not found. Errors only on
	// database failures.
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	GetByID(ctx context.Context, id string) (*domain.User, error)
	Create(ctx context.Context, u *domain.User) error
}

// TokenStore records refresh-token chains and the revocation set.
type TokenStore interface {
	// Create inserts a fresh, unused refresh-token record (start of a chain
	// or the successor minted by Rotate on another instance).
	Create(ctx context.Context, t *domain.RefreshToken) error
	// Rotate atomically marks jti used and inserts next in one transaction,
	// verifying tokenHash and the record's expiry against the locked row
	// before committing. Returns the prior record on success. Fails with
	// ErrTokenNotFound for an unknown jti, ErrTokenAlreadyUsed (with the
	// record) for a replay, ErrTokenMismatch for a wrong hash, and
	// ErrTokenExpired past the record's lifetime; two concurrent rotations of
	// one jti cannot both succeed.
	Rotate(ctx context.Context, jti, tokenHash string, next *domain.RefreshToken) (*domain.RefreshToken, error)
	// RevokeChain marks every token of the chain used and adds the chain to
	// the revocation set.
	RevokeChain(ctx context.Context, chainID string) error
	// RevokePrincipal adds the principal to the revocation set and marks all
	// of its tokens used.
	RevokePrincipal(ctx context.Context, principalID string) error
	// IsRevoked reports whether the principal or the chain is in the
	// revocation set.
	IsRevoked(ctx context.Context, principalID, chainID string) (bool, error)
}
