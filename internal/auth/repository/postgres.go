package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"chat-delivery-plane/backend/internal/auth/domain"
	"chat-delivery-plane/backend/internal/security"
)

// PostgresUserStore implements UserStore on PostgreSQL.
type PostgresUserStore struct{ pool PgxPool }

// NewPostgresUserStore returns a user store backed by the given pool.
func NewPostgresUserStore(pool PgxPool) *PostgresUserStore {
	return &PostgresUserStore{pool: pool}
}

// GetByUsername returns the user, or nil if not found.
func (s *PostgresUserStore) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	const q = `
SELECT id, username, display_name, password_hash, created_at
FROM users WHERE username=$1`
	var u domain.User
	err := s.pool.QueryRow(ctx, q, username).Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// GetByID returns the user, or nil if not found.
func (s *PostgresUserStore) GetByID(ctx context.Context, id string) (*domain.User, error) {
	const q = `
SELECT id, username, display_name, password_hash, created_at
FROM users WHERE id=$1`
	var u domain.User
	err := s.pool.QueryRow(ctx, q, id).Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// Create inserts a new user row.
func (s *PostgresUserStore) Create(ctx context.Context, u *domain.User) error {
	const q = `
INSERT INTO users (id, username, display_name, password_hash, created_at)
VALUES ($1, $2, $3, $4, $5)`
	_, err := s.pool.Exec(ctx, q, u.ID, u.Username, u.DisplayName, u.PasswordHash, u.CreatedAt)
	return err
}

// PostgresTokenStore implements TokenStore on PostgreSQL.
type PostgresTokenStore struct{ pool PgxPool }

// NewPostgresTokenStore returns a token store backed by the given pool.
func NewPostgresTokenStore(pool PgxPool) *PostgresTokenStore {
	return &PostgresTokenStore{pool: pool}
}

// Create inserts a fresh, unused refresh-token record.
func (s *PostgresTokenStore) Create(ctx context.Context, t *domain.RefreshToken) error {
	const q = `
INSERT INTO refresh_tokens (jti, chain_id, principal_id, token_hash, used, issued_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.pool.Exec(ctx, q, t.JTI, t.ChainID, t.PrincipalID, t.TokenHash, t.Used, t.IssuedAt, t.ExpiresAt)
	return err
}

// Rotate marks jti used and inserts next inside one transaction. The row lock
// taken by FOR UPDATE serializes concurrent rotations of the same jti: the
// loser observes used=true after the winner commits and gets ErrTokenAlreadyUsed.
// The presented token hash and the record's expiry are checked against the
// locked row, so a mismatch or an expired record rolls back without burning
// the jti or inserting a successor.
func (s *PostgresTokenStore) Rotate(ctx context.Context, jti, tokenHash string, next *domain.RefreshToken) (prev *domain.RefreshToken, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	const sel = `
SELECT jti, chain_id, principal_id, token_hash, used, issued_at, expires_at
FROM refresh_tokens WHERE jti=$1 FOR UPDATE`
	var rec domain.RefreshToken
	err = tx.QueryRow(ctx, sel, jti).Scan(&rec.JTI, &rec.ChainID, &rec.PrincipalID, &rec.TokenHash, &rec.Used, &rec.IssuedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = ErrTokenNotFound
		}
		return nil, err
	}
	if rec.Used {
		err = ErrTokenAlreadyUsed
		return &rec, err
	}
	if !security.RefreshTokenHashEqual(rec.TokenHash, tokenHash) {
		err = ErrTokenMismatch
		return nil, err
	}
	if rec.Expired(time.Now().UTC()) {
		err = ErrTokenExpired
		return nil, err
	}

	if _, err = tx.Exec(ctx, `UPDATE refresh_tokens SET used=TRUE WHERE jti=$1`, jti); err != nil {
		return nil, err
	}
	const ins = `
INSERT INTO refresh_tokens (jti, chain_id, principal_id, token_hash, used, issued_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err = tx.Exec(ctx, ins, next.JTI, next.ChainID, next.PrincipalID, next.TokenHash, next.Used, next.IssuedAt, next.ExpiresAt); err != nil {
		return nil, err
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &rec, nil
}

// RevokeChain marks every token of the chain used and records the chain in
// the revocation set.
func (s *PostgresTokenStore) RevokeChain(ctx context.Context, chainID string) error {
	if _, err := s.pool.Exec(ctx, `UPDATE refresh_tokens SET used=TRUE WHERE chain_id=$1`, chainID); err != nil {
		return err
	}
	const ins = `
INSERT INTO revocations (target_id, kind, revoked_at)
VALUES ($1, 'chain', $2) ON CONFLICT (target_id) DO NOTHING`
	_, err := s.pool.Exec(ctx, ins, chainID, time.Now().UTC())
	return err
}

// RevokePrincipal records the principal in the revocation set and marks all
// of its tokens used.
func (s *PostgresTokenStore) RevokePrincipal(ctx context.Context, principalID string) error {
	if _, err := s.pool.Exec(ctx, `UPDATE refresh_tokens SET used=TRUE WHERE principal_id=$1`, principalID); err != nil {
		return err
	}
	const ins = `
INSERT INTO revocations (target_id, kind, revoked_at)
VALUES ($1, 'principal', $2) ON CONFLICT (target_id) DO NOTHING`
	_, err := s.pool.Exec(ctx, ins, principalID, time.Now().UTC())
	return err
}

// IsRevoked reports whether the principal or the chain appears in the
// revocation set.
func (s *PostgresTokenStore) IsRevoked(ctx context.Context, principalID, chainID string) (bool, error) {
	const q = `
SELECT EXISTS (
  SELECT 1 FROM revocations
  WHERE (kind='principal' AND target_id=$1) OR (kind='chain' AND target_id=$2)
)`
	var revoked bool
	if err := s.pool.QueryRow(ctx, q, principalID, chainID).Scan(&revoked); err != nil {
		return false, err
	}
	return revoked, nil
}
