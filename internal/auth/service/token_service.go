// Package service implements the token service: issuance, validation,
// rotation, and revocation of access/refresh token pairs.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat-delivery-plane/backend/internal/auth/domain"
	"chat-delivery-plane/backend/internal/auth/repository"
	"chat-delivery-plane/backend/internal/security"
)

// Sentinel errors for the token service; the HTTP layer maps them to status codes.
var (
	ErrAuthExpired        = errors.New("token expired")
	ErrAuthInvalid        = errors.New("token invalid")
	ErrAuthRevoked        = errors.New("token revoked")
	ErrTokenReplay        = errors.New("refresh token reuse detected; chain revoked")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// TokenPair is the outcome of Login, Issue, or Rotate.
type TokenPair struct {
	AccessToken     string
	RefreshToken    string
	AccessExpiresAt time.Time
	Principal       *domain.Principal
}

// MembershipResolver resolves the group conversations a principal belongs to.
// Implemented by the chat store; cached on the Principal per session.
type MembershipResolver interface {
	GroupsFor(ctx context.Context, principalID string) ([]string, error)
}

// UserStore is the user lookup the token service needs.
type UserStore interface {
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	GetByID(ctx context.Context, id string) (*domain.User, error)
}

// TokenService issues, validates, rotates, and revokes token pairs. Revocation
// is recorded durably in the token store and mirrored in a process-local set
// so a logout on this instance takes effect before the next store round-trip.
type TokenService struct {
	users    UserStore
	tokens   repository.TokenStore
	groups   MembershipResolver
	provider *security.TokenProvider
	hasher   *security.Hasher

	mu            sync.RWMutex
	revokedChains map[string]struct{}
	revokedUsers  map[string]struct{}
}

// NewTokenService returns a TokenService with the given dependencies.
func NewTokenService(users UserStore, tokens repository.TokenStore, groups MembershipResolver, provider *security.TokenProvider, hasher *security.Hasher) *TokenService {
	return &TokenService{
		users:         users,
		tokens:        tokens,
		groups:        groups,
		provider:      provider,
		hasher:        hasher,
		revokedChains: make(map[string]struct{}),
		revokedUsers:  make(map[string]struct{}),
	}
}

// Login verifies username/password and issues a fresh token pair under a new
// refresh chain.
func (s *TokenService) Login(ctx context.Context, username, password string) (*TokenPair, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}
	if err := s.hasher.Compare(user.PasswordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return s.issue(ctx, user)
}

// issue mints an access/refresh pair for the user under a brand-new chain and
// records the refresh token unused in the store.
func (s *TokenService) issue(ctx context.Context, user *domain.User) (*TokenPair, error) {
	chainID := uuid.New().String()
	refresh, jti, refreshExp, err := s.provider.IssueRefresh(user.ID, chainID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	rec := &domain.RefreshToken{
		JTI:         jti,
		ChainID:     chainID,
		PrincipalID: user.ID,
		TokenHash:   security.HashRefreshToken(refresh),
		IssuedAt:    now,
		ExpiresAt:   refreshExp,
	}
	if err := s.tokens.Create(ctx, rec); err != nil {
		return nil, err
	}
	access, accessExp, err := s.provider.IssueAccess(user.ID, chainID)
	if err != nil {
		return nil, err
	}
	principal, err := s.loadPrincipal(ctx, user)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:     access,
		RefreshToken:    refresh,
		AccessExpiresAt: accessExp,
		Principal:       principal,
	}, nil
}

// ValidateAccess checks the access token's signature and expiry, consults the
// revocation set, and returns the Principal with its cached group memberships.
func (s *TokenService) ValidateAccess(ctx context.Context, token string) (*domain.Principal, error) {
	principalID, chainID, err := s.provider.ValidateAccess(token)
	if err != nil {
		return nil, mapTokenError(err)
	}
	if s.revokedLocally(principalID, chainID) {
		return nil, ErrAuthRevoked
	}
	revoked, err := s.tokens.IsRevoked(ctx, principalID, chainID)
	if err != nil {
		return nil, err
	}
	if revoked {
		s.markRevoked(principalID, chainID)
		return nil, ErrAuthRevoked
	}
	user, err := s.users.GetByID(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrAuthInvalid
	}
	return s.loadPrincipal(ctx, user)
}

// Rotate redeems a refresh token for a new access/refresh pair. The stored
// record is marked used and the successor inserted in one transaction, with
// the presented token's hash and the record's expiry verified against the
// locked row, so two concurrent rotations of the same jti cannot both succeed
// and a mismatched token never burns the stored record. A replay revokes the
// whole chain and fails with ErrTokenReplay.
func (s *TokenService) Rotate(ctx context.Context, refreshToken string) (*TokenPair, error) {
	principalID, jti, chainID, err := s.provider.ValidateRefresh(refreshToken)
	if err != nil {
		return nil, mapTokenError(err)
	}
	if s.revokedLocally(principalID, chainID) {
		return nil, ErrAuthRevoked
	}
	revoked, err := s.tokens.IsRevoked(ctx, principalID, chainID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrAuthRevoked
	}

	newRefresh, newJti, refreshExp, err := s.provider.IssueRefresh(principalID, chainID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	next := &domain.RefreshToken{
		JTI:         newJti,
		ChainID:     chainID,
		PrincipalID: principalID,
		TokenHash:   security.HashRefreshToken(newRefresh),
		IssuedAt:    now,
		ExpiresAt:   refreshExp,
	}
	_, err = s.tokens.Rotate(ctx, jti, security.HashRefreshToken(refreshToken), next)
	switch {
	case errors.Is(err, repository.ErrTokenAlreadyUsed):
		// Replay: someone already redeemed this jti. Kill the whole chain.
		if chainErr := s.tokens.RevokeChain(ctx, chainID); chainErr != nil {
			return nil, chainErr
		}
		s.markRevoked("", chainID)
		return nil, ErrTokenReplay
	case errors.Is(err, repository.ErrTokenNotFound), errors.Is(err, repository.ErrTokenMismatch):
		return nil, ErrAuthInvalid
	case errors.Is(err, repository.ErrTokenExpired):
		return nil, ErrAuthExpired
	case err != nil:
		return nil, err
	}

	access, accessExp, err := s.provider.IssueAccess(principalID, chainID)
	if err != nil {
		return nil, err
	}
	user, err := s.users.GetByID(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrAuthInvalid
	}
	principal, err := s.loadPrincipal(ctx, user)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:     access,
		RefreshToken:    newRefresh,
		AccessExpiresAt: accessExp,
		Principal:       principal,
	}, nil
}

// RevokePrincipal revokes every token of the principal. Live connections are
// not force-closed here; each supervisor detects the revocation on its next
// re-validation cycle.
func (s *TokenService) RevokePrincipal(ctx context.Context, principalID string) error {
	if err := s.tokens.RevokePrincipal(ctx, principalID); err != nil {
		return err
	}
	s.markRevoked(principalID, "")
	return nil
}

// RevokeChain revokes one refresh chain (single-device logout).
func (s *TokenService) RevokeChain(ctx context.Context, chainID string) error {
	if err := s.tokens.RevokeChain(ctx, chainID); err != nil {
		return err
	}
	s.markRevoked("", chainID)
	return nil
}

// Logout validates the refresh token and revokes its chain. Invalid tokens
// are a no-op: logout must not fail a client that already lost its session.
func (s *TokenService) Logout(ctx context.Context, refreshToken string) error {
	_, _, chainID, err := s.provider.ValidateRefresh(refreshToken)
	if err != nil {
		return nil
	}
	return s.RevokeChain(ctx, chainID)
}

func (s *TokenService) loadPrincipal(ctx context.Context, user *domain.User) (*domain.Principal, error) {
	groups, err := s.groups.GroupsFor(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return &domain.Principal{ID: user.ID, DisplayName: user.DisplayName, Groups: groups}, nil
}

func (s *TokenService) revokedLocally(principalID, chainID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.revokedUsers[principalID]; ok {
		return true
	}
	_, ok := s.revokedChains[chainID]
	return ok
}

func (s *TokenService) markRevoked(principalID, chainID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if principalID != "" {
		s.revokedUsers[principalID] = struct{}{}
	}
	if chainID != "" {
		s.revokedChains[chainID] = struct{}{}
	}
}

func mapTokenError(err error) error {
	switch {
	case errors.Is(err, security.ErrExpiredToken):
		return ErrAuthExpired
	default:
		return ErrAuthInvalid
	}
}
