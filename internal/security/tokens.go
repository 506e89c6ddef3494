// Package security provides JWT token issuance/validation, password hashing,
// and refresh-token hashing for the chat delivery plane.
package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token is malformed, mis-signed, or
	// fails issuer/audience checks.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when a token's exp has passed beyond the
	// configured clock-skew leeway.
	ErrExpiredToken = errors.New("expired token")
)

// AccessClaims holds JWT claims for the short-lived access token. Subject is
// the principal id; ChainID identifies the refresh-token chain the access
// token was minted under, so chain revocation can reach live connections.
type AccessClaims struct {
	jwt.RegisteredClaims
	ChainID string `json:"chain_id"`
}

// RefreshClaims holds JWT claims for the refresh token. ID (jti) is the
// single-use token id; ChainID ties successive rotations together.
type RefreshClaims struct {
	jwt.RegisteredClaims
	ChainID string `json:"chain_id"`
}

// TokenProvider issues and validates JWT access and refresh tokens using
// RS256 or ES256 (private/public key). Expiry checks tolerate the configured
// leeway to absorb clock skew between instances.
type TokenProvider struct {
	privateKey crypto.Signer
	publicKey  crypto.PublicKey
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	leeway     time.Duration
}

// NewTokenProvider returns a TokenProvider that signs with the given private
// key (RS256 or ES256). issuer and audience are set on claims and validated
// on parse; leeway is the clock-skew tolerance for expiry checks.
func NewTokenProvider(privateKey crypto.Signer, publicKey crypto.PublicKey, issuer, audience string, accessTTL, refreshTTL, leeway time.Duration) *TokenProvider {
	return &TokenProvider{
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     issuer,
		audience:   audience,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		leeway:     leeway,
	}
}

// IssueAccess issues a short-lived access JWT for the principal under the
// given refresh chain. Returns the signed token and its expiration time.
func (p *TokenProvider) IssueAccess(principalID, chainID string) (token string, expiresAt time.Time, err error) {
	jti, err := generateJTI()
	if err != nil {
		return "", time.Time{}, err
	}
	now := time.Now().UTC()
	expiresAt = now.Add(p.accessTTL)
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   principalID,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		ChainID: chainID,
	}
	token, err = p.sign(claims)
	return token, expiresAt, err
}

// IssueRefresh issues a long-lived refresh JWT and returns the token, its jti
// (the single-use token id recorded server-side), and expiration time.
func (p *TokenProvider) IssueRefresh(principalID, chainID string) (token, jti string, expiresAt time.Time, err error) {
	jti, err = generateJTI()
	if err != nil {
		return "", "", time.Time{}, err
	}
	now := time.Now().UTC()
	expiresAt = now.Add(p.refreshTTL)
	claims := RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   principalID,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		ChainID: chainID,
	}
	token, err = p.sign(claims)
	return token, jti, expiresAt, err
}

// ValidateAccess parses and validates an access token (signature, exp with
// leeway, iss, aud). Returns the principal id and chain id.
func (p *TokenProvider) ValidateAccess(tokenString string) (principalID, chainID string, err error) {
	var claims AccessClaims
	if err := p.parse(tokenString, &claims); err != nil {
		return "", "", err
	}
	return claims.Subject, claims.ChainID, nil
}

// ValidateRefresh parses and validates a refresh token. Returns the principal
// id, the jti (single-use token id), and the chain id.
func (p *TokenProvider) ValidateRefresh(tokenString string) (principalID, jti, chainID string, err error) {
	var claims RefreshClaims
	if err := p.parse(tokenString, &claims); err != nil {
		return "", "", "", err
	}
	return claims.Subject, claims.ID, claims.ChainID, nil
}

func (p *TokenProvider) parse(tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA:
			return p.publicKey, nil
		default:
			return nil, ErrInvalidToken
		}
	},
		jwt.WithLeeway(p.leeway),
		jwt.WithIssuer(p.issuer),
		jwt.WithAudience(p.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return ErrInvalidToken
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}

func (p *TokenProvider) sign(claims jwt.Claims) (string, error) {
	var method jwt.SigningMethod
	switch p.privateKey.Public().(type) {
	case *rsa.PublicKey:
		method = jwt.SigningMethodRS256
	case *ecdsa.PublicKey:
		method = jwt.SigningMethodES256
	default:
		return "", ErrInvalidToken
	}
	t := jwt.NewWithClaims(method, claims)
	return t.SignedString(p.privateKey)
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
