package domain

import "time"

// RefreshToken is the stored record of one refresh token in a rotation chain.
// The jti is the primary key; the raw token is never stored, only its hash.
// Used flips to true exactly once, at rotation; a validate against a used jti
// is a replay and revokes the whole chain.
type RefreshToken struct {
	JTI         string
	ChainID     string
	PrincipalID string
	TokenHash   string
	Used        bool
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the token's lifetime has passed at the given instant.
func (t *RefreshToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
