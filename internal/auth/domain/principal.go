// Package domain holds auth entities: principals and refresh-token chain records.
package domain

import "time"

// Principal is an authenticated user identity. Groups is the cached set of
// group-conversation ids the user belongs to, loaded at authentication and
// refreshed on rotation.
type Principal struct {
	ID          string
	DisplayName string
	Groups      []string
}

// User is the stored account backing a Principal at login time.
type User struct {
	ID           string
	Username     string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
}
