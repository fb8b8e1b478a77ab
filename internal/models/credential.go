// Package models defines types shared across internal packages.
package models

import "time"

// Credential is the bearer credential pair for the realtime backend.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
}

// Valid reports whether the credential carries an access token that has
// not passed its expiry. A zero ExpiresAt never expires.
func (c Credential) Valid(now time.Time) bool {
	if c.AccessToken == "" {
		return false
	}

	return c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt)
}
