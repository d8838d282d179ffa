// Package session holds the authenticated-user value that is threaded into
// store clients and view-models.
package session

import "time"

// Session identifies the signed-in user of one client.
type Session struct {
	UserID     int64     `json:"user_id"`
	ExternalID string    `json:"external_id"`
	Token      string    `json:"token,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the session is no longer usable at now.
// A nil session is always expired.
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}
