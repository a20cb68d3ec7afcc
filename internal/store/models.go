package store

import (
	"time"

	"gitea.jw6.us/james/outlookcal/internal/auth/oauth"
)

// Session is a signed-in browser session and the Microsoft tokens behind it.
type Session struct {
	ID      string
	Subject string
	Email   string
	Name    string
	Token   oauth.Record

	CreatedAt  time.Time
	ExpiresAt  time.Time
	LastSeenAt time.Time
}

// Expired reports whether the session lifetime has elapsed at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
