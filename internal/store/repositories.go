package store

import (
	"context"

	"gitea.jw6.us/james/outlookcal/internal/auth/oauth"
)

// SessionRepository persists sessions. Get returns ErrNotFound for unknown and
// expired sessions alike.
type SessionRepository interface {
	Create(ctx context.Context, session Session) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	UpdateToken(ctx context.Context, id string, rec oauth.Record) error
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context) (int64, error)
}
