package auth

import (
	"context"

	"gitea.jw6.us/james/outlookcal/internal/store"
)

type contextKey string

const contextKeySession contextKey = "session"

func WithSession(ctx context.Context, session *store.Session) context.Context {
	return context.WithValue(ctx, contextKeySession, session)
}

// SessionFromContext returns the session loaded by LoadSession. The token on
// it may carry RefreshAccessTokenError; check Token.Usable before calling Graph.
func SessionFromContext(ctx context.Context) (*store.Session, bool) {
	s, ok := ctx.Value(contextKeySession).(*store.Session)
	return s, ok && s != nil
}
