package store

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"gitea.jw6.us/james/outlookcal/internal/auth/oauth"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	sealer, err := NewSealer(testSecret)
	require.NoError(t, err)
	return sealer
}

func sampleSession(clock clockwork.Clock) Session {
	now := clock.Now()
	return Session{
		ID:      "3f6c2a8e-8d6b-4a7e-9d55-0c1c1d0f4b21",
		Subject: "oid-1",
		Email:   "ada@example.com",
		Name:    "Ada Lovelace",
		Token: oauth.Record{
			AccessToken:  "access",
			RefreshToken: "refresh",
			ExpiresAt:    now.Add(time.Hour),
		},
		CreatedAt:  now,
		ExpiresAt:  now.Add(24 * time.Hour),
		LastSeenAt: now,
	}
}
