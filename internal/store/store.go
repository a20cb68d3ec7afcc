package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jonboulle/clockwork"
)

// Backend names accepted by APP_SESSION_STORE.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type pinger interface {
	PingContext(ctx context.Context) error
}

// Store aggregates the session repository with a backend health check.
type Store struct {
	backend string
	ping    func(ctx context.Context) error

	Sessions SessionRepository
}

// NewMemory keeps sessions in process memory. Sessions are lost on restart.
func NewMemory(clock clockwork.Clock) *Store {
	return &Store{
		backend:  BackendMemory,
		ping:     func(context.Context) error { return nil },
		Sessions: newMemorySessionRepo(clock),
	}
}

// NewPostgres wires the session repository to a database handle. Token
// records are sealed before they are written.
func NewPostgres(db *sql.DB, sealer *Sealer, clock clockwork.Clock) *Store {
	return newPostgres(db, db, sealer, clock)
}

func newPostgres(db dbtx, p pinger, sealer *Sealer, clock clockwork.Clock) *Store {
	return &Store{
		backend:  BackendPostgres,
		ping:     p.PingContext,
		Sessions: &postgresSessionRepo{db: db, sealer: sealer, clock: clock},
	}
}

// NewRedis wires the session repository to a redis client. Redis key TTLs
// expire sessions, so DeleteExpired is a no-op for this backend.
func NewRedis(client RedisClient, sealer *Sealer, clock clockwork.Clock) *Store {
	return &Store{
		backend: BackendRedis,
		ping: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		Sessions: &redisSessionRepo{client: client, sealer: sealer, clock: clock},
	}
}

// Backend returns the configured backend name.
func (s *Store) Backend() string {
	return s.backend
}

// HealthCheck verifies that the underlying backend is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	defer observeStore(ctx, "store.healthcheck", s.backend)()
	if err := s.ping(ctx); err != nil {
		return fmt.Errorf("%s session store: %w", s.backend, err)
	}
	return nil
}
