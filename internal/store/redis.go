package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"gitea.jw6.us/james/outlookcal/internal/auth/oauth"
)

const redisKeyPrefix = "outlookcal:session:"

// RedisClient is the subset of *redis.Client used by the session store.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// redisSession is the stored JSON value. Token holds the sealed record.
type redisSession struct {
	Subject    string    `json:"sub"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	Token      []byte    `json:"token"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// redisSessionRepo implements SessionRepository.
type redisSessionRepo struct {
	client RedisClient
	sealer *Sealer
	clock  clockwork.Clock
}

func redisKey(id string) string {
	return redisKeyPrefix + id
}

func (r *redisSessionRepo) Create(ctx context.Context, session Session) (*Session, error) {
	defer observeStore(ctx, "session.create", BackendRedis)()
	if err := r.put(ctx, session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *redisSessionRepo) Get(ctx context.Context, id string) (*Session, error) {
	defer observeStore(ctx, "session.get", BackendRedis)()
	return r.load(ctx, id)
}

func (r *redisSessionRepo) UpdateToken(ctx context.Context, id string, rec oauth.Record) error {
	defer observeStore(ctx, "session.update_token", BackendRedis)()

	session, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	session.Token = rec
	session.LastSeenAt = r.clock.Now()
	return r.put(ctx, *session)
}

func (r *redisSessionRepo) Delete(ctx context.Context, id string) error {
	defer observeStore(ctx, "session.delete", BackendRedis)()
	if err := r.client.Del(ctx, redisKey(id)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (r *redisSessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	return 0, nil
}

func (r *redisSessionRepo) load(ctx context.Context, id string) (*Session, error) {
	raw, err := r.client.Get(ctx, redisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var stored redisSession
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSession, err)
	}
	session := &Session{
		ID:         id,
		Subject:    stored.Subject,
		Email:      stored.Email,
		Name:       stored.Name,
		CreatedAt:  stored.CreatedAt,
		ExpiresAt:  stored.ExpiresAt,
		LastSeenAt: stored.LastSeenAt,
	}
	// TTL granularity can leave a key alive slightly past its expiry.
	if session.Expired(r.clock.Now()) {
		return nil, ErrNotFound
	}
	if session.Token, err = r.sealer.Open(id, stored.Token); err != nil {
		return nil, err
	}
	return session, nil
}

func (r *redisSessionRepo) put(ctx context.Context, session Session) error {
	ttl := session.ExpiresAt.Sub(r.clock.Now())
	if ttl <= 0 {
		return ErrNotFound
	}

	sealed, err := r.sealer.Seal(session.ID, session.Token)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(redisSession{
		Subject:    session.Subject,
		Email:      session.Email,
		Name:       session.Name,
		Token:      sealed,
		CreatedAt:  session.CreatedAt,
		ExpiresAt:  session.ExpiresAt,
		LastSeenAt: session.LastSeenAt,
	})
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.client.Set(ctx, redisKey(session.ID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}
