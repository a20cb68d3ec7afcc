package store

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"

	"gitea.jw6.us/james/outlookcal/internal/auth/oauth"
)

// memorySessionRepo implements SessionRepository in process memory.
type memorySessionRepo struct {
	clock clockwork.Clock

	mu       sync.RWMutex
	sessions map[string]Session
}

func newMemorySessionRepo(clock clockwork.Clock) *memorySessionRepo {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &memorySessionRepo{clock: clock, sessions: make(map[string]Session)}
}

func (r *memorySessionRepo) Create(ctx context.Context, session Session) (*Session, error) {
	defer observeStore(ctx, "session.create", BackendMemory)()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID] = session
	return &session, nil
}

func (r *memorySessionRepo) Get(ctx context.Context, id string) (*Session, error) {
	defer observeStore(ctx, "session.get", BackendMemory)()
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[id]
	if !ok || session.Expired(r.clock.Now()) {
		return nil, ErrNotFound
	}
	return &session, nil
}

func (r *memorySessionRepo) UpdateToken(ctx context.Context, id string, rec oauth.Record) error {
	defer observeStore(ctx, "session.update_token", BackendMemory)()
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	session.Token = rec
	session.LastSeenAt = r.clock.Now()
	r.sessions[id] = session
	return nil
}

func (r *memorySessionRepo) Delete(ctx context.Context, id string) error {
	defer observeStore(ctx, "session.delete", BackendMemory)()
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

func (r *memorySessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	defer observeStore(ctx, "session.delete_expired", BackendMemory)()
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed int64
	for id, session := range r.sessions {
		if session.Expired(now) {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed, nil
}
