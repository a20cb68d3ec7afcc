package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"

	"gitea.jw6.us/james/outlookcal/internal/auth/oauth"
)

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// postgresSessionRepo implements SessionRepository.
type postgresSessionRepo struct {
	db     dbtx
	sealer *Sealer
	clock  clockwork.Clock
}

func (r *postgresSessionRepo) Create(ctx context.Context, session Session) (*Session, error) {
	defer observeStore(ctx, "session.create", BackendPostgres)()

	sealed, err := r.sealer.Seal(session.ID, session.Token)
	if err != nil {
		return nil, err
	}

	const q = `INSERT INTO sessions (id, subject, email, name, token, created_at, expires_at, last_seen_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := r.db.ExecContext(ctx, q,
		session.ID, session.Subject, session.Email, session.Name, sealed,
		session.CreatedAt, session.ExpiresAt, session.LastSeenAt,
	); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return &session, nil
}

func (r *postgresSessionRepo) Get(ctx context.Context, id string) (*Session, error) {
	defer observeStore(ctx, "session.get", BackendPostgres)()

	const q = `SELECT subject, email, name, token, created_at, expires_at, last_seen_at
FROM sessions WHERE id=$1 AND expires_at > $2`

	session := Session{ID: id}
	var sealed []byte
	err := r.db.QueryRowContext(ctx, q, id, r.clock.Now()).Scan(
		&session.Subject, &session.Email, &session.Name, &sealed,
		&session.CreatedAt, &session.ExpiresAt, &session.LastSeenAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}

	if session.Token, err = r.sealer.Open(id, sealed); err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *postgresSessionRepo) UpdateToken(ctx context.Context, id string, rec oauth.Record) error {
	defer observeStore(ctx, "session.update_token", BackendPostgres)()

	sealed, err := r.sealer.Seal(id, rec)
	if err != nil {
		return err
	}

	const q = `UPDATE sessions SET token=$1, last_seen_at=$2 WHERE id=$3`
	res, err := r.db.ExecContext(ctx, q, sealed, r.clock.Now(), id)
	if err != nil {
		return fmt.Errorf("update session token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session token: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresSessionRepo) Delete(ctx context.Context, id string) error {
	defer observeStore(ctx, "session.delete", BackendPostgres)()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (r *postgresSessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	defer observeStore(ctx, "session.delete_expired", BackendPostgres)()

	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, r.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}
