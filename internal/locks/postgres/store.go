// Package postgres stores locks in a shared table so that every custody
// process contends on the same wallet and leader locks. Expiry is evaluated
// against the database clock.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/contestfi/custody/internal/locks"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrInvalidConfig = errors.New("locks/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

var _ locks.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("locks/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (locks.Lock, bool, error) {
	if err := s.check(name, owner, ttl); err != nil {
		return locks.Lock{}, false, err
	}

	var l locks.Lock
	err := s.pool.QueryRow(ctx, `
		INSERT INTO custody_locks (name, owner, expires_at)
		VALUES ($1, $2, now() + make_interval(secs => $3::double precision / 1000))
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at,
			acquired_at = now(),
			updated_at = now()
		WHERE custody_locks.expires_at <= now()
		RETURNING name, owner, expires_at
	`, name, owner, millis(ttl)).Scan(&l.Name, &l.Owner, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.Get(ctx, name)
		if gerr != nil {
			return locks.Lock{}, false, gerr
		}
		return cur, false, nil
	}
	if err != nil {
		return locks.Lock{}, false, fmt.Errorf("locks/postgres: acquire %s: %w", name, err)
	}
	return l, true, nil
}

func (s *Store) Renew(ctx context.Context, name, owner string, ttl time.Duration) (locks.Lock, bool, error) {
	if err := s.check(name, owner, ttl); err != nil {
		return locks.Lock{}, false, err
	}

	var l locks.Lock
	err := s.pool.QueryRow(ctx, `
		UPDATE custody_locks
		SET expires_at = now() + make_interval(secs => $3::double precision / 1000),
			updated_at = now()
		WHERE name = $1 AND owner = $2
		RETURNING name, owner, expires_at
	`, name, owner, millis(ttl)).Scan(&l.Name, &l.Owner, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.Get(ctx, name); gerr != nil {
			return locks.Lock{}, false, gerr
		}
		return locks.Lock{}, false, locks.ErrNotOwner
	}
	if err != nil {
		return locks.Lock{}, false, fmt.Errorf("locks/postgres: renew %s: %w", name, err)
	}
	return l, true, nil
}

func (s *Store) Release(ctx context.Context, name, owner string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" || owner == "" {
		return locks.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM custody_locks WHERE name = $1 AND owner = $2`, name, owner)
	if err != nil {
		return fmt.Errorf("locks/postgres: release %s: %w", name, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	cur, err := s.Get(ctx, name)
	switch {
	case errors.Is(err, locks.ErrNotFound):
		return nil
	case err != nil:
		return err
	case cur.Owner != owner:
		return locks.ErrNotOwner
	}
	return nil
}

func (s *Store) Get(ctx context.Context, name string) (locks.Lock, error) {
	if s == nil || s.pool == nil {
		return locks.Lock{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" {
		return locks.Lock{}, locks.ErrInvalidInput
	}
	l := locks.Lock{Name: name}
	err := s.pool.QueryRow(ctx, `SELECT owner, expires_at FROM custody_locks WHERE name = $1`, name).Scan(&l.Owner, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return locks.Lock{}, locks.ErrNotFound
	}
	if err != nil {
		return locks.Lock{}, fmt.Errorf("locks/postgres: get %s: %w", name, err)
	}
	return l, nil
}

func (s *Store) check(name, owner string, ttl time.Duration) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" || owner == "" || ttl <= 0 {
		return locks.ErrInvalidInput
	}
	return nil
}

func millis(ttl time.Duration) int64 {
	if ms := ttl.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}
