package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Acquire implements the Coordination Primitive: it succeeds only
// if the key is unbound or already expired, or already held by holder.
// The upsert's WHERE guard makes this atomic with respect to other callers
// racing on the same key.
func (s *Store) Acquire(ctx context.Context, key, holder string, ttlSeconds int) (bool, error) {
	expires := time.Now().Add(time.Duration(ttlSeconds) * time.Second)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO coordination_locks (key, holder, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE
		SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE coordination_locks.expires_at < now() OR coordination_locks.holder = $2
	`, key, holder, expires)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return n > 0, nil
}

// Renew extends the lease, but only while holder still owns it.
func (s *Store) Renew(ctx context.Context, key, holder string, ttlSeconds int) (bool, error) {
	expires := time.Now().Add(time.Duration(ttlSeconds) * time.Second)

	res, err := s.db.ExecContext(ctx, `
		UPDATE coordination_locks SET expires_at = $1
		WHERE key = $2 AND holder = $3 AND expires_at >= now()
	`, expires, key, holder)
	if err != nil {
		return false, fmt.Errorf("renew lock %s: %w", key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("renew lock %s: %w", key, err)
	}
	return n > 0, nil
}

// Read returns the current holder of key, or "" if unbound/expired.
func (s *Store) Read(ctx context.Context, key string) (string, error) {
	var holder string
	err := s.db.QueryRowContext(ctx, `
		SELECT holder FROM coordination_locks WHERE key = $1 AND expires_at >= now()
	`, key).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		// Unbound or expired: not a caller-visible error.
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lock %s: %w", key, err)
	}
	return holder, nil
}
