package session

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// WithinUser runs fn inside one transaction holding the user's advisory lock.
//
// The lock is transaction-scoped: it is released on commit or rollback, so a
// cancelled context or a failing fn leaves neither partial writes nor a held lock.
func (s *PostgresStore) WithinUser(ctx context.Context, userID string, fn func(tx Store) error) error {
	if s.userID != "" {
		if err := s.checkUser(userID); err != nil {
			return err
		}
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeErr("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockUserTx(ctx, tx, userID); err != nil {
		return storeErr("lock user", err)
	}

	if err := fn(&PostgresStore{pool: s.pool, q: tx, userID: userID}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

func lockUserTx(ctx context.Context, tx pgx.Tx, userID string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, userID)
	return err
}
