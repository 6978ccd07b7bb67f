package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sessiond/cmd/internal/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the subset shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL (sessiond.device_sessions).
type PostgresStore struct {
	pool *pgxpool.Pool
	q    querier

	// userID is set on the tx-scoped copy handed to WithinUser callbacks.
	userID string
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a Postgres-backed session store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, q: pool}
}

const sessionColumns = `
	id, user_id, device_id,
	device_name, platform, ip_address, user_agent,
	created_at, last_active_at, expires_at,
	is_revoked, revoked_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var s Session
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.DeviceID,
		&s.DeviceName,
		&s.Platform,
		&s.IPAddress,
		&s.UserAgent,
		&s.CreatedAt,
		&s.LastActiveAt,
		&s.ExpiresAt,
		&s.IsRevoked,
		&s.RevokedAt,
	)
	if err != nil {
		return Session{}, err
	}

	s.CreatedAt = s.CreatedAt.UTC()
	s.LastActiveAt = s.LastActiveAt.UTC()
	s.ExpiresAt = s.ExpiresAt.UTC()
	if s.RevokedAt != nil {
		t := s.RevokedAt.UTC()
		s.RevokedAt = &t
	}
	return s, nil
}

// Upsert inserts a new row or renews the existing one for (userID, deviceID).
// Supplied metadata overwrites; NULL keeps the stored value.
func (s *PostgresStore) Upsert(ctx context.Context, now time.Time, userID, deviceID string, meta Metadata, expiresAt time.Time) (Session, error) {
	if err := s.checkUser(userID); err != nil {
		return Session{}, err
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Session{}, storeErr("upsert", err)
	}

	meta = meta.Normalize()

	row, err := scanSession(s.q.QueryRow(ctx, `
		INSERT INTO sessiond.device_sessions (
			id, user_id, device_id,
			device_name, platform, ip_address, user_agent,
			created_at, last_active_at, expires_at,
			is_revoked, revoked_at
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7,
			$8, $8, $9,
			FALSE, NULL
		)
		ON CONFLICT (user_id, device_id) DO UPDATE SET
			device_name    = COALESCE(EXCLUDED.device_name, device_sessions.device_name),
			platform       = COALESCE(EXCLUDED.platform, device_sessions.platform),
			ip_address     = COALESCE(EXCLUDED.ip_address, device_sessions.ip_address),
			user_agent     = COALESCE(EXCLUDED.user_agent, device_sessions.user_agent),
			last_active_at = EXCLUDED.last_active_at,
			expires_at     = EXCLUDED.expires_at
		RETURNING`+sessionColumns,
		id, userID, deviceID,
		meta.DeviceName, meta.Platform, meta.IPAddress, meta.UserAgent,
		now, expiresAt,
	))
	if err != nil {
		return Session{}, storeErr("upsert", err)
	}

	return row, nil
}

// Get loads the row for (userID, deviceID).
func (s *PostgresStore) Get(ctx context.Context, userID, deviceID string) (Session, error) {
	row, err := scanSession(s.q.QueryRow(ctx, `
		SELECT`+sessionColumns+`
		FROM sessiond.device_sessions
		WHERE user_id = $1 AND device_id = $2
	`, userID, deviceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, storeErr("get", err)
	}
	return row, nil
}

// GetByID loads a session row by ID.
func (s *PostgresStore) GetByID(ctx context.Context, sessionID string) (Session, error) {
	row, err := scanSession(s.q.QueryRow(ctx, `
		SELECT`+sessionColumns+`
		FROM sessiond.device_sessions
		WHERE id = $1
	`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, storeErr("get by id", err)
	}
	return row, nil
}

// CountActive counts the user's active sessions in one statement.
func (s *PostgresStore) CountActive(ctx context.Context, now time.Time, userID string) (int, error) {
	var n int
	err := s.q.QueryRow(ctx, `
		SELECT count(*)
		FROM sessiond.device_sessions
		WHERE user_id = $1 AND NOT is_revoked AND expires_at > $2
	`, userID, now).Scan(&n)
	if err != nil {
		return 0, storeErr("count active", err)
	}
	return n, nil
}

// FindOldestActive returns the active session idle the longest.
func (s *PostgresStore) FindOldestActive(ctx context.Context, now time.Time, userID string) (Session, error) {
	row, err := scanSession(s.q.QueryRow(ctx, `
		SELECT`+sessionColumns+`
		FROM sessiond.device_sessions
		WHERE user_id = $1 AND NOT is_revoked AND expires_at > $2
		ORDER BY last_active_at ASC, created_at ASC, id ASC
		LIMIT 1
	`, userID, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, storeErr("find oldest active", err)
	}
	return row, nil
}

// ListActive returns the user's active sessions, most recently active first.
func (s *PostgresStore) ListActive(ctx context.Context, now time.Time, userID string) ([]Session, error) {
	rows, err := s.q.Query(ctx, `
		SELECT`+sessionColumns+`
		FROM sessiond.device_sessions
		WHERE user_id = $1 AND NOT is_revoked AND expires_at > $2
		ORDER BY last_active_at DESC, created_at DESC, id DESC
	`, userID, now)
	if err != nil {
		return nil, storeErr("list active", err)
	}
	defer rows.Close()

	out := make([]Session, 0, 8)
	for rows.Next() {
		row, err := scanSession(rows)
		if err != nil {
			return nil, storeErr("list active", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list active", err)
	}
	return out, nil
}

// Revoke revokes a single session. Revoking twice reports ErrAlreadyRevoked.
func (s *PostgresStore) Revoke(ctx context.Context, now time.Time, sessionID string) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE sessiond.device_sessions
		SET is_revoked = TRUE,
		    revoked_at = $2
		WHERE id = $1 AND NOT is_revoked
	`, sessionID, now)
	if err != nil {
		return storeErr("revoke", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	if _, err := s.GetByID(ctx, sessionID); err != nil {
		return err
	}
	return ErrAlreadyRevoked
}

// RevokeAllExcept revokes every active session of the user except the one on exceptDeviceID.
func (s *PostgresStore) RevokeAllExcept(ctx context.Context, now time.Time, userID, exceptDeviceID string) (int64, error) {
	if err := s.checkUser(userID); err != nil {
		return 0, err
	}

	tag, err := s.q.Exec(ctx, `
		UPDATE sessiond.device_sessions
		SET is_revoked = TRUE,
		    revoked_at = $2
		WHERE user_id = $1
		  AND NOT is_revoked
		  AND expires_at > $2
		  AND ($3 = '' OR device_id <> $3)
	`, userID, now, exceptDeviceID)
	if err != nil {
		return 0, storeErr("revoke all", err)
	}
	return tag.RowsAffected(), nil
}

// Touch updates last_active_at on the active row for the key.
func (s *PostgresStore) Touch(ctx context.Context, now time.Time, userID, deviceID string) error {
	_, err := s.q.Exec(ctx, `
		UPDATE sessiond.device_sessions
		SET last_active_at = $3
		WHERE user_id = $1 AND device_id = $2
		  AND NOT is_revoked AND expires_at > $3
	`, userID, deviceID, now)
	return storeErr("touch", err)
}

// Delete removes a row.
func (s *PostgresStore) Delete(ctx context.Context, sessionID string) error {
	tag, err := s.q.Exec(ctx, `
		DELETE FROM sessiond.device_sessions
		WHERE id = $1
	`, sessionID)
	if err != nil {
		return storeErr("delete", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredAndStaleRevoked removes expired rows and rows revoked before now-staleAfter.
func (s *PostgresStore) DeleteExpiredAndStaleRevoked(ctx context.Context, now time.Time, staleAfter time.Duration) (int64, error) {
	if s.userID != "" {
		return 0, fmt.Errorf("%w: sweep cannot run inside a user scope", ErrInvalidInput)
	}

	tag, err := s.q.Exec(ctx, `
		DELETE FROM sessiond.device_sessions
		WHERE expires_at < $1
		   OR (is_revoked AND revoked_at < $2)
	`, now, now.Add(-staleAfter))
	if err != nil {
		return 0, storeErr("delete expired", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return storeErr("ping", s.pool.Ping(ctx))
}

func (s *PostgresStore) checkUser(userID string) error {
	if s.userID != "" && userID != s.userID {
		return fmt.Errorf("%w: user %q is outside the locked scope", ErrInvalidInput, userID)
	}
	return nil
}
