package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"sessiond/cmd/internal/ids"
)

// MemoryStore is a process-local Store used when no database is configured
// (single-node dev) and in tests.
//
// Writers for one user are serialized by a per-user lock; writers for
// different users never contend beyond the short map critical sections.
type MemoryStore struct {
	mu    sync.RWMutex
	rows  map[string]Session           // session id -> row
	byKey map[string]map[string]string // user id -> device id -> session id

	locks *keyedMutex
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*memTx)(nil)
)

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:  make(map[string]Session),
		byKey: make(map[string]map[string]string),
		locks: newKeyedMutex(),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Upsert renews or creates the row for (userID, deviceID).
func (s *MemoryStore) Upsert(ctx context.Context, now time.Time, userID, deviceID string, meta Metadata, expiresAt time.Time) (Session, error) {
	var out Session
	err := s.WithinUser(ctx, userID, func(tx Store) error {
		var err error
		out, err = tx.Upsert(ctx, now, userID, deviceID, meta, expiresAt)
		return err
	})
	return out, err
}

// Get loads the row for (userID, deviceID).
func (s *MemoryStore) Get(ctx context.Context, userID, deviceID string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, storeErr("get", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[userID][deviceID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s.rows[id].clone(), nil
}

// GetByID loads a row by id.
func (s *MemoryStore) GetByID(ctx context.Context, sessionID string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, storeErr("get by id", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return row.clone(), nil
}

// CountActive counts the user's active rows.
func (s *MemoryStore) CountActive(ctx context.Context, now time.Time, userID string) (int, error) {
	rows, err := s.snapshot(ctx, userID)
	if err != nil {
		return 0, storeErr("count active", err)
	}
	return countActive(rows, now), nil
}

// FindOldestActive returns the least recently active row of the user.
func (s *MemoryStore) FindOldestActive(ctx context.Context, now time.Time, userID string) (Session, error) {
	rows, err := s.snapshot(ctx, userID)
	if err != nil {
		return Session{}, storeErr("find oldest active", err)
	}
	return oldestActive(rows, now)
}

// ListActive returns the user's active rows, most recently active first.
func (s *MemoryStore) ListActive(ctx context.Context, now time.Time, userID string) ([]Session, error) {
	rows, err := s.snapshot(ctx, userID)
	if err != nil {
		return nil, storeErr("list active", err)
	}
	return listActive(rows, now), nil
}

// Revoke marks one session revoked.
func (s *MemoryStore) Revoke(ctx context.Context, now time.Time, sessionID string) error {
	row, err := s.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.WithinUser(ctx, row.UserID, func(tx Store) error {
		return tx.Revoke(ctx, now, sessionID)
	})
}

// RevokeAllExcept revokes the user's active rows except exceptDeviceID.
func (s *MemoryStore) RevokeAllExcept(ctx context.Context, now time.Time, userID, exceptDeviceID string) (int64, error) {
	var n int64
	err := s.WithinUser(ctx, userID, func(tx Store) error {
		var err error
		n, err = tx.RevokeAllExcept(ctx, now, userID, exceptDeviceID)
		return err
	})
	return n, err
}

// Touch refreshes last_active_at on the active row for the key.
func (s *MemoryStore) Touch(ctx context.Context, now time.Time, userID, deviceID string) error {
	return s.WithinUser(ctx, userID, func(tx Store) error {
		return tx.Touch(ctx, now, userID, deviceID)
	})
}

// Delete removes one row.
func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	row, err := s.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.WithinUser(ctx, row.UserID, func(tx Store) error {
		return tx.Delete(ctx, sessionID)
	})
}

// DeleteExpiredAndStaleRevoked removes terminal rows past their retention.
// It only ever touches rows that are already terminal, so it does not take user locks.
func (s *MemoryStore) DeleteExpiredAndStaleRevoked(ctx context.Context, now time.Time, staleAfter time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, storeErr("delete expired", err)
	}

	cutoff := now.Add(-staleAfter)

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, row := range s.rows {
		if !sweepable(row, now, cutoff) {
			continue
		}
		s.removeLocked(row)
		delete(s.rows, id)
		n++
	}
	return n, nil
}

// WithinUser runs fn under the user's lock against a staged copy of the
// user's rows and commits the staged changes only when fn succeeds.
func (s *MemoryStore) WithinUser(ctx context.Context, userID string, fn func(tx Store) error) error {
	unlock, err := s.locks.Lock(ctx, userID)
	if err != nil {
		return storeErr("lock user", err)
	}
	defer unlock()

	rows, err := s.snapshot(ctx, userID)
	if err != nil {
		return storeErr("begin", err)
	}

	tx := &memTx{
		parent:  s,
		userID:  userID,
		rows:    make(map[string]Session, len(rows)),
		dirty:   make(map[string]bool),
		deleted: make(map[string]bool),
	}
	for _, r := range rows {
		tx.rows[r.ID] = r
	}

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return storeErr("commit", err)
	}

	s.commit(tx)
	return nil
}

func (s *MemoryStore) snapshot(ctx context.Context, userID string) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := s.byKey[userID]
	out := make([]Session, 0, len(devices))
	for _, id := range devices {
		out = append(out, s.rows[id].clone())
	}
	return out, nil
}

func (s *MemoryStore) commit(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range tx.deleted {
		if row, ok := s.rows[id]; ok {
			s.removeLocked(row)
			delete(s.rows, id)
		}
	}
	for id := range tx.dirty {
		row := tx.rows[id]
		devices := s.byKey[row.UserID]
		if devices == nil {
			devices = make(map[string]string)
			s.byKey[row.UserID] = devices
		}
		devices[row.DeviceID] = id
		s.rows[id] = row
	}
}

func (s *MemoryStore) removeLocked(row Session) {
	devices := s.byKey[row.UserID]
	if devices[row.DeviceID] == row.ID {
		delete(devices, row.DeviceID)
	}
	if len(devices) == 0 {
		delete(s.byKey, row.UserID)
	}
}

// memTx is the Store handed to WithinUser callbacks.
type memTx struct {
	parent *MemoryStore
	userID string

	rows    map[string]Session
	dirty   map[string]bool
	deleted map[string]bool
}

func (t *memTx) checkUser(userID string) error {
	if userID != t.userID {
		return fmt.Errorf("%w: user %q is outside the locked scope", ErrInvalidInput, userID)
	}
	return nil
}

func (t *memTx) list() []Session {
	out := make([]Session, 0, len(t.rows))
	for _, r := range t.rows {
		out = append(out, r)
	}
	return out
}

func (t *memTx) byDevice(deviceID string) (Session, bool) {
	for _, r := range t.rows {
		if r.DeviceID == deviceID {
			return r, true
		}
	}
	return Session{}, false
}

func (t *memTx) put(row Session) {
	t.rows[row.ID] = row
	t.dirty[row.ID] = true
	delete(t.deleted, row.ID)
}

func (t *memTx) Upsert(ctx context.Context, now time.Time, userID, deviceID string, meta Metadata, expiresAt time.Time) (Session, error) {
	if err := t.checkUser(userID); err != nil {
		return Session{}, err
	}
	if err := ctx.Err(); err != nil {
		return Session{}, storeErr("upsert", err)
	}

	meta = meta.Normalize()

	row, ok := t.byDevice(deviceID)
	if !ok {
		id, err := ids.NewULID(now)
		if err != nil {
			return Session{}, storeErr("upsert", err)
		}
		row = Session{
			ID:        id,
			UserID:    userID,
			DeviceID:  deviceID,
			CreatedAt: now,
		}
	}
	meta.applyTo(&row)
	row.LastActiveAt = now
	row.ExpiresAt = expiresAt

	t.put(row)
	return row.clone(), nil
}

func (t *memTx) Get(ctx context.Context, userID, deviceID string) (Session, error) {
	if userID != t.userID {
		return t.parent.Get(ctx, userID, deviceID)
	}
	row, ok := t.byDevice(deviceID)
	if !ok {
		return Session{}, ErrNotFound
	}
	return row.clone(), nil
}

func (t *memTx) GetByID(ctx context.Context, sessionID string) (Session, error) {
	if row, ok := t.rows[sessionID]; ok {
		return row.clone(), nil
	}
	if t.deleted[sessionID] {
		return Session{}, ErrNotFound
	}
	return t.parent.GetByID(ctx, sessionID)
}

func (t *memTx) CountActive(ctx context.Context, now time.Time, userID string) (int, error) {
	if userID != t.userID {
		return t.parent.CountActive(ctx, now, userID)
	}
	return countActive(t.list(), now), nil
}

func (t *memTx) FindOldestActive(ctx context.Context, now time.Time, userID string) (Session, error) {
	if userID != t.userID {
		return t.parent.FindOldestActive(ctx, now, userID)
	}
	return oldestActive(t.list(), now)
}

func (t *memTx) ListActive(ctx context.Context, now time.Time, userID string) ([]Session, error) {
	if userID != t.userID {
		return t.parent.ListActive(ctx, now, userID)
	}
	return listActive(t.list(), now), nil
}

func (t *memTx) Revoke(ctx context.Context, now time.Time, sessionID string) error {
	row, ok := t.rows[sessionID]
	if !ok {
		if _, err := t.GetByID(ctx, sessionID); err != nil {
			return err
		}
		return fmt.Errorf("%w: session %q is outside the locked scope", ErrInvalidInput, sessionID)
	}
	if row.IsRevoked {
		return ErrAlreadyRevoked
	}
	revokedAt := now
	row.IsRevoked = true
	row.RevokedAt = &revokedAt
	t.put(row)
	return nil
}

func (t *memTx) RevokeAllExcept(ctx context.Context, now time.Time, userID, exceptDeviceID string) (int64, error) {
	if err := t.checkUser(userID); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, storeErr("revoke all", err)
	}

	var n int64
	for _, row := range t.list() {
		if !row.Active(now) {
			continue
		}
		if exceptDeviceID != "" && row.DeviceID == exceptDeviceID {
			continue
		}
		revokedAt := now
		row.IsRevoked = true
		row.RevokedAt = &revokedAt
		t.put(row)
		n++
	}
	return n, nil
}

func (t *memTx) Touch(ctx context.Context, now time.Time, userID, deviceID string) error {
	if err := t.checkUser(userID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return storeErr("touch", err)
	}

	row, ok := t.byDevice(deviceID)
	if !ok || !row.Active(now) {
		return nil
	}
	row.LastActiveAt = now
	t.put(row)
	return nil
}

func (t *memTx) Delete(ctx context.Context, sessionID string) error {
	if _, ok := t.rows[sessionID]; !ok {
		if _, err := t.GetByID(ctx, sessionID); err != nil {
			return err
		}
		return fmt.Errorf("%w: session %q is outside the locked scope", ErrInvalidInput, sessionID)
	}
	delete(t.rows, sessionID)
	delete(t.dirty, sessionID)
	t.deleted[sessionID] = true
	return nil
}

func (t *memTx) DeleteExpiredAndStaleRevoked(ctx context.Context, now time.Time, staleAfter time.Duration) (int64, error) {
	return 0, fmt.Errorf("%w: sweep cannot run inside a user scope", ErrInvalidInput)
}

func (t *memTx) WithinUser(ctx context.Context, userID string, fn func(tx Store) error) error {
	if err := t.checkUser(userID); err != nil {
		return err
	}
	return fn(t)
}

func countActive(rows []Session, now time.Time) int {
	n := 0
	for _, r := range rows {
		if r.Active(now) {
			n++
		}
	}
	return n
}

func oldestActive(rows []Session, now time.Time) (Session, error) {
	var (
		best  Session
		found bool
	)
	for _, r := range rows {
		if !r.Active(now) {
			continue
		}
		if !found || idleBefore(r, best) {
			best, found = r, true
		}
	}
	if !found {
		return Session{}, ErrNotFound
	}
	return best.clone(), nil
}

func listActive(rows []Session, now time.Time) []Session {
	out := make([]Session, 0, len(rows))
	for _, r := range rows {
		if r.Active(now) {
			out = append(out, r.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return idleBefore(out[j], out[i]) })
	return out
}

// idleBefore orders a ahead of b in eviction order: smaller last_active_at,
// then smaller created_at, then smaller id.
func idleBefore(a, b Session) bool {
	if !a.LastActiveAt.Equal(b.LastActiveAt) {
		return a.LastActiveAt.Before(b.LastActiveAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func sweepable(r Session, now, revokedCutoff time.Time) bool {
	if r.ExpiresAt.Before(now) {
		return true
	}
	return r.IsRevoked && r.RevokedAt != nil && r.RevokedAt.Before(revokedCutoff)
}

func (s Session) clone() Session {
	out := s
	out.DeviceName = clonePtr(s.DeviceName)
	out.Platform = clonePtr(s.Platform)
	out.IPAddress = clonePtr(s.IPAddress)
	out.UserAgent = clonePtr(s.UserAgent)
	if s.RevokedAt != nil {
		t := *s.RevokedAt
		out.RevokedAt = &t
	}
	return out
}

func clonePtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
