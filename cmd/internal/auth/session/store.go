package session

import (
	"context"
	"strings"
	"time"
)

// Session mirrors one sessiond.device_sessions row: the session a user holds on one device.
type Session struct {
	ID       string
	UserID   string
	DeviceID string

	DeviceName *string
	Platform   *string
	IPAddress  *string
	UserAgent  *string

	CreatedAt    time.Time
	LastActiveAt time.Time
	ExpiresAt    time.Time

	IsRevoked bool
	RevokedAt *time.Time
}

// Active reports whether the session is usable at now: not revoked and not yet expired.
func (s Session) Active(now time.Time) bool {
	return !s.IsRevoked && s.ExpiresAt.After(now)
}

// Metadata is the client-describing data supplied on admission.
// A nil field means "not supplied" and keeps the stored value.
type Metadata struct {
	DeviceName *string
	Platform   *string
	IPAddress  *string
	UserAgent  *string
}

// Normalize trims every field and turns blank values into nil.
func (m Metadata) Normalize() Metadata {
	return Metadata{
		DeviceName: trimPtr(m.DeviceName),
		Platform:   trimPtr(m.Platform),
		IPAddress:  trimPtr(m.IPAddress),
		UserAgent:  trimPtr(m.UserAgent),
	}
}

// applyTo merges m into s field by field: a supplied value wins, an absent one keeps the old value.
func (m Metadata) applyTo(s *Session) {
	if m.DeviceName != nil {
		s.DeviceName = m.DeviceName
	}
	if m.Platform != nil {
		s.Platform = m.Platform
	}
	if m.IPAddress != nil {
		s.IPAddress = m.IPAddress
	}
	if m.UserAgent != nil {
		s.UserAgent = m.UserAgent
	}
}

func trimPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

// Store abstracts persistence for device sessions.
//
// Every method is atomic on its own. Multi-step sequences that must not
// interleave with other writers for the same user (count, evict, insert) run
// inside WithinUser.
type Store interface {
	// Upsert renews the row for (userID, deviceID) or creates it.
	// An existing row gets metadata merged, last_active_at=now and expires_at=expiresAt;
	// its revocation state is left as is. A new row starts unrevoked.
	Upsert(ctx context.Context, now time.Time, userID, deviceID string, meta Metadata, expiresAt time.Time) (Session, error)

	// Get loads the row for (userID, deviceID) or returns ErrNotFound.
	Get(ctx context.Context, userID, deviceID string) (Session, error)

	// GetByID loads a row by session id or returns ErrNotFound.
	GetByID(ctx context.Context, sessionID string) (Session, error)

	// CountActive counts the user's active rows at now.
	CountActive(ctx context.Context, now time.Time, userID string) (int, error)

	// FindOldestActive returns the active row with the smallest last_active_at
	// (then created_at, then id), or ErrNotFound when the user has none.
	FindOldestActive(ctx context.Context, now time.Time, userID string) (Session, error)

	// ListActive returns the user's active rows, most recently active first.
	ListActive(ctx context.Context, now time.Time, userID string) ([]Session, error)

	// Revoke marks one session revoked. Returns ErrNotFound or ErrAlreadyRevoked.
	Revoke(ctx context.Context, now time.Time, sessionID string) error

	// RevokeAllExcept revokes every active row of the user except the one for
	// exceptDeviceID (empty means none excluded) and returns how many changed.
	RevokeAllExcept(ctx context.Context, now time.Time, userID, exceptDeviceID string) (int64, error)

	// Touch sets last_active_at=now on the active row for the key. No-op when there is none.
	Touch(ctx context.Context, now time.Time, userID, deviceID string) error

	// Delete physically removes one row. Returns ErrNotFound when absent.
	Delete(ctx context.Context, sessionID string) error

	// DeleteExpiredAndStaleRevoked removes rows with expires_at < now and
	// revoked rows whose revoked_at < now-staleAfter. Returns the number removed.
	DeleteExpiredAndStaleRevoked(ctx context.Context, now time.Time, staleAfter time.Duration) (int64, error)

	// WithinUser runs fn as one atomic unit, serialized against every other
	// WithinUser call for the same user. The Store passed to fn is scoped to
	// that unit; its writes commit together when fn returns nil and are
	// discarded otherwise.
	WithinUser(ctx context.Context, userID string, fn func(tx Store) error) error
}
