package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Service implements the session lifecycle operations: admission under the
// per-user cap, validity checks, revocation, and sweeping.
//
// Every mutation that reads the user's active set and then writes runs inside
// Store.WithinUser so the count, evict and insert steps never interleave for one user.
type Service struct {
	cfg   Config
	store Store
	clock Clock

	log    *slog.Logger
	events Observer
	tracer trace.Tracer
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the logger used for lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithObserver registers an observer for committed lifecycle events.
func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.events = o
		}
	}
}

// WithTracer overrides the tracer. The default comes from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// NewService constructs a Service. cfg is validated here so a bad policy fails at startup.
func NewService(cfg Config, store Store, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrConfig)
	}

	s := &Service{
		cfg:    cfg,
		store:  store,
		clock:  SystemClock{},
		log:    slog.New(slog.DiscardHandler),
		events: NopObserver{},
		tracer: otel.Tracer("sessiond/session"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the policy the service enforces.
func (s *Service) Config() Config { return s.cfg }

// AdmitRequest describes one admission by the authentication layer.
type AdmitRequest struct {
	UserID   string
	DeviceID string
	Metadata Metadata

	// Duration is the session lifetime; zero means Config.SessionDuration.
	Duration time.Duration
}

// AdmitOutcome says what an admission did to the (user, device) key.
type AdmitOutcome string

const (
	// OutcomeRenewed means the active row for the device was extended in place.
	OutcomeRenewed AdmitOutcome = "renewed"
	// OutcomeCreated means a new row was created for a device with no row.
	OutcomeCreated AdmitOutcome = "created"
	// OutcomeReplaced means a revoked or expired row was deleted and a fresh one created.
	OutcomeReplaced AdmitOutcome = "replaced"
)

// AdmitResult is the session after admission plus what the admission changed.
type AdmitResult struct {
	Session Session
	Outcome AdmitOutcome

	// Evicted holds the sessions revoked to make room, oldest-idle first.
	Evicted []Session
}

// Admit admits or renews a device for a user, enforcing the active-session cap.
func (s *Service) Admit(ctx context.Context, req AdmitRequest) (AdmitResult, error) {
	userID, deviceID, err := normalizeKey(req.UserID, req.DeviceID)
	if err != nil {
		return AdmitResult{}, err
	}
	if req.Duration < 0 || req.Duration > MaxDuration {
		return AdmitResult{}, fmt.Errorf("%w: duration must be in [0, %d days]", ErrInvalidInput, MaxDays)
	}

	duration := req.Duration
	if duration == 0 {
		duration = s.cfg.SessionDuration
	}

	ctx, span := s.tracer.Start(ctx, "session.Admit", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("device.id", deviceID),
	))
	defer span.End()

	now := s.clock.Now()
	expiresAt := now.Add(duration)

	var res AdmitResult
	err = s.store.WithinUser(ctx, userID, func(tx Store) error {
		res = AdmitResult{}

		existing, err := tx.Get(ctx, userID, deviceID)
		switch {
		case err == nil && existing.Active(now):
			row, err := tx.Upsert(ctx, now, userID, deviceID, req.Metadata, expiresAt)
			if err != nil {
				return err
			}
			res.Session, res.Outcome = row, OutcomeRenewed
			return nil

		case err == nil:
			// Terminal rows are never reactivated; the key gets a fresh row.
			// A concurrent sweep may already have removed it.
			if err := tx.Delete(ctx, existing.ID); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			res.Outcome = OutcomeReplaced

		case errors.Is(err, ErrNotFound):
			res.Outcome = OutcomeCreated

		default:
			return err
		}

		for {
			n, err := tx.CountActive(ctx, now, userID)
			if err != nil {
				return err
			}
			if n < s.cfg.MaxSessionsPerUser {
				break
			}

			oldest, err := tx.FindOldestActive(ctx, now, userID)
			if err != nil {
				return err
			}
			if err := tx.Revoke(ctx, now, oldest.ID); err != nil {
				return err
			}

			revokedAt := now
			oldest.IsRevoked = true
			oldest.RevokedAt = &revokedAt
			res.Evicted = append(res.Evicted, oldest)
		}

		row, err := tx.Upsert(ctx, now, userID, deviceID, req.Metadata, expiresAt)
		if err != nil {
			return err
		}
		res.Session = row
		return nil
	})
	if err != nil {
		s.fail(span, err)
		s.log.Warn("session.admit.fail", "user_id", userID, "device_id", deviceID, "err", err)
		return AdmitResult{}, err
	}

	span.SetAttributes(
		attribute.String("session.id", res.Session.ID),
		attribute.String("session.outcome", string(res.Outcome)),
		attribute.Int("session.evicted", len(res.Evicted)),
	)

	for _, ev := range res.Evicted {
		s.log.Info("session.admit.evicted",
			"user_id", userID,
			"evicted_session_id", ev.ID,
			"evicted_device_id", ev.DeviceID,
			"for_device_id", deviceID,
		)
		s.events.Revoked(ctx, ev, ReasonEvicted)
	}
	s.events.Admitted(ctx, res)

	return res, nil
}

// IsValid reports whether (userID, deviceID) has an active session.
// It is a pure read. On store failure it returns false along with the error.
func (s *Service) IsValid(ctx context.Context, userID, deviceID string) (bool, error) {
	userID, deviceID, err := normalizeKey(userID, deviceID)
	if err != nil {
		return false, err
	}

	row, err := s.store.Get(ctx, userID, deviceID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return row.Active(s.clock.Now()), nil
}

// Touch records activity on the active session for the key. No-op when there is none.
func (s *Service) Touch(ctx context.Context, userID, deviceID string) error {
	userID, deviceID, err := normalizeKey(userID, deviceID)
	if err != nil {
		return err
	}
	return s.store.Touch(ctx, s.clock.Now(), userID, deviceID)
}

// DeviceSession is the account-settings view of one active session.
type DeviceSession struct {
	ID           string
	DeviceID     string
	DeviceName   *string
	Platform     *string
	IPAddress    *string
	LastActiveAt time.Time
	CreatedAt    time.Time

	// IsCurrent is nil when the caller did not say which device it is on.
	IsCurrent *bool
}

// ListActive returns the user's active sessions, most recently active first.
func (s *Service) ListActive(ctx context.Context, userID, currentDeviceID string) ([]DeviceSession, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	currentDeviceID = strings.TrimSpace(currentDeviceID)

	rows, err := s.store.ListActive(ctx, s.clock.Now(), userID)
	if err != nil {
		return nil, err
	}

	out := make([]DeviceSession, 0, len(rows))
	for _, r := range rows {
		ds := DeviceSession{
			ID:           r.ID,
			DeviceID:     r.DeviceID,
			DeviceName:   r.DeviceName,
			Platform:     r.Platform,
			IPAddress:    r.IPAddress,
			LastActiveAt: r.LastActiveAt,
			CreatedAt:    r.CreatedAt,
		}
		if currentDeviceID != "" {
			cur := r.DeviceID == currentDeviceID
			ds.IsCurrent = &cur
		}
		out = append(out, ds)
	}
	return out, nil
}

// RevokeOne revokes sessionID on behalf of callerUserID.
// It returns ErrNotFound, ErrForbidden or ErrAlreadyRevoked, checked in that order.
func (s *Service) RevokeOne(ctx context.Context, callerUserID, sessionID string) error {
	callerUserID = strings.TrimSpace(callerUserID)
	sessionID = strings.TrimSpace(sessionID)
	if callerUserID == "" || sessionID == "" {
		return fmt.Errorf("%w: user id and session id are required", ErrInvalidInput)
	}

	ctx, span := s.tracer.Start(ctx, "session.RevokeOne", trace.WithAttributes(
		attribute.String("user.id", callerUserID),
		attribute.String("session.id", sessionID),
	))
	defer span.End()

	row, err := s.store.GetByID(ctx, sessionID)
	if err != nil {
		s.fail(span, err)
		return err
	}
	if row.UserID != callerUserID {
		s.log.Warn("session.revoke.forbidden", "caller_user_id", callerUserID, "session_id", sessionID)
		s.fail(span, ErrForbidden)
		return ErrForbidden
	}

	now := s.clock.Now()
	err = s.store.WithinUser(ctx, row.UserID, func(tx Store) error {
		return tx.Revoke(ctx, now, sessionID)
	})
	if err != nil {
		s.fail(span, err)
		return err
	}

	revokedAt := now
	row.IsRevoked = true
	row.RevokedAt = &revokedAt

	s.log.Info("session.revoke.ok", "user_id", row.UserID, "session_id", row.ID, "device_id", row.DeviceID)
	s.events.Revoked(ctx, row, ReasonRevoked)
	return nil
}

// RevokeAll revokes every active session of the user except exceptDeviceID
// (empty means all). Zero affected rows is a success.
func (s *Service) RevokeAll(ctx context.Context, userID, exceptDeviceID string) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	exceptDeviceID = strings.TrimSpace(exceptDeviceID)

	ctx, span := s.tracer.Start(ctx, "session.RevokeAll", trace.WithAttributes(
		attribute.String("user.id", userID),
	))
	defer span.End()

	now := s.clock.Now()

	var n int64
	err := s.store.WithinUser(ctx, userID, func(tx Store) error {
		var err error
		n, err = tx.RevokeAllExcept(ctx, now, userID, exceptDeviceID)
		return err
	})
	if err != nil {
		s.fail(span, err)
		return 0, err
	}

	span.SetAttributes(attribute.Int64("session.revoked", n))
	s.log.Info("session.revoke_all.ok", "user_id", userID, "except_device_id", exceptDeviceID, "count", n)
	s.events.RevokedAll(ctx, userID, exceptDeviceID, n)
	return n, nil
}

// Sweep deletes expired rows and rows revoked longer than retention ago.
// A zero retention deletes every revoked row. Callers wanting the policy
// default pass Config().StaleRevokedRetention.
func (s *Service) Sweep(ctx context.Context, retention time.Duration) (int64, error) {
	if retention < 0 || retention > MaxDuration {
		return 0, fmt.Errorf("%w: retention must be in [0, %d days]", ErrInvalidInput, MaxDays)
	}

	ctx, span := s.tracer.Start(ctx, "session.Sweep", trace.WithAttributes(
		attribute.String("retention", retention.String()),
	))
	defer span.End()

	start := time.Now()
	n, err := s.store.DeleteExpiredAndStaleRevoked(ctx, s.clock.Now(), retention)
	elapsed := time.Since(start)

	s.events.Swept(ctx, n, elapsed, err)
	if err != nil {
		s.fail(span, err)
		return 0, err
	}

	span.SetAttributes(attribute.Int64("session.deleted", n))
	return n, nil
}

func (s *Service) fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func normalizeKey(userID, deviceID string) (string, string, error) {
	userID = strings.TrimSpace(userID)
	deviceID = strings.TrimSpace(deviceID)
	if userID == "" || deviceID == "" {
		return "", "", fmt.Errorf("%w: user id and device id are required", ErrInvalidInput)
	}
	return userID, deviceID, nil
}
