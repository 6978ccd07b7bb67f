package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"sessiond/cmd/internal/db"
	"sessiond/cmd/internal/ids"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when SESSIOND_DATABASE_URL is set.
// In non-CI runs, unreachable Postgres skips these tests to keep local runs fast.

func TestPostgresSession_AdmitEvictsOldestIdle(t *testing.T) {
	ctx := context.Background()
	pool := mustIntegrationPool(ctx, t)

	svc, clock := mustPostgresService(t, pool, 2)
	store := NewPostgresStore(pool)

	userID := newTestUserID(t)
	t.Cleanup(func() { cleanupUserSessions(ctx, t, pool, userID) })

	mustAdmit(t, svc, userID, "A", 0)
	clock.Set(clock.Now().Add(10 * time.Second))
	mustAdmit(t, svc, userID, "B", 0)
	clock.Set(clock.Now().Add(10 * time.Second))
	res := mustAdmit(t, svc, userID, "C", 0)

	if len(res.Evicted) != 1 || res.Evicted[0].DeviceID != "A" {
		t.Fatalf("expected A evicted, got %+v", res.Evicted)
	}

	list, err := store.ListActive(ctx, clock.Now(), userID)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(list) != 2 || list[0].DeviceID != "C" || list[1].DeviceID != "B" {
		t.Fatalf("expected active [C B], got %+v", list)
	}

	a, err := store.Get(ctx, userID, "A")
	if err != nil {
		t.Fatalf("Get A: %v", err)
	}
	if !a.IsRevoked || a.RevokedAt == nil {
		t.Fatalf("expected A revoked, got %+v", a)
	}
}

func TestPostgresSession_UpsertMergesMetadata(t *testing.T) {
	ctx := context.Background()
	pool := mustIntegrationPool(ctx, t)
	store := NewPostgresStore(pool)

	userID := newTestUserID(t)
	t.Cleanup(func() { cleanupUserSessions(ctx, t, pool, userID) })

	now := time.Now().UTC().Truncate(time.Microsecond)
	first, err := store.Upsert(ctx, now, userID, "A", Metadata{DeviceName: strp("Pixel"), Platform: strp("android")}, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	later := now.Add(time.Minute)
	second, err := store.Upsert(ctx, later, userID, "A", Metadata{IPAddress: strp("198.51.100.4")}, later.Add(time.Hour))
	if err != nil {
		t.Fatalf("Upsert renew: %v", err)
	}

	if second.ID != first.ID {
		t.Fatalf("expected same row, got %s vs %s", second.ID, first.ID)
	}
	if second.DeviceName == nil || *second.DeviceName != "Pixel" {
		t.Fatalf("expected device name kept, got %v", second.DeviceName)
	}
	if second.IPAddress == nil || *second.IPAddress != "198.51.100.4" {
		t.Fatalf("expected ip set, got %v", second.IPAddress)
	}
	if !second.LastActiveAt.Equal(later) || !second.CreatedAt.Equal(now) {
		t.Fatalf("unexpected timestamps: %+v", second)
	}
}

func TestPostgresSession_RevokeTwice(t *testing.T) {
	ctx := context.Background()
	pool := mustIntegrationPool(ctx, t)
	svc, _ := mustPostgresService(t, pool, 5)

	userID := newTestUserID(t)
	t.Cleanup(func() { cleanupUserSessions(ctx, t, pool, userID) })

	res := mustAdmit(t, svc, userID, "A", 0)

	if err := svc.RevokeOne(ctx, "someone-else", res.Session.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := svc.RevokeOne(ctx, userID, res.Session.ID); err != nil {
		t.Fatalf("RevokeOne: %v", err)
	}
	if err := svc.RevokeOne(ctx, userID, res.Session.ID); !errors.Is(err, ErrAlreadyRevoked) {
		t.Fatalf("expected ErrAlreadyRevoked, got %v", err)
	}
	if err := svc.RevokeOne(ctx, userID, newTestUserID(t)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresSession_ReadmitRevokedDevice(t *testing.T) {
	ctx := context.Background()
	pool := mustIntegrationPool(ctx, t)
	svc, clock := mustPostgresService(t, pool, 5)
	store := NewPostgresStore(pool)

	userID := newTestUserID(t)
	t.Cleanup(func() { cleanupUserSessions(ctx, t, pool, userID) })

	first := mustAdmit(t, svc, userID, "A", 0)
	if err := svc.RevokeOne(ctx, userID, first.Session.ID); err != nil {
		t.Fatalf("RevokeOne: %v", err)
	}

	clock.Set(clock.Now().Add(time.Second))
	res := mustAdmit(t, svc, userID, "A", 0)
	if res.Outcome != OutcomeReplaced || res.Session.ID == first.Session.ID {
		t.Fatalf("expected replaced row with new id, got %s %s", res.Outcome, res.Session.ID)
	}
	if _, err := store.GetByID(ctx, first.Session.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old row deleted, got %v", err)
	}
}

func TestPostgresSession_CapHoldsUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	pool := mustIntegrationPool(ctx, t)
	svc, clock := mustPostgresService(t, pool, 3)
	store := NewPostgresStore(pool)

	userID := newTestUserID(t)
	t.Cleanup(func() { cleanupUserSessions(ctx, t, pool, userID) })

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Admit(ctx, AdmitRequest{UserID: userID, DeviceID: fmt.Sprintf("d%02d", i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Admit: %v", err)
		}
	}

	n, err := store.CountActive(ctx, clock.Now(), userID)
	if err != nil {
		t.Fatalf("CountActive: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 active, got %d", n)
	}
}

func TestPostgresSession_RevokeAllExcept(t *testing.T) {
	ctx := context.Background()
	pool := mustIntegrationPool(ctx, t)
	svc, _ := mustPostgresService(t, pool, 5)

	userID := newTestUserID(t)
	t.Cleanup(func() { cleanupUserSessions(ctx, t, pool, userID) })

	for _, d := range []string{"A", "B", "C"} {
		mustAdmit(t, svc, userID, d, 0)
	}

	n, err := svc.RevokeAll(ctx, userID, "A")
	if err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 revoked, got %d", n)
	}

	list, err := svc.ListActive(ctx, userID, "")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(list) != 1 || list[0].DeviceID != "A" {
		t.Fatalf("expected only A active, got %+v", list)
	}
}

func TestPostgresSession_Sweep(t *testing.T) {
	ctx := context.Background()
	pool := mustIntegrationPool(ctx, t)
	svc, clock := mustPostgresService(t, pool, 5)
	store := NewPostgresStore(pool)

	userID := newTestUserID(t)
	t.Cleanup(func() { cleanupUserSessions(ctx, t, pool, userID) })

	start := clock.Now()
	old := mustAdmit(t, svc, userID, "old-revoked", Days(90))
	recent := mustAdmit(t, svc, userID, "recent-revoked", Days(90))
	expired := mustAdmit(t, svc, userID, "expired", Days(1))
	live := mustAdmit(t, svc, userID, "live", Days(90))

	if err := svc.RevokeOne(ctx, userID, old.Session.ID); err != nil {
		t.Fatalf("RevokeOne old: %v", err)
	}
	clock.Set(start.Add(Days(2)))
	if err := svc.RevokeOne(ctx, userID, recent.Session.ID); err != nil {
		t.Fatalf("RevokeOne recent: %v", err)
	}

	clock.Set(start.Add(Days(31)))
	n, err := svc.Sweep(ctx, Days(30))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n < 2 {
		t.Fatalf("expected at least 2 deleted, got %d", n)
	}

	for _, gone := range []string{old.Session.ID, expired.Session.ID} {
		if _, err := store.GetByID(ctx, gone); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected %s deleted, got %v", gone, err)
		}
	}
	for _, kept := range []string{recent.Session.ID, live.Session.ID} {
		if _, err := store.GetByID(ctx, kept); err != nil {
			t.Fatalf("expected %s kept, got %v", kept, err)
		}
	}
}

func mustIntegrationPool(ctx context.Context, t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("SESSIOND_DATABASE_URL")
	if dbURL == "" {
		t.Skip("SESSIOND_DATABASE_URL is not set; skipping Postgres integration test")
	}

	pool := mustPGXPool(ctx, t, dbURL)
	t.Cleanup(pool.Close)

	if err := db.Migrate(dbURL, db.Up); err != nil {
		t.Fatalf("db.Migrate: %v", err)
	}
	return pool
}

func mustPostgresService(t *testing.T, pool *pgxpool.Pool, maxSessions int) (*Service, *testClock) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.MaxSessionsPerUser = maxSessions

	// Postgres timestamps are microsecond-precision.
	clock := &testClock{now: time.Now().UTC().Truncate(time.Microsecond)}

	svc, err := NewService(cfg, NewPostgresStore(pool), WithClock(clock))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, clock
}

func mustPGXPool(ctx context.Context, t *testing.T, dbURL string) *pgxpool.Pool {
	t.Helper()

	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		t.Fatalf("pgxpool.ParseConfig: %v", err)
	}

	cfg.MaxConns = 4
	cfg.MinConns = 0
	cfg.MaxConnLifetime = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pgxpool.NewWithConfig: %v", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable (SESSIOND_DATABASE_URL set): %v", err)
		}
		t.Fatalf("pool.Ping: %v", err)
	}

	return pool
}

func shouldSkipIntegration(err error) bool {
	if err == nil {
		return false
	}
	if os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host") {
		return true
	}
	return false
}

func newTestUserID(t *testing.T) string {
	t.Helper()

	id, err := ids.NewULID(time.Time{})
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	return id
}

func cleanupUserSessions(ctx context.Context, t *testing.T, pool *pgxpool.Pool, userID string) {
	t.Helper()

	_, _ = pool.Exec(ctx, `DELETE FROM sessiond.device_sessions WHERE user_id = $1`, userID)
}
