// Package app wires the sessiond runtime: config, logging, storage, HTTP routes,
// the session events gateway and the reaper.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"sessiond/cmd/internal/auth/api"
	"sessiond/cmd/internal/auth/session"
	"sessiond/cmd/internal/db"
	"sessiond/cmd/internal/metrics"
	"sessiond/cmd/internal/realtime"
	"sessiond/cmd/internal/reaper"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App is the sessiond runtime: it owns the store, the HTTP server and the reaper.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	telemetry *Telemetry
	metrics   *metrics.Metrics
	hub       *realtime.Hub
	sessions  *session.Service
	api       *sessionapi.Handler
	reaper    *reaper.Reaper
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	tel, err := NewTelemetry(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.OTLPInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	tel.SetGlobal()

	store, pool, err := newStore(ctx, cfg, log)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		log:       log,
		dbPool:    pool,
		dbEnabled: pool != nil,
		telemetry: tel,
		metrics:   metrics.New(),
		hub:       realtime.NewHub(log),
	}

	a.sessions, err = session.NewService(cfg.SessionConfig(), store,
		session.WithLogger(log),
		session.WithTracer(tel.Tracer("sessiond/session")),
		session.WithObserver(session.Observers{a.metrics, a.hub}),
	)
	if err != nil {
		a.closeResources(ctx)
		return nil, err
	}

	apiCfg := cfg.APIConfig()
	auth := sessionapi.HeaderAuthenticator{Header: apiCfg.UserHeader}

	ws, err := realtime.NewWSGateway(log, a.hub, auth.Authenticate, a.sessions, cfg.GatewayConfig())
	if err != nil {
		a.closeResources(ctx)
		return nil, err
	}

	a.api, err = sessionapi.NewHandler(log, a.sessions, apiCfg,
		sessionapi.WithAuthenticator(auth),
		sessionapi.WithEvents(ws),
	)
	if err != nil {
		a.closeResources(ctx)
		return nil, err
	}

	a.reaper, err = reaper.New(a.sessions, cfg.ReaperConfig(), log)
	if err != nil {
		a.closeResources(ctx)
		return nil, err
	}

	return a, nil
}

// Run starts the HTTP server and the reaper and blocks until context
// cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.reaper.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("reaper.stop.fail", "err", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if runErr == nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			runErr = err
		}
	}

	wg.Wait()
	a.closeResources(shutdownCtx)

	a.log.Info("server.stopped")
	return runErr
}

// Close releases the pool and flushes telemetry. Run calls it on exit.
func (a *App) Close(ctx context.Context) {
	a.closeResources(ctx)
}

func (a *App) closeResources(ctx context.Context) {
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.log.Error("telemetry.shutdown.fail", "err", err)
		}
		a.telemetry = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore decides between the Postgres store and the in-memory dev store.
func newStore(ctx context.Context, cfg Config, log Logger) (session.Store, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return session.NewMemoryStore(), nil, nil
	}

	if cfg.MigrateOnStart {
		if err := db.Migrate(cfg.DatabaseURL, db.Up); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info("db.migrate.ok", "direction", string(db.Up))
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	log.Info("db.enabled.postgres_store")
	return session.NewPostgresStore(pool), pool, nil
}
