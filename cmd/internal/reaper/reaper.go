// Package reaper periodically deletes expired and stale-revoked sessions.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Sweeper deletes terminal sessions. *session.Service implements it.
type Sweeper interface {
	Sweep(ctx context.Context, retention time.Duration) (int64, error)
}

// Config holds reaper scheduling.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration

	// Retention for revoked rows. Zero deletes every revoked row on each sweep.
	Retention time.Duration

	// Timeout bounds a single sweep; zero means no bound beyond ctx.
	Timeout time.Duration

	// SweepOnStart runs one sweep before waiting for the first tick.
	SweepOnStart bool
}

// DefaultConfig sweeps hourly with a one minute budget and keeps revoked rows for 30 days.
func DefaultConfig() Config {
	return Config{
		Interval:     time.Hour,
		Retention:    30 * 24 * time.Hour,
		Timeout:      time.Minute,
		SweepOnStart: true,
	}
}

// Reaper runs Sweeper.Sweep on a fixed interval.
type Reaper struct {
	sweeper Sweeper
	cfg     Config
	log     *slog.Logger
}

// New constructs a Reaper.
func New(sweeper Sweeper, cfg Config, log *slog.Logger) (*Reaper, error) {
	if sweeper == nil {
		return nil, errors.New("reaper: sweeper is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("reaper: interval must be positive, got %s", cfg.Interval)
	}
	if cfg.Retention < 0 || cfg.Timeout < 0 {
		return nil, errors.New("reaper: retention and timeout must not be negative")
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Reaper{sweeper: sweeper, cfg: cfg, log: log.With("component", "reaper")}, nil
}

// Sweep runs one sweep and reports how many rows were deleted.
func (r *Reaper) Sweep(ctx context.Context) (int64, error) {
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	n, err := r.sweeper.Sweep(ctx, r.cfg.Retention)
	if err != nil {
		r.log.Error("reaper.sweep.fail", "err", err, "elapsed", time.Since(start))
		return 0, err
	}

	r.log.Info("reaper.sweep.ok", "deleted", n, "elapsed", time.Since(start))
	return n, nil
}

// Run sweeps every Interval until ctx is done. A failed sweep is logged and
// retried on the next tick; Run only returns when ctx ends.
func (r *Reaper) Run(ctx context.Context) error {
	r.log.Info("reaper.start", "interval", r.cfg.Interval.String())

	if r.cfg.SweepOnStart {
		_, _ = r.Sweep(ctx)
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper.stop")
			return ctx.Err()
		case <-ticker.C:
			_, _ = r.Sweep(ctx)
		}
	}
}
