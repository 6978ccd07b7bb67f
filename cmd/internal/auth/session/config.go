package session

import (
	"fmt"
	"time"
)

// Config defines the session lifecycle policy.
//
// All values are injected by the caller; none of them is compiled-in policy.
type Config struct {
	// MaxSessionsPerUser caps concurrently active sessions per user.
	MaxSessionsPerUser int

	// SessionDuration is the default lifetime applied on admission and renewal.
	SessionDuration time.Duration

	// StaleRevokedRetention is how long revoked rows are kept before the reaper deletes them.
	StaleRevokedRetention time.Duration
}

// DefaultConfig returns the stock policy: 5 sessions, 30 day lifetime, 30 day retention.
func DefaultConfig() Config {
	return Config{
		MaxSessionsPerUser:    5,
		SessionDuration:       30 * 24 * time.Hour,
		StaleRevokedRetention: 30 * 24 * time.Hour,
	}
}

// Validate reports ErrConfig when a value is out of range.
func (c Config) Validate() error {
	if c.MaxSessionsPerUser < 1 {
		return fmt.Errorf("%w: max sessions per user must be >= 1, got %d", ErrConfig, c.MaxSessionsPerUser)
	}
	if c.SessionDuration <= 0 || c.SessionDuration > MaxDuration {
		return fmt.Errorf("%w: session duration must be in (0, %d days], got %s", ErrConfig, MaxDays, c.SessionDuration)
	}
	if c.StaleRevokedRetention < 0 || c.StaleRevokedRetention > MaxDuration {
		return fmt.Errorf("%w: stale revoked retention must be in [0, %d days], got %s", ErrConfig, MaxDays, c.StaleRevokedRetention)
	}
	return nil
}

// MaxDays is the largest day count accepted for lifetimes and retention.
const MaxDays = 36500

// MaxDuration is MaxDays as a duration.
const MaxDuration = MaxDays * 24 * time.Hour

// Days converts a day count into a duration. n must be within [0, MaxDays];
// use ParseDays for values from outside the process.
func Days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

// ParseDays converts an externally supplied day count, rejecting values
// outside [0, MaxDays] with ErrInvalidInput.
func ParseDays(n int) (time.Duration, error) {
	if n < 0 || n > MaxDays {
		return 0, fmt.Errorf("%w: day count must be in [0, %d], got %d", ErrInvalidInput, MaxDays, n)
	}
	return Days(n), nil
}
