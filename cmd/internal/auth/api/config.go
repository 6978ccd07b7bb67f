package sessionapi

import "strings"

const (
	defaultMaxBodyBytes = 64 << 10 // 64 KiB
	defaultUserHeader   = "X-User-ID"
	internalTokenHeader = "X-Internal-Token"
)

// Config controls the session HTTP API.
type Config struct {
	// InternalToken guards /internal/v1. Empty leaves the internal surface unmounted.
	InternalToken string

	// UserHeader carries the caller's user id when the default gateway
	// authenticator is used.
	UserHeader string

	// TrustProxy lets admission fall back to X-Forwarded-For / X-Real-IP
	// when the caller does not supply an ip_address.
	TrustProxy bool

	MaxBodyBytes int64
}

// DefaultConfig returns the API defaults.
func DefaultConfig() Config {
	return Config{
		UserHeader:   defaultUserHeader,
		MaxBodyBytes: defaultMaxBodyBytes,
	}
}

func (c Config) withDefaults() Config {
	c.InternalToken = strings.TrimSpace(c.InternalToken)
	if strings.TrimSpace(c.UserHeader) == "" {
		c.UserHeader = defaultUserHeader
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	return c
}
