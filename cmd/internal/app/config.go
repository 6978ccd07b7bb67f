package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"sessiond/cmd/internal/auth/api"
	"sessiond/cmd/internal/auth/session"
	"sessiond/cmd/internal/realtime"
	"sessiond/cmd/internal/reaper"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment variable read by sessiond.
const EnvPrefix = "SESSIOND"

// Config contains all runtime configuration.
// Keys are read from SESSIOND_<KEY> environment variables; flags bound by the CLI win.
type Config struct {
	HTTPAddr  string `mapstructure:"HTTP_ADDR"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	ReadHeaderTimeout time.Duration `mapstructure:"HTTP_READ_HEADER_TIMEOUT"`
	ReadTimeout       time.Duration `mapstructure:"HTTP_READ_TIMEOUT"`
	WriteTimeout      time.Duration `mapstructure:"HTTP_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `mapstructure:"HTTP_IDLE_TIMEOUT"`
	MaxHeaderBytes    int           `mapstructure:"HTTP_MAX_HEADER_BYTES"`

	// DatabaseURL selects the Postgres store; empty runs on the in-memory store.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	// MigrateOnStart applies pending migrations before serving.
	MigrateOnStart bool `mapstructure:"MIGRATE_ON_START"`

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool `mapstructure:"READINESS_REQUIRE_DB"`

	MaxSessionsPerUser        int `mapstructure:"MAX_SESSIONS_PER_USER"`
	SessionDurationDays       int `mapstructure:"SESSION_DURATION_DAYS"`
	StaleRevokedRetentionDays int `mapstructure:"STALE_REVOKED_RETENTION_DAYS"`

	SweepInterval time.Duration `mapstructure:"SWEEP_INTERVAL"`
	SweepTimeout  time.Duration `mapstructure:"SWEEP_TIMEOUT"`
	SweepOnStart  bool          `mapstructure:"SWEEP_ON_START"`

	InternalToken string `mapstructure:"INTERNAL_TOKEN"`
	UserHeader    string `mapstructure:"USER_HEADER"`
	TrustProxy    bool   `mapstructure:"TRUST_PROXY"`

	// WSAllowedOrigins is a comma-separated origin allowlist for the events socket.
	WSAllowedOrigins string `mapstructure:"WS_ALLOWED_ORIGINS"`
	WSOriginRequired bool   `mapstructure:"WS_ORIGIN_REQUIRED"`

	// OTLPEndpoint enables trace export; empty keeps tracing in-process only.
	OTLPEndpoint string `mapstructure:"OTLP_ENDPOINT"`
	OTLPInsecure bool   `mapstructure:"OTLP_INSECURE"`
	ServiceName  string `mapstructure:"SERVICE_NAME"`
}

// NewViper returns a viper instance reading SESSIOND_* variables with defaults applied.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	sess := session.DefaultConfig()
	rp := reaper.DefaultConfig()

	v.SetDefault("HTTP_ADDR", "0.0.0.0:8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("HTTP_READ_HEADER_TIMEOUT", 5*time.Second)
	v.SetDefault("HTTP_READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("HTTP_MAX_HEADER_BYTES", 1<<20)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 0)
	v.SetDefault("MIGRATE_ON_START", false)
	v.SetDefault("READINESS_REQUIRE_DB", false)
	v.SetDefault("MAX_SESSIONS_PER_USER", sess.MaxSessionsPerUser)
	v.SetDefault("SESSION_DURATION_DAYS", int(sess.SessionDuration/session.Days(1)))
	v.SetDefault("STALE_REVOKED_RETENTION_DAYS", int(sess.StaleRevokedRetention/session.Days(1)))
	v.SetDefault("SWEEP_INTERVAL", rp.Interval)
	v.SetDefault("SWEEP_TIMEOUT", rp.Timeout)
	v.SetDefault("SWEEP_ON_START", rp.SweepOnStart)
	v.SetDefault("INTERNAL_TOKEN", "")
	v.SetDefault("USER_HEADER", "X-User-ID")
	v.SetDefault("TRUST_PROXY", false)
	v.SetDefault("WS_ALLOWED_ORIGINS", "http://localhost,http://127.0.0.1")
	v.SetDefault("WS_ORIGIN_REQUIRED", false)
	v.SetDefault("OTLP_ENDPOINT", "")
	v.SetDefault("OTLP_INSECURE", false)
	v.SetDefault("SERVICE_NAME", "sessiond")

	return v
}

// LoadConfig unmarshals and validates Config from v.
func LoadConfig(v *viper.Viper) (Config, error) {
	if v == nil {
		v = NewViper()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.InternalToken = strings.TrimSpace(cfg.InternalToken)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fields the runtime cannot default.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "text":
	default:
		return fmt.Errorf("config: LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("config: SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.SweepTimeout < 0 {
		return fmt.Errorf("config: SWEEP_TIMEOUT must not be negative, got %s", c.SweepTimeout)
	}
	if c.DBMinConns < 0 || c.DBMaxConns < 0 || (c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns) {
		return fmt.Errorf("config: invalid pool bounds min=%d max=%d", c.DBMinConns, c.DBMaxConns)
	}
	if c.ReadinessRequireDB && c.DatabaseURL == "" {
		return errors.New("config: READINESS_REQUIRE_DB needs DATABASE_URL")
	}
	if _, err := session.ParseDays(c.SessionDurationDays); err != nil {
		return fmt.Errorf("config: SESSION_DURATION_DAYS: %w", err)
	}
	if _, err := session.ParseDays(c.StaleRevokedRetentionDays); err != nil {
		return fmt.Errorf("config: STALE_REVOKED_RETENTION_DAYS: %w", err)
	}
	return c.SessionConfig().Validate()
}

// SessionConfig maps the day-based settings onto session.Config.
func (c Config) SessionConfig() session.Config {
	return session.Config{
		MaxSessionsPerUser:    c.MaxSessionsPerUser,
		SessionDuration:       session.Days(c.SessionDurationDays),
		StaleRevokedRetention: session.Days(c.StaleRevokedRetentionDays),
	}
}

// ReaperConfig returns the sweep schedule and the revoked-row retention.
func (c Config) ReaperConfig() reaper.Config {
	return reaper.Config{
		Interval:     c.SweepInterval,
		Retention:    session.Days(c.StaleRevokedRetentionDays),
		Timeout:      c.SweepTimeout,
		SweepOnStart: c.SweepOnStart,
	}
}

// APIConfig returns the HTTP API settings.
func (c Config) APIConfig() sessionapi.Config {
	cfg := sessionapi.DefaultConfig()
	cfg.InternalToken = c.InternalToken
	cfg.TrustProxy = c.TrustProxy
	if h := strings.TrimSpace(c.UserHeader); h != "" {
		cfg.UserHeader = h
	}
	return cfg
}

// GatewayConfig returns the events socket policy.
func (c Config) GatewayConfig() realtime.GatewayConfig {
	cfg := realtime.DefaultGatewayConfig()
	cfg.AllowedOrigins = splitList(c.WSAllowedOrigins)
	cfg.OriginRequired = c.WSOriginRequired
	return cfg
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
