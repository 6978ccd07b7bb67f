// Package cli implements the sessiond command line.
package cli

import (
	"log/slog"

	"sessiond/cmd/internal/app"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCmd creates the root cobra command. Flags are bound into viper so
// SESSIOND_* environment variables and explicit flags share one config path.
func NewRootCmd() *cobra.Command {
	v := app.NewViper()

	root := &cobra.Command{
		Use:           "sessiond",
		Short:         "sessiond tracks per-device sessions and enforces the per-user session cap",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.String("log-format", "json", "Log format (json, text)")
	pf.String("database-url", "", "Postgres DSN (empty uses the in-memory store)")
	bindFlag(v, "LOG_LEVEL", pf.Lookup("log-level"))
	bindFlag(v, "LOG_FORMAT", pf.Lookup("log-format"))
	bindFlag(v, "DATABASE_URL", pf.Lookup("database-url"))

	root.AddCommand(
		newServeCmd(v),
		newMigrateCmd(v),
		newSweepCmd(v),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func loadConfig(v *viper.Viper) (app.Config, *slog.Logger, error) {
	cfg, err := app.LoadConfig(v)
	if err != nil {
		return app.Config{}, nil, err
	}
	log := app.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)
	return cfg, log, nil
}
