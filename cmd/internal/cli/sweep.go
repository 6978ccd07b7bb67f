package cli

import (
	"errors"
	"fmt"

	"sessiond/cmd/internal/app"
	"sessiond/cmd/internal/auth/session"
	"sessiond/cmd/internal/reaper"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newSweepCmd(v *viper.Viper) *cobra.Command {
	var retentionDays int

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired and stale revoked sessions once, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := session.ParseDays(retentionDays); err != nil {
				return fmt.Errorf("sweep: --retention-days: %w", err)
			}

			cfg, log, err := loadConfig(v)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("sweep: SESSIOND_DATABASE_URL or --database-url is required")
			}

			ctx := cmd.Context()
			pool, err := app.NewDBPool(ctx, cfg)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			defer pool.Close()

			svc, err := session.NewService(cfg.SessionConfig(), session.NewPostgresStore(pool), session.WithLogger(log))
			if err != nil {
				return err
			}

			rcfg := cfg.ReaperConfig()
			if cmd.Flags().Changed("retention-days") {
				rcfg.Retention = session.Days(retentionDays)
			}
			r, err := reaper.New(svc, rcfg, log)
			if err != nil {
				return err
			}

			n, err := r.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d sessions\n", n)
			return nil
		},
	}

	cmd.Flags().IntVar(&retentionDays, "retention-days", 0, "Keep revoked rows this many days; 0 deletes every revoked row (default: STALE_REVOKED_RETENTION_DAYS)")
	return cmd
}
