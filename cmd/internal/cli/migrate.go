package cli

import (
	"errors"
	"fmt"

	"sessiond/cmd/internal/db"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newMigrateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back the session schema",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{string(db.Up), string(db.Down)},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(v)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("migrate: SESSIOND_DATABASE_URL or --database-url is required")
			}

			dir := db.Up
			if len(args) == 1 {
				if dir, err = db.ParseDirection(args[0]); err != nil {
					return err
				}
			}

			if err := db.Migrate(cfg.DatabaseURL, dir); err != nil {
				return fmt.Errorf("migrate %s: %w", dir, err)
			}
			log.Info("db.migrate.ok", "direction", string(dir))
			return nil
		},
	}
}
