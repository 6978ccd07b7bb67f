package cli

import (
	"sessiond/cmd/internal/app"
	"sessiond/cmd/internal/reaper"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session HTTP API, events socket and reaper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(v)
			if err != nil {
				return err
			}
			return app.Serve(cfg, log)
		},
	}

	f := cmd.Flags()
	f.String("addr", "0.0.0.0:8080", "HTTP listen address")
	f.Bool("migrate", false, "Apply pending migrations before serving")
	f.Duration("sweep-interval", reaper.DefaultConfig().Interval, "Interval between reaper sweeps")
	bindFlag(v, "HTTP_ADDR", f.Lookup("addr"))
	bindFlag(v, "MIGRATE_ON_START", f.Lookup("migrate"))
	bindFlag(v, "SWEEP_INTERVAL", f.Lookup("sweep-interval"))

	return cmd
}
