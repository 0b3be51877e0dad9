package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/pms/pkg/stores"
	"github.com/openfroyo/pms/pkg/telemetry"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long:  `Apply the embedded schema migrations to the configured SQLite or PostgreSQL store.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Store.Driver != stores.DriverSQLite && cfg.Store.Driver != stores.DriverPostgres {
				return fmt.Errorf("store driver %q has no migrations", cfg.Store.Driver)
			}

			logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			s, err := stores.Open(cmd.Context(), stores.Config{
				Driver: cfg.Store.Driver,
				DSN:    cfg.Store.DSN,
			}, logger, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			logger.WithField("driver", cfg.Store.Driver).Info("migrations applied")
			return nil
		},
	}
}
