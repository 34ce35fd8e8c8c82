package cmd

import (
	"github.com/spf13/cobra"

	"github.com/rostersync/rostersync/internal/store/postgres"
	"github.com/rostersync/rostersync/pkg/errors"
)

// migrateCmd applies the embedded schema migrations.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(_ *cobra.Command, _ []string) error {
		if cfg.Store.Driver != "postgres" {
			return errors.NewConfigError("store.driver", "migrate requires the postgres driver", nil)
		}
		if err := postgres.Migrate(cfg.Store.DSN); err != nil {
			return err
		}
		logger.Info().Msg("Migrations applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
