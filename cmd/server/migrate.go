package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"sire/internal/platform/postgres"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate up|down",
	Short:     "Apply or roll back the database schema",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE: func(_ *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		if err := postgres.Migrate(cfg.DatabaseURL, args[0]); err != nil {
			return fmt.Errorf("migrate %s: %w", args[0], err)
		}
		log.Info("migrations applied", "direction", args[0])
		return nil
	},
}
