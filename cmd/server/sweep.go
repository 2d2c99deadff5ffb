package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one maintenance sweep and exit",
	Long: `Expires stale tickets, purges tickets past the purge grace and removes
materialized files past retention. Intended for cron when the in-process
scheduler is disabled.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := build(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.scheduler.Sweep(cmd.Context())
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(res); encErr != nil {
			return encErr
		}
		return err
	},
}
