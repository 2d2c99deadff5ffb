package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sire",
	Short: "SIRE ticket orchestration and session service",
	Long: `Orchestrates asynchronous SIRE export and registration tickets against the
tax authority API and keeps per-taxpayer OAuth2 sessions fresh.

Configuration is read from the environment and an optional .env file.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(credentialsCmd)
}
