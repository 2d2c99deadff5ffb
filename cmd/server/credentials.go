package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"sire/internal/sire/models"
)

const (
	envSolPassword  = "SIRE_SOL_PASSWORD"
	envClientSecret = "SIRE_CLIENT_SECRET"
)

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage sealed taxpayer credentials",
}

var (
	credSolUser  string
	credClientID string
)

var credentialsPutCmd = &cobra.Command{
	Use:   "put <taxpayer-id>",
	Short: "Seal and store SOL credentials for a taxpayer",
	Long: `Seals the SOL user, password, client id and client secret for a taxpayer
with the vault master key and stores the envelope.

Secrets are read from ` + envSolPassword + ` and ` + envClientSecret + `, or from
stdin (password first, then secret, one per line) when those are unset.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" || cfg.VaultMasterKey == "" {
			return errors.New("credentials put requires DATABASE_URL and VAULT_MASTER_KEY")
		}
		password, secret, err := readSecrets(cmd)
		if err != nil {
			return err
		}

		a, err := build(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		taxpayerID := strings.TrimSpace(args[0])
		sealed, err := a.vault.Seal(taxpayerID, models.Credentials{
			TaxpayerID:   taxpayerID,
			SolUser:      credSolUser,
			SolPassword:  password,
			ClientID:     credClientID,
			ClientSecret: secret,
		})
		if err != nil {
			return err
		}
		if err := a.creds.Put(cmd.Context(), sealed); err != nil {
			return fmt.Errorf("store credentials: %w", err)
		}
		log.Info("credentials stored", "taxpayer_id", taxpayerID)
		return nil
	},
}

var credentialsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List taxpayers with stored credentials",
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

		ids, err := a.vault.List(cmd.Context())
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	},
}

func readSecrets(cmd *cobra.Command) (string, string, error) {
	password, secret := os.Getenv(envSolPassword), os.Getenv(envClientSecret)
	if password != "" && secret != "" {
		return password, secret, nil
	}
	sc := bufio.NewScanner(cmd.InOrStdin())
	var lines []string
	for len(lines) < 2 && sc.Scan() {
		lines = append(lines, strings.TrimSpace(sc.Text()))
	}
	if err := sc.Err(); err != nil {
		return "", "", fmt.Errorf("read secrets: %w", err)
	}
	if len(lines) < 2 {
		return "", "", fmt.Errorf("expected password and client secret on stdin, or set %s and %s", envSolPassword, envClientSecret)
	}
	return lines[0], lines[1], nil
}

func init() {
	credentialsPutCmd.Flags().StringVar(&credSolUser, "sol-user", "", "SOL user name")
	credentialsPutCmd.Flags().StringVar(&credClientID, "client-id", "", "API client id")
	_ = credentialsPutCmd.MarkFlagRequired("sol-user")
	_ = credentialsPutCmd.MarkFlagRequired("client-id")

	credentialsCmd.AddCommand(credentialsPutCmd)
	credentialsCmd.AddCommand(credentialsListCmd)
}
