package commands

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/snowops/taokey/internal/config"
	"github.com/snowops/taokey/internal/delivery"
	taoerrors "github.com/snowops/taokey/internal/errors"
	"github.com/snowops/taokey/internal/rotation"
)

func NewIssueCommand(cfg *config.Config) *cobra.Command {
	var (
		account     string
		owner       string
		purpose     string
		environment string
		role        string
		warehouse   string
		expiryDays  int
		keySize     int
		outDir      string
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue the first key pair for a service account",
		Long: `Issue generates an RSA key pair, creates (or updates) the Snowflake
service account with the public key, and records the credential.

The private key is written to disk exactly once; taokey keeps no
recoverable copy afterwards.

Examples:
  # Issue a key for a new ETL account
  taokey issue --account svc_etl_prod --owner jane.doe --purpose "ETL loads" --environment PROD

  # 4096-bit key with a one-year lifetime
  taokey issue --account svc_ml_dev --owner sam.lee --purpose ml --environment DEV --key-size 4096 --expiry-days 365`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if account == "" {
				return taoerrors.UserError{
					Message:    "Account name is required",
					Suggestion: "Specify the service account with --account <name>",
				}
			}
			if owner == "" {
				return taoerrors.UserError{
					Message:    "Owner is required",
					Suggestion: "Specify the technical application owner with --owner <id>",
				}
			}

			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			bundle, rec, err := rt.coord.Issue(context.Background(), rotation.IssueRequest{
				AccountID:   account,
				OwnerID:     owner,
				Purpose:     purpose,
				Environment: environment,
				Role:        role,
				Warehouse:   warehouse,
				ExpiryDays:  expiryDays,
				KeySize:     keySize,
			})
			if err != nil {
				return err
			}

			path, err := writePrivateKey(bundle, outDir)
			if err != nil {
				return err
			}

			cfg.Logger.Info("Issued key %s for %s (expires %s)", rec.KeyID, rec.AccountID, rec.ExpiresAt.Format("2006-01-02"))
			cfg.Logger.Info("Private key written to %s (this is the only copy)", path)
			cmd.Println(bundle.ConnectionSnippet(rt.def.Snowflake.Account))
			return nil
		},
	}

	cmd.Flags().StringVar(&account, "account", "", "Service account name")
	cmd.Flags().StringVar(&owner, "owner", "", "Technical application owner id")
	cmd.Flags().StringVar(&purpose, "purpose", "", "What the account is for")
	cmd.Flags().StringVar(&environment, "environment", "", "Environment (PROD, STAGE, DEV, TEST)")
	cmd.Flags().StringVar(&role, "role", "", "Snowflake role to grant")
	cmd.Flags().StringVar(&warehouse, "warehouse", "", "Default warehouse for the account")
	cmd.Flags().IntVar(&expiryDays, "expiry-days", 0, "Key lifetime in days (30-365, default from config)")
	cmd.Flags().IntVar(&keySize, "key-size", 0, "RSA key size (2048 or 4096, default from config)")
	cmd.Flags().StringVar(&outDir, "out", ".", "Directory to write the private key into")

	return cmd
}

// writePrivateKey releases the one-time key into a 0600 file.
func writePrivateKey(bundle *delivery.Bundle, dir string) (string, error) {
	pem, err := bundle.ReleaseKey()
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, bundle.PrivateKeyFilename())
	if err := os.WriteFile(path, pem, 0o600); err != nil {
		return "", taoerrors.UserError{
			Message:    "Failed to write the private key",
			Details:    err.Error(),
			Suggestion: "Check that the --out directory exists and is writable",
			Err:        err,
		}
	}
	return path, nil
}
