package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/snowops/taokey/internal/config"
	"github.com/snowops/taokey/internal/credential"
	taoerrors "github.com/snowops/taokey/internal/errors"
	"github.com/snowops/taokey/internal/rotation"
)

func NewRotateCommand(cfg *config.Config) *cobra.Command {
	var (
		account    string
		expiryDays int
		keySize    int
		outDir     string
	)

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the active key of a service account",
		Long: `Rotate generates a new key pair and installs it as the account's primary
credential. The previous key moves into a grace window during which both
keys authenticate, giving dependent applications time to switch over.

Once every consumer uses the new key, end the grace window with
'taokey retire'.

Examples:
  taokey rotate --account svc_etl_prod
  taokey rotate --account svc_etl_prod --expiry-days 180 --out /secure/keys`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if account == "" {
				return taoerrors.UserError{
					Message:    "Account name is required",
					Suggestion: "Specify the service account with --account <name>",
				}
			}

			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			bundle, rec, err := rt.coord.Rotate(context.Background(), rotation.RotateRequest{
				AccountID:  account,
				ExpiryDays: expiryDays,
				KeySize:    keySize,
			})
			if err != nil {
				return err
			}

			path, err := writePrivateKey(bundle, outDir)
			if err != nil {
				return err
			}

			cfg.Logger.Info("Rotated %s: new key %s active (expires %s)", rec.AccountID, rec.KeyID, rec.ExpiresAt.Format("2006-01-02"))
			for _, old := range mustListAccount(rt, rec.AccountID) {
				if old.State == credential.StateGrace && old.GraceExpiresAt != nil {
					cfg.Logger.Info("Previous key %s stays valid until %s", old.KeyID, old.GraceExpiresAt.Format(time.RFC3339))
				}
			}
			cfg.Logger.Info("Private key written to %s (this is the only copy)", path)
			cmd.Println(bundle.ConnectionSnippet(rt.def.Snowflake.Account))
			return nil
		},
	}

	cmd.Flags().StringVar(&account, "account", "", "Service account name")
	cmd.Flags().IntVar(&expiryDays, "expiry-days", 0, "New key lifetime in days (30-365, default from config)")
	cmd.Flags().IntVar(&keySize, "key-size", 0, "RSA key size (2048 or 4096, default from config)")
	cmd.Flags().StringVar(&outDir, "out", ".", "Directory to write the private key into")

	return cmd
}
