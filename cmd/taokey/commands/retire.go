package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/snowops/taokey/internal/config"
	taoerrors "github.com/snowops/taokey/internal/errors"
)

func NewRetireCommand(cfg *config.Config) *cobra.Command {
	var (
		account string
		confirm bool
	)

	cmd := &cobra.Command{
		Use:   "retire",
		Short: "Retire a key whose grace window has elapsed",
		Long: `Retire removes the old key from the account's secondary slot, ending the
grace window. Any consumer still authenticating with the old key loses
access immediately, so retirement always requires --confirm.

Examples:
  taokey retire --account svc_etl_prod --confirm`,
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

			rec, err := rt.coord.Retire(context.Background(), account, confirm)
			if err != nil {
				return err
			}

			cfg.Logger.Info("Retired key %s for %s at %s", rec.KeyID, rec.AccountID, time.Now().UTC().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&account, "account", "", "Service account name")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "Acknowledge that the old key becomes unusable")

	return cmd
}
