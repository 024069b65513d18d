package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/snowops/taokey/internal/config"
	taoerrors "github.com/snowops/taokey/internal/errors"
)

func NewHistoryCommand(cfg *config.Config) *cobra.Command {
	var account string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the full rotation history of a service account",
		Long: `History lists every key generation an account has had, newest first,
including retired and expired ones.

Examples:
  taokey history --account svc_etl_prod`,
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

			records, err := rt.store.ListByAccount(context.Background(), account)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				return taoerrors.NotFoundError{Kind: "account", ID: account}
			}

			cmd.Printf("%-8s %-36s %-12s %-12s %s\n", "STATE", "KEY ID", "CREATED", "EXPIRES", "OWNER")
			for _, rec := range records {
				cmd.Printf("%-8s %-36s %-12s %-12s %s\n",
					rec.State,
					rec.KeyID,
					rec.CreatedAt.Format("2006-01-02"),
					rec.ExpiresAt.Format("2006-01-02"),
					rec.OwnerID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&account, "account", "", "Service account name")

	return cmd
}
