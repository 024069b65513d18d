package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/snowops/taokey/internal/config"
	"github.com/snowops/taokey/internal/credential"
	taoerrors "github.com/snowops/taokey/internal/errors"
	"github.com/snowops/taokey/internal/scanner"
)

func NewStatusCommand(cfg *config.Config) *cobra.Command {
	var account string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current credentials of a service account",
		Long: `Status lists the live credential set of an account: the ACTIVE key, a
GRACE key if a rotation is still in its dual-validity window, and how
close each is to expiry.

Examples:
  taokey status --account svc_etl_prod`,
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

			warnDays := rt.def.Scanner.WarnDays
			if warnDays == 0 {
				warnDays = scanner.DefaultWarnDays
			}
			now := time.Now().UTC()

			for _, rec := range records {
				if rec.State != credential.StateActive && rec.State != credential.StateGrace {
					continue
				}
				cmd.Printf("%-8s %s  %s\n", rec.State, rec.KeyID, describeRecord(rec, now, warnDays))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&account, "account", "", "Service account name")

	return cmd
}

func describeRecord(rec *credential.Record, now time.Time, warnDays int) string {
	switch rec.State {
	case credential.StateGrace:
		if rec.GraceExpiresAt != nil {
			if rec.GraceElapsed(now) {
				return fmt.Sprintf("grace window ended %s, eligible for retirement", rec.GraceExpiresAt.Format(time.RFC3339))
			}
			return fmt.Sprintf("grace window until %s", rec.GraceExpiresAt.Format(time.RFC3339))
		}
		return "in grace window"
	default:
		days := rec.DaysUntilExpiry(now)
		status := rec.DisplayStatus(now, warnDays)
		if status == "expired" {
			return fmt.Sprintf("expired %s", rec.ExpiresAt.Format("2006-01-02"))
		}
		return fmt.Sprintf("%s, %d days until expiry (%s)", status, days, rec.ExpiresAt.Format("2006-01-02"))
	}
}
