package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/snowops/taokey/internal/config"
	taoerrors "github.com/snowops/taokey/internal/errors"
)

func NewScanCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one expiry sweep over the credential store",
		Long: `Scan finds ACTIVE keys nearing expiry, notifies their owners at the
warning and urgent thresholds, and marks overdue keys EXPIRED.

Run it from cron (daily is the intended cadence). Re-running within the
cooldown window does not duplicate notifications.

Examples:
  taokey scan
  taokey scan --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			report, err := rt.newScanner().Run(context.Background())
			if err != nil {
				return err
			}

			cfg.Logger.Info("Scanned %d expiring credentials: %d notified, %d suppressed, %d marked expired",
				report.Scanned, report.Notified, report.Suppressed, report.Expired)

			if len(report.Failures) > 0 {
				for _, f := range report.Failures {
					cfg.Logger.Error("account %s (key %s): %v", f.AccountID, f.KeyID, f.Err)
				}
				return taoerrors.UserError{
					Message:    fmt.Sprintf("%d of %d records could not be processed", len(report.Failures), report.Scanned),
					Suggestion: "The remaining records were handled; re-run 'taokey scan' after fixing the errors above",
				}
			}
			return nil
		},
	}

	return cmd
}
