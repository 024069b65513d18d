package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/snowops/taokey/internal/bulk"
	"github.com/snowops/taokey/internal/config"
	"github.com/snowops/taokey/internal/delivery"
	taoerrors "github.com/snowops/taokey/internal/errors"
)

func NewBulkCommand(cfg *config.Config) *cobra.Command {
	var (
		inputPath   string
		archivePath string
		warehouse   string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "bulk",
		Short: "Issue keys for a CSV of service accounts",
		Long: `Bulk reads a CSV with columns username, owner_id, purpose, environment
and optionally role and expiry_days, and issues a key pair per row. Rows
are independent: one failure never aborts the rest.

All private keys land in a single zip archive, one file per account, next
to a README with connection instructions. The archive is the only copy.

Examples:
  taokey bulk --file accounts.csv --archive keys.zip
  taokey bulk --file accounts.csv --archive keys.zip --warehouse LOADING_WH`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputPath == "" {
				return taoerrors.UserError{
					Message:    "Input file is required",
					Suggestion: "Specify the CSV with --file <path>",
				}
			}

			f, err := os.Open(inputPath)
			if err != nil {
				return taoerrors.UserError{
					Message:    fmt.Sprintf("Cannot open %s", inputPath),
					Details:    err.Error(),
					Suggestion: "Check the path and permissions",
					Err:        err,
				}
			}
			rows, err := bulk.ParseCSV(f)
			_ = f.Close()
			if err != nil {
				return taoerrors.UserError{
					Message:    fmt.Sprintf("Invalid bulk input in %s", inputPath),
					Details:    err.Error(),
					Suggestion: "Expected header: username,owner_id,purpose,environment,role,expiry_days",
					Err:        err,
				}
			}

			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			processor := bulk.NewProcessor(rt.coord, cfg.Logger, warehouse, concurrency)
			results := processor.Run(context.Background(), rows)

			var bundles []*delivery.Bundle
			failed := 0
			for _, res := range results {
				if res.Err != nil {
					failed++
					cfg.Logger.Error("%s: %v", res.Row.Username, res.Err)
					continue
				}
				cfg.Logger.Info("%s: key %s issued (expires %s)", res.Record.AccountID, res.Record.KeyID, res.Record.ExpiresAt.Format("2006-01-02"))
				bundles = append(bundles, res.Bundle)
			}

			if len(bundles) > 0 {
				out, err := os.OpenFile(archivePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
				if err != nil {
					return taoerrors.UserError{
						Message:    fmt.Sprintf("Cannot create archive %s", archivePath),
						Details:    err.Error(),
						Suggestion: "The archive must not already exist; keys are delivered exactly once",
						Err:        err,
					}
				}
				archiveErr := delivery.Archive(out, bundles, rt.def.Snowflake.Account)
				closeErr := out.Close()
				if archiveErr != nil {
					return archiveErr
				}
				if closeErr != nil {
					return closeErr
				}
				cfg.Logger.Info("Private keys for %d accounts written to %s (this is the only copy)", len(bundles), archivePath)
			}

			if failed > 0 {
				return taoerrors.UserError{
					Message:    fmt.Sprintf("%d of %d rows failed", failed, len(results)),
					Suggestion: "Fix the rows above and re-run with only those rows; issued accounts are already done",
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&inputPath, "file", "", "CSV input file")
	cmd.Flags().StringVar(&archivePath, "archive", "taokey_keys.zip", "Zip archive to write private keys into")
	cmd.Flags().StringVar(&warehouse, "warehouse", "", "Default warehouse for every issued account")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Maximum simultaneous issuances")

	return cmd
}
