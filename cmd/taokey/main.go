package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/snowops/taokey/cmd/taokey/commands"
	"github.com/snowops/taokey/internal/config"
	"github.com/snowops/taokey/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Global flags
	var (
		configFile     string
		noColor        bool
		debug          bool
		nonInteractive bool
	)

	// Create config placeholder
	cfg := &config.Config{}

	rootCmd := &cobra.Command{
		Use:   "taokey",
		Short: "Snowflake service-account key lifecycle manager",
		Long: `taokey issues, rotates and retires RSA key pairs for Snowflake service
accounts, tracks their expiry, and notifies owners before keys go stale.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Initialize logger with parsed flags
			logger := logging.New(debug, noColor)

			// Update config with parsed values
			cfg.Path = configFile
			cfg.Logger = logger
			cfg.NonInteractive = nonInteractive
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "taokey.yaml", "Config file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&nonInteractive, "non-interactive", false, "Non-interactive mode")

	// Add commands
	rootCmd.AddCommand(
		commands.NewIssueCommand(cfg),
		commands.NewRotateCommand(cfg),
		commands.NewRetireCommand(cfg),
		commands.NewScanCommand(cfg),
		commands.NewBulkCommand(cfg),
		commands.NewStatusCommand(cfg),
		commands.NewHistoryCommand(cfg),
	)

	return rootCmd.Execute()
}
