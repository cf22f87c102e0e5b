// Package app provides the entry point for the accountd command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ucphhpc/accountd/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "accountd",
	DisableAutoGenTag: true,
	Short:             "accountd manages grid account lifecycle and sign-up gating",
	Long: `accountd serves the account lifecycle endpoints of the grid: access renewal,
password changes, password reset and account removal requests, logout chains
and OpenID relying-party discovery. It enforces per-client rate limits and
keeps the file-mark caches consumed by the other grid daemons up to date.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the accountd CLI.
func NewRootCmd() *cobra.Command {
	// Add persistent flags
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	if err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	// Add subcommands
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
