// Package app implements the recoveruserdb command-line application.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ucphhpc/accountd/pkg/config"
	"github.com/ucphhpc/accountd/pkg/logger"
	"github.com/ucphhpc/accountd/pkg/useradm"
	"github.com/ucphhpc/accountd/pkg/userdb"
)

var (
	configPath string
	dbPath     string
	force      bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:               "recoveruserdb [flags] BACKUP_DB [BACKUP_DB ...]",
	DisableAutoGenTag: true,
	Short:             "Restore missing users from one or more backup user DBs",
	Long: `Restore user records that are present in the given backup DBs but missing
from the live user DB. A record is only restored when the account's home
directory still exists on disk, so deliberately removed accounts stay removed.`,
	Args: cobra.MinimumNArgs(1),
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		if verbose {
			viper.Set("debug", true)
		}
		logger.Initialize()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if dbPath == "" {
			dbPath = cfg.DefaultUserDBPath()
		}
		db := userdb.New(dbPath, cfg.LegacyUserDBPath())

		result, err := useradm.RestoreMissingUsers(cmd.Context(), cfg, db, args, force)
		if err != nil {
			return err
		}
		logger.Infof("restored %d user(s), skipped %d without home dir", result.Restored, result.Skipped)
		return nil
	},
}

// NewRootCmd creates the root command for the recoveruserdb CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath(), "Path to the server configuration file")
	rootCmd.Flags().StringVarP(&dbPath, "db", "d", "", "Path to the live user DB file (default from configuration)")
	rootCmd.Flags().BoolVarP(&force, "force", "f", false, "Continue past errors instead of aborting")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	return rootCmd
}
