// Package app implements the refreshusers command-line application.
package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ucphhpc/accountd/pkg/auth"
	"github.com/ucphhpc/accountd/pkg/config"
	"github.com/ucphhpc/accountd/pkg/logger"
	"github.com/ucphhpc/accountd/pkg/useradm"
	"github.com/ucphhpc/accountd/pkg/userdb"
)

var (
	expireAfter  string
	expireBefore string
	configPath   string
	dbPath       string
	force        bool
	userDN       string
	shortID      string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:               "refreshusers",
	DisableAutoGenTag: true,
	Short:             "Rewrite stale per-user htaccess files",
	Long: `Walk the user DB and rewrite any per-user htaccess file that no longer
matches the account's current identity aliases. Only accounts with external
OpenID auth are touched, and suspended or retired accounts are left alone.
The default expire window covers accounts expiring within the next year.`,
	Args: cobra.NoArgs,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		if verbose {
			viper.Set("debug", true)
		}
		logger.Initialize()
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		now := time.Now().Unix()
		after, err := parseEpoch(expireAfter, now)
		if err != nil {
			return fmt.Errorf("invalid expire-after value: %w", err)
		}
		before, err := parseEpoch(expireBefore, now)
		if err != nil {
			return fmt.Errorf("invalid expire-before value: %w", err)
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if dbPath == "" {
			dbPath = cfg.DefaultUserDBPath()
		}
		db := userdb.New(dbPath, cfg.LegacyUserDBPath())

		filter := userdb.SearchFilter{
			DistinguishedName: userDN,
			Email:             shortID,
			ExpireAfter:       after,
			ExpireBefore:      before,
		}
		hits, err := db.SearchUsers(cmd.Context(), filter)
		if err != nil {
			return fmt.Errorf("failed to search user DB: %w", err)
		}
		logger.Debugf("checking %d account(s) expiring between %d and %d", len(hits), after, before)

		failures := 0
		for _, user := range hits {
			if skip, reason := skipRefresh(cfg, user); skip {
				logger.Debugf("skip %s: %s", user.DistinguishedName, reason)
				continue
			}
			refreshed, err := useradm.AssureCurrentHTAccess(cfg, user, force)
			if err != nil {
				logger.Warnf("failed to refresh %s: %v", user.DistinguishedName, err)
				failures++
				continue
			}
			if refreshed {
				logger.Infof("refreshed htaccess for %s", user.DistinguishedName)
			}
		}
		if failures > 0 && !force {
			return fmt.Errorf("failed to refresh %d account(s)", failures)
		}
		return nil
	},
}

// parseEpoch reads an absolute epoch value or a +N/-N offset from now.
func parseEpoch(val string, now int64) (int64, error) {
	if strings.HasPrefix(val, "+") || strings.HasPrefix(val, "-") {
		offset, err := strconv.ParseInt(val[1:], 10, 64)
		if err != nil {
			return 0, err
		}
		if val[0] == '-' {
			return now - offset, nil
		}
		return now + offset, nil
	}
	return strconv.ParseInt(val, 10, 64)
}

// knownAuth returns the account's auth tags, deduced from the stored
// credentials when the record predates the auth field.
func knownAuth(user *userdb.User) []string {
	if len(user.Auth) > 0 {
		return user.Auth
	}
	switch {
	case user.MainID != "":
		return []string{config.FlavorExtOidc}
	case len(user.OpenIDNames) > 0 && user.PasswordHash != "":
		return []string{config.FlavorMigOid}
	case len(user.OpenIDNames) > 0:
		return []string{config.FlavorExtOid}
	case user.Password != "":
		return []string{config.FlavorMigCert}
	}
	return nil
}

// skipRefresh reports whether user is outside the refresh scope and why.
func skipRefresh(cfg *config.Config, user *userdb.User) (bool, string) {
	id := user.DistinguishedName
	if cfg.SiteEnableGDP && auth.StripProjectID(id) != id {
		return true, "gdp project account"
	}
	status := user.Status
	if status == "" {
		status = userdb.StatusActive
	}
	if status != userdb.StatusActive && status != userdb.StatusTemporal {
		return true, fmt.Sprintf("already %s", status)
	}
	tags := knownAuth(user)
	if len(tags) == 0 {
		return true, "no auth info"
	}
	hasExt := false
	for _, tag := range tags {
		if tag == config.FlavorExtOid || tag == config.FlavorExtOidc {
			hasExt = true
			break
		}
	}
	if !hasExt {
		return true, "no external openid auth"
	}
	return false, ""
}

// NewRootCmd creates the root command for the refreshusers CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.Flags().StringVarP(&expireAfter, "expire-after", "A", "+0", "Limit to users expiring after this epoch, or +N/-N seconds from now")
	rootCmd.Flags().StringVarP(&expireBefore, "expire-before", "B", "+31536000", "Limit to users expiring before this epoch, or +N/-N seconds from now")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath(), "Path to the server configuration file")
	rootCmd.Flags().StringVarP(&dbPath, "db", "d", "", "Path to the user DB file (default from configuration)")
	rootCmd.Flags().BoolVarP(&force, "force", "f", false, "Continue past errors instead of aborting")
	rootCmd.Flags().StringVarP(&userDN, "user-id", "I", "", "Filter to the user with this distinguished name")
	rootCmd.Flags().StringVarP(&shortID, "short-id", "s", "", "Filter to users with this short ID (email)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	return rootCmd
}
