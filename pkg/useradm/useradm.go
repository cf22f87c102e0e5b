// Package useradm implements the filesystem maintenance shared by the
// administrative CLIs: per-user htaccess refresh and user DB recovery from
// backups.
package useradm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ucphhpc/accountd/pkg/config"
	"github.com/ucphhpc/accountd/pkg/logger"
	"github.com/ucphhpc/accountd/pkg/userdb"
)

const htaccessFilename = ".htaccess"

// EscapeDN renders dn the way the front-end reports it in SSL_CLIENT_S_DN:
// control and non-ASCII bytes become \xHH with upper-case hex digits.
func EscapeDN(dn string) string {
	var b strings.Builder
	for i := 0; i < len(dn); i++ {
		c := dn[i]
		if c < 0x20 || c >= 0x7f {
			fmt.Fprintf(&b, "\\x%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// oidProviders returns the configured OpenID 2.0 provider base URLs.
func oidProviders(cfg *config.Config) []string {
	var providers []string
	for _, provider := range []string{cfg.MigOidProvider, cfg.ExtOidProvider} {
		if provider != "" {
			providers = append(providers, provider)
		}
	}
	return providers
}

// HTAccessContent builds the access control file for user. Certificate logins
// must present the exact DN while OpenID logins match any of the aliased
// identity URLs. The escaped DN variant is included because the front-end
// mangles non-ASCII DN bytes before matching.
func HTAccessContent(user *userdb.User, providers []string) string {
	dn := user.DistinguishedName
	dnEnc := EscapeDN(dn)

	var b strings.Builder
	b.WriteString(`# Access control for directly served requests.
# Access must hold either a client certificate matching the account DN or an
# OpenID login matching one of the account's identity aliases.

# The Satisfy any clause below still requires the access_compat module, so the
# legacy SSLRequire checks are kept alongside the require user lines.
`)
	fmt.Fprintf(&b, "SSLRequire (%%{SSL_CLIENT_S_DN} eq \"%s\")\n", dn)
	if dnEnc != dn {
		fmt.Fprintf(&b, "SSLRequire (%%{SSL_CLIENT_S_DN} eq \"%s\")\n", dnEnc)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "require user \"%s\"\n", dn)
	if dnEnc != dn {
		fmt.Fprintf(&b, "require user \"%s\"\n", dnEnc)
	}

	for _, name := range user.OpenIDNames {
		// short_id equals the DN for cert-only users and spaces never occur
		// in real aliases.
		if name == dn || strings.Contains(name, " ") {
			continue
		}
		for _, provider := range providers {
			fmt.Fprintf(&b, "require user \"%s\"\n", strings.TrimRight(provider, "/")+"/"+name)
			fmt.Fprintf(&b, "require user \"%s\"\n", name)
		}
	}

	b.WriteString(`
# In apache 2.3+ RequireAny is implicit for the require user lines. Earlier
# versions and the access_compat module need Satisfy any for the same effect.
<IfVersion <= 2.2>
    Satisfy any
</IfVersion>
<IfVersion > 2.2>
    <IfModule mod_access_compat.c>
        Satisfy any
    </IfModule>
</IfVersion>
`)
	return b.String()
}

// UserHomePath returns the home directory for the account with the given DN.
func UserHomePath(cfg *config.Config, clientID string) string {
	return filepath.Join(cfg.UserHomeDir(), userdb.ClientIDDir(clientID))
}

// AssureCurrentHTAccess rewrites the htaccess file in the user's home when it
// no longer matches the account record. Returns true when a rewrite happened.
// The file is kept read-only between rewrites so stray chmod failures are only
// fatal without force.
func AssureCurrentHTAccess(cfg *config.Config, user *userdb.User, force bool) (bool, error) {
	home := UserHomePath(cfg, user.DistinguishedName)
	if _, err := os.Stat(home); err != nil {
		return false, fmt.Errorf("no home dir for %s: %w", user.DistinguishedName, err)
	}
	path := filepath.Join(home, htaccessFilename)
	want := HTAccessContent(user, oidProviders(cfg))

	current, err := os.ReadFile(path)
	if err == nil && string(current) == want {
		return false, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := os.Chmod(path, 0o644); err != nil && !errors.Is(err, os.ErrNotExist) {
		if !force {
			return false, fmt.Errorf("failed to unlock %s: %w", path, err)
		}
		logger.Warnf("failed to unlock %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(want), 0o644); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o444); err != nil {
		if !force {
			return false, fmt.Errorf("failed to re-lock %s: %w", path, err)
		}
		logger.Warnf("failed to re-lock %s: %v", path, err)
	}
	return true, nil
}

// RestoreResult summarises a RestoreMissingUsers run.
type RestoreResult struct {
	Restored int
	Skipped  int
}

// RestoreMissingUsers copies records found in the backup DBs into db when the
// primary has no record for the DN and the account's home directory still
// exists on disk. Accounts whose home is gone have been deliberately removed
// and stay removed. With force, per-record failures are logged and skipped
// instead of aborting the run.
func RestoreMissingUsers(ctx context.Context, cfg *config.Config, db *userdb.DB, backupPaths []string, force bool) (RestoreResult, error) {
	var result RestoreResult
	for _, backupPath := range backupPaths {
		backup := userdb.New(backupPath, "")
		candidates, err := backup.SearchUsers(ctx, userdb.SearchFilter{})
		if err != nil {
			if !force {
				return result, fmt.Errorf("failed to read backup DB %s: %w", backupPath, err)
			}
			logger.Warnf("failed to read backup DB %s: %v", backupPath, err)
			continue
		}
		for _, user := range candidates {
			id := user.DistinguishedName
			_, err := db.LoadUser(ctx, id)
			if err == nil {
				continue
			}
			if !errors.Is(err, userdb.ErrNoSuchUser) {
				if !force {
					return result, fmt.Errorf("failed to look up %s: %w", id, err)
				}
				logger.Warnf("failed to look up %s: %v", id, err)
				continue
			}
			if _, err := os.Stat(UserHomePath(cfg, id)); err != nil {
				logger.Infof("skip %s without home dir", id)
				result.Skipped++
				continue
			}
			if err := db.SaveUser(ctx, id, user); err != nil {
				if !force {
					return result, fmt.Errorf("failed to restore %s: %w", id, err)
				}
				logger.Warnf("failed to restore %s: %v", id, err)
				continue
			}
			logger.Infof("restored %s from %s", id, backupPath)
			result.Restored++
		}
	}
	return result, nil
}
