package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
state_dir: /var/lib/accountd
site_secret: super-secret
digest_salt: "deadbeef"
short_title: TestGrid
oid_valid_days: 90
urls:
  mig_oid: https://migoid.example.org
  ext_oid: https://extoid.example.org
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "TestGrid", cfg.ShortTitle)
	assert.Equal(t, 90, cfg.OidValidDays)
	// Defaults fill the rest
	assert.Equal(t, 365, cfg.CertValidDays)
	assert.Equal(t, 30, cfg.OidAutoExtendDays)
	assert.Equal(t, time.Hour, cfg.ResetTokenTTL)
	assert.Equal(t, "https://migoid.example.org", cfg.URLs.MigOid)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cfg := &Config{StateDir: "/tmp/state", SiteSecret: "s", DigestSalt: "d"}
	require.NoError(t, cfg.Validate())

	for _, broken := range []Config{
		{SiteSecret: "s", DigestSalt: "d"},
		{StateDir: "/tmp/state", DigestSalt: "d"},
		{StateDir: "/tmp/state", SiteSecret: "s"},
	} {
		assert.Error(t, broken.Validate())
	}
}

func TestStatePaths(t *testing.T) {
	t.Parallel()

	cfg := &Config{StateDir: "/srv/state"}
	assert.Equal(t, "/srv/state/user_db/accountd-users.db", cfg.DefaultUserDBPath())
	assert.Equal(t, "/srv/state/server/accountd-users.db", cfg.LegacyUserDBPath())
	assert.Equal(t, "/srv/state/status_marks", cfg.StatusMarksDir())
	assert.Equal(t, "/srv/state/expire_marks", cfg.ExpireMarksDir())
	assert.Equal(t, "/srv/state/auth_log", cfg.AuthLogPath())

	override := &Config{StateDir: "/srv/state", UserDBPath: "/elsewhere/users.db"}
	assert.Equal(t, "/elsewhere/users.db", override.DefaultUserDBPath())
}
