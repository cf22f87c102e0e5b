package useradm

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ucphhpc/accountd/pkg/config"
	"github.com/ucphhpc/accountd/pkg/userdb"
)

const testDN = "/C=DK/ST=NA/L=NA/O=Test Org/OU=NA/CN=Jane Doe/emailAddress=jane@site.dk"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		StateDir:       t.TempDir(),
		MigOidProvider: "https://oid.site.dk/openid/id/",
	}
	require.NoError(t, os.MkdirAll(cfg.UserHomeDir(), 0o755))
	return cfg
}

func makeHome(t *testing.T, cfg *config.Config, clientID string) string {
	t.Helper()
	home := UserHomePath(cfg, clientID)
	require.NoError(t, os.MkdirAll(home, 0o755))
	return home
}

func TestEscapeDN(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/C=DK/CN=Jane Doe", EscapeDN("/C=DK/CN=Jane Doe"))
	assert.Equal(t, "/CN=S\\xC3\\xB8ren", EscapeDN("/CN=Søren"))
}

func TestHTAccessContent(t *testing.T) {
	t.Parallel()

	user := &userdb.User{
		DistinguishedName: testDN,
		OpenIDNames:       []string{"jane@site.dk", testDN},
	}
	content := HTAccessContent(user, []string{"https://oid.site.dk/openid/id/"})

	assert.Contains(t, content, "SSLRequire (%{SSL_CLIENT_S_DN} eq \""+testDN+"\")")
	assert.Contains(t, content, "require user \""+testDN+"\"")
	assert.Contains(t, content, "require user \"https://oid.site.dk/openid/id/jane@site.dk\"")
	assert.Contains(t, content, "require user \"jane@site.dk\"")
	assert.Contains(t, content, "Satisfy any")
	// The alias equal to the DN is cert-only and gets no provider lines.
	assert.NotContains(t, content, "openid/id//C=DK")
}

func TestHTAccessContentEncodedDN(t *testing.T) {
	t.Parallel()

	user := &userdb.User{DistinguishedName: "/C=DK/CN=Søren Sø"}
	content := HTAccessContent(user, nil)

	assert.Contains(t, content, "require user \"/C=DK/CN=Søren Sø\"")
	assert.Contains(t, content, "require user \"/C=DK/CN=S\\xC3\\xB8ren S\\xC3\\xB8\"")
}

func TestAssureCurrentHTAccess(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	user := &userdb.User{
		DistinguishedName: testDN,
		OpenIDNames:       []string{"jane@site.dk"},
	}
	home := makeHome(t, cfg, testDN)
	path := filepath.Join(home, ".htaccess")

	refreshed, err := AssureCurrentHTAccess(cfg, user, false)
	require.NoError(t, err)
	assert.True(t, refreshed)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "jane@site.dk")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o444), info.Mode().Perm())

	// A second run with an unchanged record is a no-op.
	refreshed, err = AssureCurrentHTAccess(cfg, user, false)
	require.NoError(t, err)
	assert.False(t, refreshed)

	// A changed alias set makes the file stale again.
	user.OpenIDNames = append(user.OpenIDNames, "jd@site.dk")
	refreshed, err = AssureCurrentHTAccess(cfg, user, false)
	require.NoError(t, err)
	assert.True(t, refreshed)
}

func TestAssureCurrentHTAccessMissingHome(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	user := &userdb.User{DistinguishedName: testDN}

	_, err := AssureCurrentHTAccess(cfg, user, false)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "no home dir"))
}

func TestRestoreMissingUsers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig(t)
	db := userdb.New(cfg.DefaultUserDBPath(), "")

	keptDN := "/C=DK/CN=Kept User/emailAddress=kept@site.dk"
	goneDN := "/C=DK/CN=Gone User/emailAddress=gone@site.dk"
	presentDN := "/C=DK/CN=Present User/emailAddress=present@site.dk"

	require.NoError(t, db.SaveUser(ctx, presentDN, &userdb.User{
		DistinguishedName: presentDN,
		Email:             "present@site.dk",
		Status:            userdb.StatusSuspended,
	}))

	backupPath := filepath.Join(t.TempDir(), "backup.db")
	backup := userdb.New(backupPath, "")
	for _, dn := range []string{keptDN, goneDN, presentDN} {
		require.NoError(t, backup.SaveUser(ctx, dn, &userdb.User{
			DistinguishedName: dn,
			Status:            userdb.StatusActive,
		}))
	}

	// Only the kept user still has a home dir on disk.
	makeHome(t, cfg, keptDN)
	makeHome(t, cfg, presentDN)

	result, err := RestoreMissingUsers(ctx, cfg, db, []string{backupPath}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Restored)
	assert.Equal(t, 1, result.Skipped)

	restored, err := db.LoadUser(ctx, keptDN)
	require.NoError(t, err)
	assert.Equal(t, userdb.StatusActive, restored.Status)

	// The pre-existing record is never overwritten by the backup copy.
	present, err := db.LoadUser(ctx, presentDN)
	require.NoError(t, err)
	assert.Equal(t, userdb.StatusSuspended, present.Status)

	_, err = db.LoadUser(ctx, goneDN)
	assert.ErrorIs(t, err, userdb.ErrNoSuchUser)
}

func TestRestoreMissingUsersBadBackup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig(t)
	db := userdb.New(cfg.DefaultUserDBPath(), "")

	badPath := filepath.Join(t.TempDir(), "corrupt.db")
	require.NoError(t, os.WriteFile(badPath, []byte(":not yaml ["), 0o600))

	_, err := RestoreMissingUsers(ctx, cfg, db, []string{badPath}, false)
	require.Error(t, err)

	// force continues past unreadable backups.
	result, err := RestoreMissingUsers(ctx, cfg, db, []string{badPath}, true)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Restored)
}