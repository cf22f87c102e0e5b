package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ucphhpc/accountd/pkg/config"
	"github.com/ucphhpc/accountd/pkg/errors"
	"github.com/ucphhpc/accountd/pkg/userdb"
)

const testDN = "/C=DK/ST=NA/L=NA/O=NBI/OU=NA/CN=Test User/emailAddress=a@b.dk"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		StateDir: t.TempDir(),
		URLs: config.SiteURLs{
			MigCert: "https://cert.test.dk",
			ExtOid:  "https://ext.test.dk",
			MigOid:  "https://oid.test.dk",
			ExtOidc: "https://oidc.test.dk",
			Sid:     "https://sid.test.dk",
		},
		MigOidProvider: "https://oid.test.dk/openid/",
		ExtOidProvider: "https://provider.example.org/id/",
	}
}

func testDB(t *testing.T, cfg *config.Config) *userdb.DB {
	t.Helper()
	db := userdb.New(filepath.Join(cfg.StateDir, "users.db"), "")
	require.NoError(t, db.SaveUser(context.Background(), testDN, &userdb.User{
		DistinguishedName: testDN,
		Email:             "a@b.dk",
		Status:            userdb.StatusActive,
	}))
	return db
}

func TestDetectClientAuthPrecedence(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	tests := []struct {
		name       string
		environ    map[string]string
		wantType   Type
		wantFlavor string
	}{
		{
			name: "certificate wins over remote user",
			environ: map[string]string{
				EnvScriptURI:  "https://cert.test.dk/cgi-bin/accountaction.py",
				EnvClientDN:   testDN,
				EnvRemoteUser: "someone",
			},
			wantType:   TypeCertificate,
			wantFlavor: config.FlavorMigCert,
		},
		{
			name: "oidc claims win over remote user",
			environ: map[string]string{
				EnvScriptURI:         "https://oidc.test.dk/wsgi-bin/accountaction.py",
				"OIDC_CLAIM_sub":     "abc123",
				EnvRemoteUser:        "abc123",
			},
			wantType:   TypeOpenIDConnect,
			wantFlavor: config.FlavorExtOidc,
		},
		{
			name: "remote user URL means openid 2.0",
			environ: map[string]string{
				EnvScriptURI:  "https://ext.test.dk/wsgi-bin/accountaction.py",
				EnvRemoteUser: "https://provider.example.org/id/jdoe",
			},
			wantType:   TypeOpenID2,
			wantFlavor: config.FlavorExtOid,
		},
		{
			name: "plain remote user is generic",
			environ: map[string]string{
				EnvScriptURI:  "https://ext.test.dk/wsgi-bin/accountaction.py",
				EnvRemoteUser: "a@b.dk",
			},
			wantType:   TypeGeneric,
			wantFlavor: config.FlavorExtOid,
		},
		{
			name: "session id on sid vhost is generic",
			environ: map[string]string{
				EnvScriptURI: "https://sid.test.dk/cgi-sid/reqpwreset.py",
				EnvSessionID: "0123456789abcdef",
			},
			wantType:   TypeGeneric,
			wantFlavor: config.FlavorSid,
		},
		{
			name:       "nothing means none",
			environ:    map[string]string{EnvScriptURI: "https://cert.test.dk/"},
			wantType:   TypeNone,
			wantFlavor: config.FlavorMigCert,
		},
		{
			name:       "unmatched vhost is unknown",
			environ:    map[string]string{EnvScriptURI: "https://evil.example.org/"},
			wantType:   TypeNone,
			wantFlavor: FlavorUnknown,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			gotType, gotFlavor := DetectClientAuth(cfg, tc.environ)
			assert.Equal(t, tc.wantType, gotType)
			assert.Equal(t, tc.wantFlavor, gotFlavor)
		})
	}
}

func TestUnescapeDN(t *testing.T) {
	t.Parallel()

	assert.Equal(t, testDN, UnescapeDN(testDN))
	assert.Equal(t, "/CN=Søren", UnescapeDN(`/CN=S\xc3\xb8ren`))
	assert.Equal(t, `/CN=trailing\x`, UnescapeDN(`/CN=trailing\x`))
}

func TestExtractClientIDCertificate(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	db := testDB(t, cfg)

	environ := map[string]string{
		EnvScriptURI: "https://cert.test.dk/cgi-bin/accountaction.py",
		EnvClientDN:  testDN,
	}
	clientID, err := ExtractClientID(context.Background(), cfg, db, environ, false)
	require.NoError(t, err)
	assert.Equal(t, testDN, clientID)
}

func TestExtractClientIDOpenIDAlias(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	db := testDB(t, cfg)

	environ := map[string]string{
		EnvScriptURI:  "https://ext.test.dk/wsgi-bin/accountaction.py",
		EnvRemoteUser: "https://provider.example.org/id/a@b.dk",
	}
	clientID, err := ExtractClientID(context.Background(), cfg, db, environ, false)
	require.NoError(t, err)
	assert.Equal(t, testDN, clientID)
}

func TestExtractClientIDRefusesWrongVhost(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	db := testDB(t, cfg)

	// Identity from the ext provider presented on the mig vhost.
	environ := map[string]string{
		EnvScriptURI:  "https://oid.test.dk/wsgi-bin/accountaction.py",
		EnvRemoteUser: "https://provider.example.org/id/a@b.dk",
	}
	_, err := ExtractClientID(context.Background(), cfg, db, environ, false)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrAuthWrongFlavor))
}

func TestExtractClientIDStripsProjectID(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.SiteEnableGDP = true
	db := testDB(t, cfg)

	environ := map[string]string{
		EnvScriptURI: "https://cert.test.dk/cgi-bin/accountaction.py",
		EnvClientDN:  testDN + "/GDP=myproject",
	}
	clientID, err := ExtractClientID(context.Background(), cfg, db, environ, false)
	require.NoError(t, err)
	assert.Equal(t, testDN, clientID)
}

func TestExpandAliasHome(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	db := testDB(t, cfg)

	homes := cfg.UserHomeDir()
	realHome := filepath.Join(homes, userdb.ClientIDDir(testDN))
	require.NoError(t, os.MkdirAll(realHome, 0o700))
	require.NoError(t, os.Symlink(realHome, filepath.Join(homes, "a@b.dk")))

	environ := map[string]string{
		EnvScriptURI:  "https://ext.test.dk/wsgi-bin/accountaction.py",
		EnvRemoteUser: "a@b.dk",
	}
	clientID, err := ExtractClientID(context.Background(), cfg, db, environ, true)
	require.NoError(t, err)
	assert.Equal(t, testDN, clientID)
}
