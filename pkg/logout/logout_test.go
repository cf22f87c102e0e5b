package logout

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ucphhpc/accountd/pkg/audit"
	"github.com/ucphhpc/accountd/pkg/config"
	"github.com/ucphhpc/accountd/pkg/twofactor"
)

const testDN = "/C=DK/ST=NA/L=NA/O=NBI/OU=NA/CN=Test User/emailAddress=a@b.dk"

func testOrchestrator(t *testing.T) (*Orchestrator, *twofactor.Gate) {
	t.Helper()
	cfg := &config.Config{
		StateDir:   t.TempDir(),
		DigestSalt: "deadbeefcafe",
		URLs: config.SiteURLs{
			MigCert: "https://cert.test.dk",
			ExtOid:  "https://ext.test.dk",
			ExtOidc: "https://oidc.test.dk",
		},
		ExtOidProvider:    "https://provider.example.org/id/",
		ExtOidcEndSession: "https://login.example.org/end-session",
	}
	gate := twofactor.New(cfg, func() time.Time { return time.Unix(1700000000, 0) })
	auditLog := audit.NewLog(cfg.AuthLogPath(), func() time.Time { return time.Unix(1700000000, 0) })
	return New(cfg, gate, auditLog), gate
}

func TestLogoutPlanOpenID2GoesProviderFirst(t *testing.T) {
	t.Parallel()
	o, _ := testOrchestrator(t)

	environ := map[string]string{
		"SCRIPT_URI":  "https://ext.test.dk/wsgi-bin/logout.py",
		"REMOTE_USER": "https://provider.example.org/id/jdoe",
	}
	plan := o.BuildLogoutPlan(environ, testDN)
	require.NotEmpty(t, plan.RedirectURL)
	assert.True(t, strings.HasPrefix(plan.RedirectURL, "https://provider.example.org/id/logout?return_to="))
	assert.False(t, plan.LocalOnly)
}

func TestLogoutPlanOIDCUsesEndSession(t *testing.T) {
	t.Parallel()
	o, _ := testOrchestrator(t)

	environ := map[string]string{
		"SCRIPT_URI":     "https://oidc.test.dk/wsgi-bin/logout.py",
		"OIDC_CLAIM_sub": "abc123",
	}
	plan := o.BuildLogoutPlan(environ, testDN)
	assert.True(t, strings.HasPrefix(plan.RedirectURL, "https://login.example.org/end-session?post_logout_redirect_uri="))
}

func TestLogoutPlanCertificateHasNoRedirect(t *testing.T) {
	t.Parallel()
	o, _ := testOrchestrator(t)

	environ := map[string]string{
		"SCRIPT_URI":      "https://cert.test.dk/cgi-bin/logout.py",
		"SSL_CLIENT_S_DN": testDN,
	}
	plan := o.BuildLogoutPlan(environ, testDN)
	assert.Empty(t, plan.RedirectURL)
	assert.True(t, plan.LocalOnly)
	assert.Contains(t, plan.Notice, "browser")
}

func TestLogoutExpiresTwofactorSessions(t *testing.T) {
	t.Parallel()
	o, gate := testOrchestrator(t)

	_, err := gate.CreateSession(testDN, "203.0.113.9")
	require.NoError(t, err)

	environ := map[string]string{
		"SCRIPT_URI":      "https://cert.test.dk/cgi-bin/logout.py",
		"SSL_CLIENT_S_DN": testDN,
	}
	o.BuildLogoutPlan(environ, testDN)

	removed, err := gate.ExpireSessions(testDN, "")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestLogoutKeepsTwofactorSessionsFromOtherAddresses(t *testing.T) {
	t.Parallel()
	o, gate := testOrchestrator(t)

	_, err := gate.CreateSession(testDN, "203.0.113.9")
	require.NoError(t, err)
	_, err = gate.CreateSession(testDN, "198.51.100.7")
	require.NoError(t, err)

	environ := map[string]string{
		"SCRIPT_URI":      "https://cert.test.dk/cgi-bin/logout.py",
		"SSL_CLIENT_S_DN": testDN,
		"REMOTE_ADDR":     "203.0.113.9",
	}
	o.BuildLogoutPlan(environ, testDN)

	remaining, err := gate.ExpireSessions(testDN, "")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining, "session from the other machine must survive")
}

func TestLogoutExpiresLocalOpenIDSessions(t *testing.T) {
	t.Parallel()
	o, _ := testOrchestrator(t)

	identity := "https://provider.example.org/id/jdoe"
	_, err := o.Sessions().Add(identity)
	require.NoError(t, err)
	_, err = o.Sessions().Add("https://provider.example.org/id/other")
	require.NoError(t, err)

	environ := map[string]string{
		"SCRIPT_URI":  "https://ext.test.dk/wsgi-bin/logout.py",
		"REMOTE_USER": identity,
	}
	o.BuildLogoutPlan(environ, testDN)

	gone, err := o.Sessions().Find(identity)
	require.NoError(t, err)
	assert.Empty(t, gone)
	kept, err := o.Sessions().Find("https://provider.example.org/id/other")
	require.NoError(t, err)
	assert.Len(t, kept, 1, "other users keep their sessions")
}

func TestLogoutClosesProjectSession(t *testing.T) {
	t.Parallel()
	o, _ := testOrchestrator(t)
	o.cfg.SiteEnableGDP = true

	environ := map[string]string{
		"SCRIPT_URI":      "https://cert.test.dk/cgi-bin/logout.py",
		"SSL_CLIENT_S_DN": testDN,
		"REMOTE_ADDR":     "203.0.113.9",
	}
	o.BuildLogoutPlan(environ, testDN)

	records, err := o.audit.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "project_logout", records[0].OpName)
	assert.Equal(t, testDN, records[0].UserID)
	assert.Equal(t, audit.OutcomeOK, records[0].Outcome)
}

func TestAutologoutTrustTokenRoundTrip(t *testing.T) {
	t.Parallel()
	o, _ := testOrchestrator(t)

	environ := map[string]string{
		"SCRIPT_URI":  "https://ext.test.dk/wsgi-bin/logout.py",
		"REMOTE_USER": "https://provider.example.org/id/jdoe",
	}
	returnQuery := url.Values{"logout": {"true"}}
	raw := o.BuildAutologoutURL(environ, testDN, "https://ext.test.dk/wsgi-bin/logout.py", returnQuery)

	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	query := parsed.Query()
	assert.True(t, o.VerifyAutologoutQuery(testDN, query.Get("redirect_to"),
		url.Values{"logout": {"true"}}, query.Get("_csrf")))
	assert.False(t, o.VerifyAutologoutQuery(testDN, "https://evil.example.org/",
		url.Values{"logout": {"true"}}, query.Get("_csrf")))
}
