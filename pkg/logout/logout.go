// Package logout builds the per-flavor redirect chains that tear down a
// login session across the local site and the identity provider.
package logout

import (
	"net/url"
	"strings"
	"time"

	"github.com/ucphhpc/accountd/pkg/audit"
	"github.com/ucphhpc/accountd/pkg/auth"
	"github.com/ucphhpc/accountd/pkg/config"
	"github.com/ucphhpc/accountd/pkg/csrf"
	"github.com/ucphhpc/accountd/pkg/logger"
	"github.com/ucphhpc/accountd/pkg/twofactor"
)

// Plan describes what the logout handler should do for one request.
type Plan struct {
	// RedirectURL is the next hop of the chain, empty when no redirect
	// applies (certificate logins).
	RedirectURL string
	// Notice is the user-facing message accompanying the response.
	Notice string
	// LocalOnly marks chains that finished local cleanup with no
	// provider round-trip left.
	LocalOnly bool
}

// Orchestrator composes the logout chain from the auth detector, the
// local session stores and the configured provider endpoints.
type Orchestrator struct {
	cfg      *config.Config
	gate     *twofactor.Gate
	sessions *SessionStore
	audit    *audit.Log
}

// New returns an Orchestrator over cfg and gate, logging session
// teardown to auditLog.
func New(cfg *config.Config, gate *twofactor.Gate, auditLog *audit.Log) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		gate:     gate,
		sessions: NewSessionStore(cfg.OpenIDStoreDir()),
		audit:    auditLog,
	}
}

// Sessions exposes the local OpenID 2.0 session store.
func (o *Orchestrator) Sessions() *SessionStore {
	return o.sessions
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// flavorVhost returns the vhost base URL a logged-out user should land
// back on, so the login surface stays consistent with how they came in.
func (o *Orchestrator) flavorVhost(flavor string) string {
	switch flavor {
	case config.FlavorMigCert:
		return o.cfg.URLs.MigCert
	case config.FlavorExtCert:
		return o.cfg.URLs.ExtCert
	case config.FlavorMigOid:
		return o.cfg.URLs.MigOid
	case config.FlavorExtOid:
		return o.cfg.URLs.ExtOid
	case config.FlavorMigOidc:
		return o.cfg.URLs.MigOidc
	case config.FlavorExtOidc:
		return o.cfg.URLs.ExtOidc
	}
	return o.cfg.URLs.Sid
}

// BuildAutologoutURL returns the local autologout entry point carrying
// the final return target. The redirect query is sealed with a CSRF
// trust token so a malicious referer cannot inject return targets.
func (o *Orchestrator) BuildAutologoutURL(environ map[string]string, clientID,
	returnURL string, returnQuery url.Values) string {
	flavor := auth.DetectFlavor(o.cfg, environ)
	base := strings.TrimRight(o.flavorVhost(flavor), "/") + "/wsgi-bin/autologout.py"

	query := url.Values{}
	query.Set("redirect_to", returnURL)
	for key, vals := range returnQuery {
		for _, val := range vals {
			query.Add(key, val)
		}
	}
	trust := csrf.MakeCSRFTrustToken(o.cfg, "get", returnURL, returnQuery,
		clientID, csrf.TokenLimit(o.cfg, nowUTC()))
	query.Set(csrf.FieldName, trust)
	return base + "?" + query.Encode()
}

// VerifyAutologoutQuery checks the trust token of an autologout request
// against its redirect target.
func (o *Orchestrator) VerifyAutologoutQuery(clientID, returnURL string,
	returnQuery url.Values, submitted string) bool {
	expected := csrf.MakeCSRFTrustToken(o.cfg, "get", returnURL, returnQuery,
		clientID, csrf.TokenLimit(o.cfg, nowUTC()))
	return submitted != "" && submitted == expected
}

// BuildLogoutPlan derives the redirect chain for the caller's flavor.
//
// OpenID 2.0 goes provider-first so the provider scrubs its session and
// the local session DB updates on the return. OpenID Connect cleans up
// locally first and then visits the provider's end-session endpoint.
// Certificate sessions live in the browser; only closing it helps.
func (o *Orchestrator) BuildLogoutPlan(environ map[string]string, clientID string) Plan {
	authType, flavor := auth.DetectClientAuth(o.cfg, environ)

	// 2FA sessions are expired regardless of what the rest of the chain
	// does; a provider error must not leave them alive. The address
	// filter keeps concurrent sessions from other machines intact.
	if o.gate != nil && clientID != "" {
		if _, err := o.gate.ExpireSessions(clientID, environ["REMOTE_ADDR"]); err != nil {
			logger.Warnf("2fa session expiry failed for %s: %v", clientID, err)
		}
	}
	if o.cfg.SiteEnableGDP && clientID != "" {
		o.closeProjectSession(environ, clientID)
	}
	if authType == auth.TypeOpenID2 {
		identity := environ[auth.EnvRemoteUser]
		if identity == "" {
			identity = clientID
		}
		if identity != "" {
			removed, err := o.sessions.Expire(identity)
			if err != nil {
				logger.Warnf("local openid session expiry failed for %s: %v", identity, err)
			} else if removed > 0 {
				logger.Infow("expired local openid sessions", "user", identity,
					"sessions", removed)
			}
		}
	}

	switch authType {
	case auth.TypeCertificate:
		return Plan{
			Notice:    "Certificate sessions end when you close your browser. Please close it now to complete the logout.",
			LocalOnly: true,
		}
	case auth.TypeOpenID2:
		provider := o.cfg.MigOidProvider
		if flavor == config.FlavorExtOid {
			provider = o.cfg.ExtOidProvider
		}
		if provider == "" {
			return Plan{Notice: "Logged out locally.", LocalOnly: true}
		}
		returnTo := o.BuildAutologoutURL(environ, clientID,
			strings.TrimRight(o.flavorVhost(flavor), "/")+"/wsgi-bin/logout.py",
			url.Values{"logout": {"true"}})
		return Plan{
			RedirectURL: strings.TrimRight(provider, "/") + "/logout?return_to=" + url.QueryEscape(returnTo),
			Notice:      "Redirecting to the OpenID provider to complete the logout.",
		}
	case auth.TypeOpenIDConnect:
		endSession := o.cfg.MigOidcEndSession
		if flavor == config.FlavorExtOidc {
			endSession = o.cfg.ExtOidcEndSession
		}
		if endSession == "" {
			return Plan{Notice: "Logged out locally.", LocalOnly: true}
		}
		landing := strings.TrimRight(o.flavorVhost(flavor), "/") + "/"
		return Plan{
			RedirectURL: endSession + "?post_logout_redirect_uri=" + url.QueryEscape(landing),
			Notice:      "Local session cleared. Redirecting to the identity provider to finish the logout.",
		}
	}
	return Plan{Notice: "No active session.", LocalOnly: true}
}

// closeProjectSession ends the gated project login behind clientID.
// On project-gated sites the per-project sub-identity is the actual
// login, so the close must land in the auth log where the project
// access trail lives.
func (o *Orchestrator) closeProjectSession(environ map[string]string, clientID string) {
	if o.audit == nil {
		return
	}
	o.audit.MustAppend(audit.Record{
		Protocol:   "https",
		OpName:     "project_logout",
		UserID:     clientID,
		SourceAddr: environ["REMOTE_ADDR"],
		Outcome:    audit.OutcomeOK,
		Message:    "project session closed on logout",
	})
	logger.Infow("closed project session on logout", "user", clientID)
}
