// Package v1 contains the HTTP handlers of the account portal: the
// account action endpoints, the reset and removal request endpoints,
// the logout chain and the OpenID discovery document.
package v1

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ucphhpc/accountd/pkg/accountstate"
	"github.com/ucphhpc/accountd/pkg/audit"
	"github.com/ucphhpc/accountd/pkg/auth"
	"github.com/ucphhpc/accountd/pkg/config"
	"github.com/ucphhpc/accountd/pkg/csrf"
	"github.com/ucphhpc/accountd/pkg/logger"
	"github.com/ucphhpc/accountd/pkg/logout"
	"github.com/ucphhpc/accountd/pkg/notify"
	"github.com/ucphhpc/accountd/pkg/output"
	"github.com/ucphhpc/accountd/pkg/ratelimit"
	"github.com/ucphhpc/accountd/pkg/token"
	"github.com/ucphhpc/accountd/pkg/twofactor"
	"github.com/ucphhpc/accountd/pkg/userdb"
)

// webProto is the rate limit protocol tag for the web endpoints.
const webProto = "https"

// Deps bundles the shared services every handler needs.
type Deps struct {
	Cfg     *config.Config
	DB      *userdb.DB
	Engine  *accountstate.Engine
	Limiter *ratelimit.Limiter
	Tokens  *token.Service
	Gate    *twofactor.Gate
	Logout  *logout.Orchestrator
	Sender  notify.Sender
	Audit   *audit.Log
	Now     func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// EnvironFromRequest rebuilds the CGI style environment from the
// headers the front-end server forwards. The front end terminates TLS
// and runs the actual authentication modules; this service only ever
// sees their verdict.
func EnvironFromRequest(r *http.Request) map[string]string {
	environ := map[string]string{}

	addr, port, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		addr = r.RemoteAddr
	}
	environ["REMOTE_ADDR"] = addr
	environ["REMOTE_PORT"] = port
	environ["REQUEST_URI"] = r.URL.RequestURI()
	environ["QUERY_STRING"] = r.URL.RawQuery

	scheme := "https"
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = fwd
	}
	environ["HTTP_HOST"] = host
	environ["SCRIPT_URI"] = scheme + "://" + host + r.URL.Path

	if dn := r.Header.Get("X-Ssl-Client-S-Dn"); dn != "" {
		environ[auth.EnvClientDN] = dn
	}
	if user := r.Header.Get("X-Remote-User"); user != "" {
		environ[auth.EnvRemoteUser] = user
	}
	if sid := r.Header.Get("X-Session-Id"); sid != "" {
		environ[auth.EnvSessionID] = sid
	}
	for name, vals := range r.Header {
		if claim, ok := strings.CutPrefix(name, "X-Oidc-Claim-"); ok && len(vals) > 0 {
			environ["OIDC_CLAIM_"+strings.ToLower(claim)] = vals[0]
		}
	}
	return environ
}

func sourceAddrPort(environ map[string]string) (string, int) {
	port, _ := strconv.Atoi(environ["REMOTE_PORT"])
	return environ["REMOTE_ADDR"], port
}

// renderError maps an error kind to the matching user page.
func renderError(w http.ResponseWriter, format output.Format, title, message, backURL string) {
	objects := []output.Object{
		output.Title(title),
		output.Error(message),
	}
	if backURL != "" {
		objects = append(objects, output.Link(backURL, "Try again"))
	}
	output.Render(w, format, http.StatusOK, title, objects)
}

// renderThrottle emits the countdown page for a rate limited request.
func renderThrottle(w http.ResponseWriter, format output.Format, op, backURL string) {
	delay := int(ratelimit.DelayRetry(op).Seconds())
	output.Render(w, format, http.StatusTooManyRequests, "Too many requests",
		[]output.Object{
			output.Title("Too many requests"),
			output.Countdown(delay, backURL),
		})
}

// gateResult is the outcome of the shared precheck every action runs.
// The unexported fields carry what recordAttempt needs to feed the
// limiter once the handler knows the real account and secret verdicts.
type gateResult struct {
	ClientID string
	Flavor   string
	Environ  map[string]string
	Format   output.Format

	op          string
	rateKey     string
	maxUserHits int
	modify      bool
	addr        string
	port        int
	exceeded    bool
}

// auditError appends the outcome=error record for requests that fail
// before reaching attempt validation: malformed input, missing login,
// refused CSRF tokens, inaccessible accounts and backend failures.
func (d *Deps) auditError(op, userID string, environ map[string]string, message string) {
	if d.Audit == nil {
		return
	}
	addr, port := sourceAddrPort(environ)
	d.Audit.MustAppend(audit.Record{
		Protocol:   webProto,
		OpName:     op,
		UserID:     userID,
		SourceAddr: addr,
		SourcePort: port,
		Outcome:    audit.OutcomeError,
		Message:    message,
	})
}

// runActionGate executes the common head of every action handler:
// input parsing, account accessibility, CSRF validation and the rate
// limit window. It writes the error response itself and returns
// ok=false when the request must not proceed. rateKey is the identity
// the limiter tracks, which for anonymous reset requests is the
// submitted ID rather than a login. The attempt itself is not recorded
// here; the handler calls recordAttempt once the secret verdict is
// known.
func (d *Deps) runActionGate(w http.ResponseWriter, r *http.Request,
	op, rateKey string, maxUserHits int, modify, requireLogin bool) (gateResult, bool) {
	format := output.FormatFromRequest(r)
	environ := EnvironFromRequest(r)
	result := gateResult{Environ: environ, Format: format,
		op: op, maxUserHits: maxUserHits, modify: modify}

	if err := r.ParseForm(); err != nil {
		d.auditError(op, rateKey, environ, "malformed form data")
		renderError(w, format, "Invalid input", "Malformed form data.", "")
		return result, false
	}

	clientID, err := auth.ExtractClientID(r.Context(), d.Cfg, d.DB, environ, false)
	if err != nil && requireLogin {
		d.auditError(op, rateKey, environ, "login required")
		renderError(w, format, "Access denied", "This page requires a logged in user.", "")
		return result, false
	}
	result.ClientID = clientID
	_, result.Flavor = auth.DetectClientAuth(d.Cfg, environ)

	// Logged-in users under a mandatory 2FA policy are sent to the setup
	// page before any account action.
	if clientID != "" && d.Gate.RequireTwofactorSetup(scriptName(r), clientID, environ) {
		http.Redirect(w, r, twofactorSetupURL(environ), http.StatusSeeOther)
		return result, false
	}

	if requireLogin && clientID != "" {
		accessible, status, _, err := d.Engine.CheckAccountStatus(r.Context(), clientID)
		if err != nil {
			d.auditError(op, clientID, environ, "account status lookup failed: "+err.Error())
			renderError(w, format, "Internal error",
				"Account lookup failed. Please contact support if the problem persists.", "")
			return result, false
		}
		// A missing row is not a lockout: external logins may carry no
		// local account at all, and the handlers refuse those on their
		// own terms.
		if !accessible && status != userdb.StatusMissing {
			d.auditError(op, clientID, environ, "account "+string(status)+" is not accessible")
			renderError(w, format, "Access denied",
				"Your account is "+string(status)+" and cannot use this page. Please contact support.", "")
			return result, false
		}
		// Renewal stays reachable for accounts running out of time; the
		// other actions honor the site's expiry enforcement.
		if d.Cfg.UserOpenIDEnforceExpire && op != ActionRenewAccess {
			pending, _, _, err := d.Engine.CheckAccountExpire(r.Context(), clientID)
			if err != nil {
				d.auditError(op, clientID, environ, "account expire lookup failed: "+err.Error())
				renderError(w, format, "Internal error",
					"Account lookup failed. Please contact support if the problem persists.", "")
				return result, false
			}
			if !pending {
				d.auditError(op, clientID, environ, "account expired")
				renderError(w, format, "Access denied",
					"Your account has expired. Please request access renewal first.", "")
				return result, false
			}
		}
		// Accounts on an external vhost close to expiry are silently
		// extended on every authenticated request, when site policy
		// allows. Failure here never blocks the action itself.
		if _, _, err := d.Engine.CheckUpdateAccountExpire(r.Context(), clientID,
			environ, d.Cfg.AttemptAutoExtendDays); err != nil {
			logger.Warnf("auto extend attempt failed for %s: %v", clientID, err)
		}
	}

	limit := csrf.TokenLimit(d.Cfg, d.now())
	csrfID := clientID
	if csrfID == "" {
		csrfID = rateKey
	}
	if err := csrf.Check(d.Cfg, strings.ToLower(r.Method), op, csrfID, limit,
		r.PostFormValue(csrf.FieldName)); err != nil {
		d.auditError(op, csrfID, environ, "csrf token refused")
		renderError(w, format, "Request refused",
			"The request carried no valid session token. Please go back and retry.", "")
		return result, false
	}

	if rateKey == "" {
		rateKey = clientID
	}
	result.rateKey = rateKey
	result.addr, result.port = sourceAddrPort(environ)
	d.Limiter.ExpireRateLimit(webProto, ratelimit.DelayRetry(op))
	result.exceeded = d.Limiter.HitRateLimit(webProto, result.addr, rateKey, maxUserHits)
	return result, true
}

// recordAttempt feeds the real account and secret verdicts into the
// limiter. It runs exactly once per gated request, after the handler
// has checked the submitted credential and before any mutation.
// proceed is false when a throttle response was already written;
// authorized is the limiter's verdict on the attempt itself.
func (d *Deps) recordAttempt(w http.ResponseWriter, r *http.Request,
	g *gateResult, accountOK, secretOK bool) (authorized, proceed bool) {
	authorized, disconnect := d.Limiter.ValidateAuthAttempt(ratelimit.Attempt{
		Protocol:          webProto,
		OpName:            g.op,
		UserID:            g.rateKey,
		SourceAddr:        g.addr,
		SourcePort:        g.port,
		Enabled:           true,
		AccountOK:         accountOK,
		SecretOK:          secretOK,
		ModifyAccount:     g.modify,
		CountSuccess:      g.maxUserHits == ratelimit.SingleShotMaxUserHits,
		ExceededRateLimit: g.exceeded,
	})
	if disconnect {
		hits := d.Limiter.Hits(webProto, g.addr, g.rateKey)
		d.Limiter.Penalize(r.Context(), hits, g.maxUserHits)
		renderThrottle(w, g.Format, g.op, backLink(g.Environ))
		return false, false
	}
	return authorized, true
}

// scriptName is the last path element of the requested page, the unit
// the 2FA exemption list works on.
func scriptName(r *http.Request) string {
	parts := strings.Split(strings.TrimRight(r.URL.Path, "/"), "/")
	return parts[len(parts)-1]
}

// twofactorSetupURL points at the setup page on the vhost the request
// arrived on.
func twofactorSetupURL(environ map[string]string) string {
	uri := environ["SCRIPT_URI"]
	if idx := strings.Index(uri, "://"); idx >= 0 {
		if slash := strings.Index(uri[idx+3:], "/"); slash >= 0 {
			return uri[:idx+3+slash] + "/cgi-bin/setup2fa.py"
		}
	}
	return "/cgi-bin/setup2fa.py"
}

// backLink points the user back at the page they came from without
// re-POSTing, falling back to the vhost root.
func backLink(environ map[string]string) string {
	if uri := environ["SCRIPT_URI"]; uri != "" {
		return uri
	}
	return "/"
}
