package v1

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ucphhpc/accountd/pkg/logger"
	"github.com/ucphhpc/accountd/pkg/notify"
	"github.com/ucphhpc/accountd/pkg/output"
	"github.com/ucphhpc/accountd/pkg/ratelimit"
	"github.com/ucphhpc/accountd/pkg/token"
	"github.com/ucphhpc/accountd/pkg/userdb"
)

// Endpoint operation names, also used as rate limit op tags.
const (
	OpReqPwReset   = "reqpwresetaction"
	OpReqRmAccount = "reqrmaccountaction"
)

// ReqPwResetRouter serves anonymous password reset requests.
func ReqPwResetRouter(deps *Deps) http.Handler {
	routes := &resetRoutes{deps: deps}
	r := chi.NewRouter()
	r.Post("/", routes.postResetRequest)
	return r
}

// ReqRmAccountRouter serves anonymous account removal requests.
func ReqRmAccountRouter(deps *Deps) http.Handler {
	routes := &resetRoutes{deps: deps}
	r := chi.NewRouter()
	r.Post("/", routes.postRemovalRequest)
	return r
}

type resetRoutes struct {
	deps *Deps
}

var resetAuthTypes = map[string]bool{
	token.AuthMigCert: true,
	token.AuthMigOid:  true,
	token.AuthMigOidc: true,
}

// findUsers matches certID against the DB by exact DN or by lower-cased
// registered email.
func (rr *resetRoutes) findUsers(ctx context.Context, certID string) ([]*userdb.User, error) {
	d := rr.deps
	if strings.HasPrefix(certID, "/") {
		user, err := d.DB.LoadUser(ctx, certID)
		if err != nil {
			return nil, nil
		}
		return []*userdb.User{user}, nil
	}
	return d.DB.SearchUsers(ctx, userdb.SearchFilter{Email: strings.ToLower(certID)})
}

// sentPage is the single response for every completed request, matched
// or not, so responses leak nothing about which accounts exist.
func sentPage(w http.ResponseWriter, format output.Format, title, backURL string) {
	output.Render(w, format, http.StatusOK, title, []output.Object{
		output.Title(title),
		output.Text("If the ID matches an account on this site, further information has been sent to the registered email address."),
		output.Link(backURL, "Back"),
	})
}

func (rr *resetRoutes) postResetRequest(w http.ResponseWriter, r *http.Request) {
	d := rr.deps

	certID := strings.TrimSpace(r.PostFormValue("cert_id"))
	authType := r.PostFormValue("auth_type")
	gate, ok := d.runActionGate(w, r, OpReqPwReset, certID,
		ratelimit.SingleShotMaxUserHits, false, false)
	if !ok {
		return
	}
	if certID == "" || !resetAuthTypes[authType] {
		d.auditError(OpReqPwReset, certID, gate.Environ, "invalid reset request input")
		renderError(w, gate.Format, "Invalid input",
			"A valid account ID and login method are required. External logins reset passwords at their identity provider.",
			backLink(gate.Environ))
		return
	}

	authorized, proceed := d.recordAttempt(w, r, &gate, true, true)
	if !proceed {
		return
	}
	if !authorized {
		renderError(w, gate.Format, "Request refused",
			"The request was refused. Please go back and retry.", backLink(gate.Environ))
		return
	}

	users, err := rr.findUsers(r.Context(), certID)
	if err != nil {
		d.auditError(OpReqPwReset, certID, gate.Environ,
			"account lookup failed: "+err.Error())
		renderError(w, gate.Format, "Internal error",
			"Account lookup failed. Please contact support if the problem persists.", "")
		return
	}
	if len(users) == 0 {
		logger.Infow("password reset request without match", "cert_id", certID,
			"addr", gate.Environ["REMOTE_ADDR"])
	}

	for _, user := range users {
		resetToken, err := d.Tokens.GenerateResetToken(user, authType)
		if err != nil {
			// Unusable credential for this auth type; matched or not,
			// the response must stay the same.
			logger.Infow("password reset request without usable credential",
				"user", user.DistinguishedName, "auth_type", authType)
			continue
		}
		confirmURL := rr.confirmURL("reqpwreset.py", user, authType, resetToken)
		if err := notify.SendResetRequest(d.Cfg, d.Sender, user.Email,
			user.DistinguishedName, authType, confirmURL, d.Cfg.ResetTokenTTL); err != nil {
			d.auditError(OpReqPwReset, certID, gate.Environ,
				"confirmation email send failed: "+err.Error())
			renderError(w, gate.Format, "Internal error",
				"Failed to send the confirmation email. Please contact support.", "")
			return
		}
	}
	sentPage(w, gate.Format, "Password reset requested", backLink(gate.Environ))
}

func (rr *resetRoutes) postRemovalRequest(w http.ResponseWriter, r *http.Request) {
	d := rr.deps

	certID := strings.TrimSpace(r.PostFormValue("cert_id"))
	gate, ok := d.runActionGate(w, r, OpReqRmAccount, certID,
		ratelimit.SingleShotMaxUserHits, false, false)
	if !ok {
		return
	}
	if certID == "" {
		d.auditError(OpReqRmAccount, certID, gate.Environ, "invalid removal request input")
		renderError(w, gate.Format, "Invalid input",
			"A valid account ID is required.", backLink(gate.Environ))
		return
	}

	authorized, proceed := d.recordAttempt(w, r, &gate, true, true)
	if !proceed {
		return
	}
	if !authorized {
		renderError(w, gate.Format, "Request refused",
			"The request was refused. Please go back and retry.", backLink(gate.Environ))
		return
	}

	users, err := rr.findUsers(r.Context(), certID)
	if err != nil {
		d.auditError(OpReqRmAccount, certID, gate.Environ,
			"account lookup failed: "+err.Error())
		renderError(w, gate.Format, "Internal error",
			"Account lookup failed. Please contact support if the problem persists.", "")
		return
	}
	if len(users) == 0 {
		logger.Infow("account removal request without match", "cert_id", certID,
			"addr", gate.Environ["REMOTE_ADDR"])
	}

	for _, user := range users {
		removalToken, err := d.Tokens.GenerateRemovalToken(user)
		if err != nil {
			logger.Infow("account removal request without usable credential",
				"user", user.DistinguishedName)
			continue
		}
		confirmURL := rr.confirmURL("reqrmaccount.py", user, "", removalToken)
		if err := notify.SendRemovalRequest(d.Cfg, d.Sender, user.Email,
			user.DistinguishedName, confirmURL, d.Cfg.RemovalTokenTTL); err != nil {
			d.auditError(OpReqRmAccount, certID, gate.Environ,
				"confirmation email send failed: "+err.Error())
			renderError(w, gate.Format, "Internal error",
				"Failed to send the confirmation email. Please contact support.", "")
			return
		}
	}
	sentPage(w, gate.Format, "Account removal requested", backLink(gate.Environ))
}

// confirmURL builds the semi-filled confirmation link into the sign-up
// backend, carrying the token and the requested ID fields as URL
// parameters so the normal account-update path completes the flow.
func (rr *resetRoutes) confirmURL(page string, user *userdb.User, authType, tokenValue string) string {
	base := strings.TrimRight(rr.deps.Cfg.URLs.Sid, "/")
	query := url.Values{}
	query.Set("cert_id", user.DistinguishedName)
	query.Set("email", user.Email)
	if authType != "" {
		query.Set("auth_type", authType)
	}
	query.Set("reset_token", tokenValue)
	return fmt.Sprintf("%s/cgi-sid/%s?%s", base, page, query.Encode())
}
