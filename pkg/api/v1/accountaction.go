package v1

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ucphhpc/accountd/pkg/config"
	"github.com/ucphhpc/accountd/pkg/logger"
	"github.com/ucphhpc/accountd/pkg/output"
	"github.com/ucphhpc/accountd/pkg/ratelimit"
	"github.com/ucphhpc/accountd/pkg/telemetry"
	"github.com/ucphhpc/accountd/pkg/userdb"
)

// Account actions accepted by the endpoint.
const (
	ActionRenewAccess    = "RENEW_ACCESS"
	ActionChangePassword = "CHANGE_PASSWORD"
)

// AccountActionRouter serves the authenticated account actions.
func AccountActionRouter(deps *Deps) http.Handler {
	routes := &accountActionRoutes{deps: deps}
	r := chi.NewRouter()
	r.Post("/", routes.postAction)
	return r
}

type accountActionRoutes struct {
	deps *Deps
}

// flavorValidDays maps the login flavor to the renewal horizon.
func flavorValidDays(cfg *config.Config, flavor string) (int, bool) {
	switch flavor {
	case config.FlavorMigCert:
		return cfg.CertValidDays, true
	case config.FlavorMigOid:
		return cfg.OidValidDays, true
	case config.FlavorMigOidc:
		return cfg.OidcValidDays, true
	}
	return 0, false
}

func (a *accountActionRoutes) postAction(w http.ResponseWriter, r *http.Request) {
	switch r.PostFormValue("action") {
	case ActionRenewAccess:
		a.renewAccess(w, r)
	case ActionChangePassword:
		a.changePassword(w, r)
	default:
		renderError(w, output.FormatFromRequest(r), "Invalid input",
			"Unsupported account action.", "")
	}
}

func (a *accountActionRoutes) renewAccess(w http.ResponseWriter, r *http.Request) {
	d := a.deps
	gate, ok := d.runActionGate(w, r, ActionRenewAccess, "",
		ratelimit.SingleShotMaxUserHits, true, true)
	if !ok {
		return
	}
	validDays, ok := flavorValidDays(d.Cfg, gate.Flavor)
	if !ok {
		d.auditError(ActionRenewAccess, gate.ClientID, gate.Environ,
			"renew refused on external login flavor "+gate.Flavor)
		renderError(w, gate.Format, "Renew refused",
			"Access renewal is only available on the site's own login methods. External logins renew automatically through their identity provider.",
			backLink(gate.Environ))
		return
	}

	user, err := d.DB.LoadUser(r.Context(), gate.ClientID)
	if err != nil {
		d.auditError(ActionRenewAccess, gate.ClientID, gate.Environ,
			"account lookup failed: "+err.Error())
		renderError(w, gate.Format, "Internal error",
			"Account lookup failed. Please contact support if the problem persists.", "")
		return
	}
	if d.Cfg.SitePeersMandatory && len(user.Peers) == 0 && user.PeersFullName == "" {
		d.auditError(ActionRenewAccess, gate.ClientID, gate.Environ,
			"renew refused without sponsoring peer")
		renderError(w, gate.Format, "Renew refused",
			"This site requires a sponsoring peer for access renewal. Please ask your contact person to vouch for your account first.",
			backLink(gate.Environ))
		return
	}

	authorized, proceed := d.recordAttempt(w, r, &gate, true, true)
	if !proceed {
		return
	}
	if !authorized {
		renderError(w, gate.Format, "Renew refused",
			"The request was refused. Please go back and retry.", backLink(gate.Environ))
		return
	}

	newExpire := d.now().Unix() + int64(validDays)*86400
	// Renewal never shortens a lifetime already granted.
	if int64(user.Expire) > newExpire {
		newExpire = int64(user.Expire)
	}
	updated, err := d.DB.UpdateUser(r.Context(), gate.ClientID, userdb.Changes{Expire: &newExpire})
	if err != nil {
		d.auditError(ActionRenewAccess, gate.ClientID, gate.Environ,
			"account update failed: "+err.Error())
		renderError(w, gate.Format, "Internal error",
			"Account update failed. Please contact support if the problem persists.", "")
		return
	}
	d.Engine.WriteExpireMark(gate.ClientID, updated.Expire)
	telemetry.AccountRenewals.WithLabelValues("manual").Inc()
	logger.Infow("renewed account access", "user", gate.ClientID,
		"flavor", gate.Flavor, "expire", int64(updated.Expire))

	objects := []output.Object{
		output.Title("Access renewed"),
		output.Text(fmt.Sprintf("Your %s access has been renewed for %d days.",
			d.Cfg.ShortTitle, validDays)),
	}
	if info, err := d.Engine.AccountExpireInfo(r.Context(), gate.ClientID, gate.Flavor); err == nil && info.DaysLeft >= 0 {
		objects = append(objects, output.Text(fmt.Sprintf(
			"Your account now expires in %d days.", info.DaysLeft)))
	}
	objects = append(objects, output.Link(backLink(gate.Environ), "Back"))
	output.Render(w, gate.Format, http.StatusOK, "Access renewed", objects)
}

func (a *accountActionRoutes) changePassword(w http.ResponseWriter, r *http.Request) {
	d := a.deps
	// Password changes share the single shot window with renewal: one
	// attempt per delay period, right or wrong.
	gate, ok := d.runActionGate(w, r, ActionChangePassword, "",
		ratelimit.SingleShotMaxUserHits, true, true)
	if !ok {
		return
	}
	if _, ok := flavorValidDays(d.Cfg, gate.Flavor); !ok {
		d.auditError(ActionChangePassword, gate.ClientID, gate.Environ,
			"password change refused on external login flavor "+gate.Flavor)
		renderError(w, gate.Format, "Password change refused",
			"Passwords can only be changed on the site's own login methods. External logins manage credentials at their identity provider.",
			backLink(gate.Environ))
		return
	}

	curPassword := r.PostFormValue("curpassword")
	password := r.PostFormValue("password")
	verifyPassword := r.PostFormValue("verifypassword")
	if curPassword == "" || password == "" || verifyPassword == "" {
		d.auditError(ActionChangePassword, gate.ClientID, gate.Environ,
			"password fields missing")
		renderError(w, gate.Format, "Invalid input",
			"All password fields must be filled in.", backLink(gate.Environ))
		return
	}
	if password != verifyPassword {
		d.auditError(ActionChangePassword, gate.ClientID, gate.Environ,
			"password verification mismatch")
		renderError(w, gate.Format, "Password change refused",
			"New password and verification do not match.", backLink(gate.Environ))
		return
	}

	user, err := d.DB.LoadUser(r.Context(), gate.ClientID)
	if err != nil {
		d.auditError(ActionChangePassword, gate.ClientID, gate.Environ,
			"account lookup failed: "+err.Error())
		renderError(w, gate.Format, "Internal error",
			"Account lookup failed. Please contact support if the problem persists.", "")
		return
	}

	var currentOK bool
	if gate.Flavor == config.FlavorMigCert {
		currentOK = user.Password != "" &&
			subtle.ConstantTimeCompare([]byte(user.Password), []byte(curPassword)) == 1
	} else {
		currentOK = userdb.CheckHash(curPassword, user.PasswordHash)
	}

	authorized, proceed := d.recordAttempt(w, r, &gate, true, currentOK)
	if !proceed {
		return
	}
	if !currentOK || !authorized {
		renderError(w, gate.Format, "Password change refused",
			"Current password is incorrect.", backLink(gate.Environ))
		return
	}

	if err := userdb.AssurePasswordStrength(d.Cfg.PasswordPolicy, password); err != nil {
		d.auditError(ActionChangePassword, gate.ClientID, gate.Environ,
			"weak password refused: "+err.Error())
		renderError(w, gate.Format, "Password change refused", err.Error(),
			backLink(gate.Environ))
		return
	}

	changes := userdb.Changes{}
	if gate.Flavor == config.FlavorMigCert {
		changes.Password = &password
	} else {
		hashed, err := userdb.MakeHash(password)
		if err != nil {
			d.auditError(ActionChangePassword, gate.ClientID, gate.Environ,
				"password hashing failed: "+err.Error())
			renderError(w, gate.Format, "Internal error",
				"Password update failed. Please contact support if the problem persists.", "")
			return
		}
		changes.PasswordHash = &hashed
	}
	if _, err := d.DB.UpdateUser(r.Context(), gate.ClientID, changes); err != nil {
		d.auditError(ActionChangePassword, gate.ClientID, gate.Environ,
			"password update failed: "+err.Error())
		renderError(w, gate.Format, "Internal error",
			"Password update failed. Please contact support if the problem persists.", "")
		return
	}
	logger.Infow("changed account password", "user", gate.ClientID, "flavor", gate.Flavor)

	output.Render(w, gate.Format, http.StatusOK, "Password changed", []output.Object{
		output.Title("Password changed"),
		output.Text("Your password has been updated. Use the new password for future logins."),
		output.Link(backLink(gate.Environ), "Back"),
	})
}
