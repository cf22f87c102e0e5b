package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ucphhpc/accountd/pkg/auth"
	"github.com/ucphhpc/accountd/pkg/output"
)

// LogoutRouter serves the logout and autologout entry points.
func LogoutRouter(deps *Deps) http.Handler {
	routes := &logoutRoutes{deps: deps}
	r := chi.NewRouter()
	r.Get("/", routes.getLogout)
	r.Post("/", routes.getLogout)
	r.Get("/autologout", routes.getAutologout)
	return r
}

type logoutRoutes struct {
	deps *Deps
}

func (l *logoutRoutes) getLogout(w http.ResponseWriter, r *http.Request) {
	d := l.deps
	format := output.FormatFromRequest(r)
	environ := EnvironFromRequest(r)

	clientID, err := auth.ExtractClientID(r.Context(), d.Cfg, d.DB, environ, false)
	if err != nil || clientID == "" {
		output.Render(w, format, http.StatusOK, "Logout", []output.Object{
			output.Title("Logout"),
			output.Text("No active session."),
		})
		return
	}

	// An unconfirmed visit shows the confirm link instead of tearing
	// anything down, so accidental navigation stays harmless.
	if r.FormValue("logout") != "true" {
		output.Render(w, format, http.StatusOK, "Logout", []output.Object{
			output.Title("Logout"),
			output.Text("Do you want to log out?"),
			output.Link(backLink(environ)+"?logout=true", "Yes, log me out"),
		})
		return
	}

	plan := d.Logout.BuildLogoutPlan(environ, clientID)
	if plan.RedirectURL != "" {
		http.Redirect(w, r, plan.RedirectURL, http.StatusSeeOther)
		return
	}
	output.Render(w, format, http.StatusOK, "Logged out", []output.Object{
		output.Title("Logged out"),
		output.Text(plan.Notice),
	})
}

// getAutologout is the local return target of the provider logout
// round-trip. It validates the trust token before following the
// embedded redirect so referers cannot plant arbitrary targets.
func (l *logoutRoutes) getAutologout(w http.ResponseWriter, r *http.Request) {
	d := l.deps
	format := output.FormatFromRequest(r)
	environ := EnvironFromRequest(r)

	clientID, _ := auth.ExtractClientID(r.Context(), d.Cfg, d.DB, environ, false)

	query := r.URL.Query()
	redirectTo := query.Get("redirect_to")
	submitted := query.Get("_csrf")
	returnQuery := query
	returnQuery.Del("redirect_to")
	returnQuery.Del("_csrf")

	if redirectTo == "" ||
		!d.Logout.VerifyAutologoutQuery(clientID, redirectTo, returnQuery, submitted) {
		output.Render(w, format, http.StatusOK, "Logged out", []output.Object{
			output.Title("Logged out"),
			output.Text("You have been logged out locally."),
		})
		return
	}
	target := redirectTo
	if encoded := returnQuery.Encode(); encoded != "" {
		target += "?" + encoded
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}
