package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ucphhpc/accountd/pkg/discovery"
	"github.com/ucphhpc/accountd/pkg/logger"
)

// OidDiscoverRouter serves the OpenID 2.0 XRDS discovery document.
func OidDiscoverRouter(deps *Deps) http.Handler {
	routes := &oidDiscoverRoutes{deps: deps}
	r := chi.NewRouter()
	r.Get("/", routes.getDocument)
	return r
}

type oidDiscoverRoutes struct {
	deps *Deps
}

func (o *oidDiscoverRoutes) getDocument(w http.ResponseWriter, _ *http.Request) {
	doc, err := discovery.XRDSDocument(o.deps.Cfg)
	if err != nil {
		http.Error(w, "failed to build discovery document", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xrds+xml")
	if _, err := w.Write(doc); err != nil {
		logger.Errorf("failed to write discovery document: %v", err)
	}
}
