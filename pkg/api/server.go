// Package api wires the portal handlers into an HTTP server.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ucphhpc/accountd/pkg/accountstate"
	"github.com/ucphhpc/accountd/pkg/api/v1"
	"github.com/ucphhpc/accountd/pkg/audit"
	"github.com/ucphhpc/accountd/pkg/config"
	"github.com/ucphhpc/accountd/pkg/logger"
	"github.com/ucphhpc/accountd/pkg/logout"
	"github.com/ucphhpc/accountd/pkg/notify"
	"github.com/ucphhpc/accountd/pkg/ratelimit"
	"github.com/ucphhpc/accountd/pkg/telemetry"
	"github.com/ucphhpc/accountd/pkg/token"
	"github.com/ucphhpc/accountd/pkg/twofactor"
	"github.com/ucphhpc/accountd/pkg/userdb"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// NewDeps assembles the handler dependencies from the configuration.
func NewDeps(cfg *config.Config) *v1.Deps {
	db := userdb.New(cfg.DefaultUserDBPath(), cfg.LegacyUserDBPath())
	auditLog := audit.NewLog(cfg.AuthLogPath(), nil)
	gate := twofactor.New(cfg, nil)
	return &v1.Deps{
		Cfg:     cfg,
		DB:      db,
		Engine:  accountstate.New(cfg, db, nil),
		Limiter: ratelimit.New(cfg.RateLimitsDir(), auditLog, nil),
		Tokens:  token.New(cfg, nil),
		Gate:    gate,
		Logout:  logout.New(cfg, gate, auditLog),
		Sender:  notify.NewSMTPSender(cfg),
		Audit:   auditLog,
	}
}

// Router builds the full portal routing table.
func Router(deps *v1.Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Timeout(middlewareTimeout),
	)

	routers := map[string]http.Handler{
		"/accountaction":      v1.AccountActionRouter(deps),
		"/reqpwresetaction":   v1.ReqPwResetRouter(deps),
		"/reqrmaccountaction": v1.ReqRmAccountRouter(deps),
		"/logout":             v1.LogoutRouter(deps),
		"/oiddiscover":        v1.OidDiscoverRouter(deps),
	}
	for prefix, router := range routers {
		r.Mount(prefix, router)
	}

	r.Handle("/metrics", telemetry.Handler())
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

// Serve starts the portal on address and blocks until ctx is cancelled.
// The caller sets up signal handling.
func Serve(ctx context.Context, cfg *config.Config, address string) error {
	deps := NewDeps(cfg)
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              address,
		Handler:           Router(deps),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	logger.Infof("starting account portal on %s", address)

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server stopped with error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
