package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router. Health, metrics and dev issuer
// endpoints sit outside the session gate; everything else passes through it.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	r.Use(a.Metrics.Collect)
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", a.Metrics.Handler())

	if a.DevIssuer != nil {
		r.Get("/dev/keys", a.DevIssuer.ServeKeys)
		r.Get("/dev/jwks", a.DevIssuer.ServeJWKS)
		r.Post("/dev/token", a.DevIssuer.HandleMint)
	}

	r.Mount("/", a.Gate.Middleware(captureSubject(a.gatedRoutes())))
	return r
}

// gatedRoutes serves the JSON API and hands every other path to the frontend.
func (a *App) gatedRoutes() http.Handler {
	r := chi.NewRouter()

	r.Route("/api/auth/session", func(r chi.Router) {
		r.Post("/", a.handleSessionCreate)
		r.Get("/", a.handleSessionStatus)
		r.Delete("/", a.handleSessionDelete)
	})
	r.Get("/api/profile", a.handleProfileGet)
	r.Put("/api/profile", a.handleProfileUpdate)
	r.Get("/api/profile/status", a.handleProfileStatus)
	r.Get("/auth/action", a.handleAction)

	r.NotFound(a.serveUpstream)
	return r
}

func (a *App) serveUpstream(w http.ResponseWriter, r *http.Request) {
	if a.Upstream == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	a.Upstream.ServeHTTP(w, r)
}
