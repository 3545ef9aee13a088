package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router: public metadata endpoints, the
// legacy OAuth proxy when enabled, and the protected tool surface.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware)
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/.well-known/oauth-protected-resource", a.handleResourceMetadata)
	r.Get("/.well-known/oauth-protected-resource/*", a.handleResourceMetadata)
	if a.Proxy != nil {
		r.Get("/.well-known/oauth-authorization-server", a.Proxy.HandleAuthServerMetadata)
	}

	if a.Proxy != nil {
		r.Get("/authorize", a.Proxy.HandleAuthorize)
		r.Get(CallbackPath, a.Proxy.HandleCallback)
		r.Post("/token", a.Proxy.HandleToken)
		r.Post("/register", a.Proxy.HandleRegister)
	}

	r.Route(a.Config.Auth.ProtectedPrefix, func(r chi.Router) {
		r.Use(a.Auth.Middleware)
		r.Handle("/*", a.downstream)
		r.Handle("/", a.downstream)
	})

	return r
}

// handleResourceMetadata serves the RFC 9728 protected resource document.
// Subpath requests describe the same resource so clients probing
// /.well-known/oauth-protected-resource/mcp get a usable answer.
func (a *App) handleResourceMetadata(w http.ResponseWriter, r *http.Request) {
	scheme := schemeFromRequest(r)
	if a.Config.Server.ForceHTTPS {
		scheme = "https"
	}
	doc, err := a.Auth.ResourceMetadata(scheme + "://" + r.Host + a.Config.Auth.ProtectedPrefix)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "resource metadata unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}
