package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v3"

	"mcpauthd/auth"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config Config
	Logger *slog.Logger
	Store  Store
	Auth   *auth.Authenticator
	Proxy  *OAuthProxy

	downstream http.Handler
}

// Option customizes App construction.
type Option func(*options)

type options struct {
	store      Store
	enrich     auth.EnrichFunc
	discovery  *auth.Discovery
	downstream http.Handler
	httpClient *http.Client
}

// WithStore replaces the default in-memory flow state store.
func WithStore(s Store) Option {
	return func(o *options) { o.store = s }
}

// WithEnrichment installs the identity enrichment callback.
func WithEnrichment(fn auth.EnrichFunc) Option {
	return func(o *options) { o.enrich = fn }
}

// WithDiscovery skips the startup metadata fetch.
func WithDiscovery(d *auth.Discovery) Option {
	return func(o *options) { o.discovery = d }
}

// WithDownstream sets the handler served behind the protected prefix,
// typically the MCP tool server.
func WithDownstream(h http.Handler) Option {
	return func(o *options) { o.downstream = h }
}

// WithHTTPClient overrides the client used for discovery and JWKS fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	store := o.store
	if store == nil {
		store = NewMemoryStore()
	}
	if cfg.Auth.ProtectedPrefix == "" {
		cfg.Auth.ProtectedPrefix = DefaultProtectedPrefix
	}

	var localKeys *jose.JSONWebKeySet
	if cfg.Auth.JWKSPath != "" {
		keys, err := loadLocalJWKS(cfg.Auth.JWKSPath)
		if err != nil {
			return nil, fmt.Errorf("load local jwks: %w", err)
		}
		localKeys = keys
	}

	publicURL := strings.TrimSuffix(cfg.Server.PublicURL, "/")
	authenticator, err := auth.New(ctx, auth.Options{
		WellKnownURL:        cfg.Auth.WellKnownURL,
		ClientID:            cfg.Auth.ClientID,
		LocalKeys:           localKeys,
		Discovery:           o.discovery,
		Scopes:              cfg.Auth.Scopes,
		ResourceMetadataURL: publicURL + "/.well-known/oauth-protected-resource",
		Enrich:              o.enrich,
		HTTPClient:          o.httpClient,
		Logger:              logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init authenticator: %w", err)
	}

	app := &App{
		Config:     cfg,
		Logger:     logger,
		Store:      store,
		Auth:       authenticator,
		downstream: o.downstream,
	}

	if cfg.Auth.Legacy {
		app.Proxy = NewOAuthProxy(cfg, authenticator.Discovery(), store, logger)
	}

	if app.downstream == nil {
		app.downstream = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			resp := map[string]any{"status": "ok"}
			if info, ok := auth.AuthInfoFromContext(r.Context()); ok {
				resp["client_id"] = info.ClientID
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(resp)
		})
	}

	return app, nil
}

// StartStateSweeper launches the periodic expired flow state sweep. Reads
// already check expiry lazily; the sweep only bounds memory for abandoned
// flows.
func (a *App) StartStateSweeper(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(FlowStateTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.Store.Cleanup()
			case <-stop:
				return
			}
		}
	}()
}

func loadLocalJWKS(path string) (*jose.JSONWebKeySet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(b, &set); err != nil {
		return nil, fmt.Errorf("parse key set: %w", err)
	}
	if len(set.Keys) == 0 {
		return nil, fmt.Errorf("key set %s contains no keys", path)
	}
	return &set, nil
}
