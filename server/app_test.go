package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"

	"mcpauthd/auth"
)

const appTestIssuer = "https://issuer.test"

func newAppTestKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       priv.Public(),
		KeyID:     "app-test",
		Algorithm: "RS256",
		Use:       "sig",
	}}}
	data, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal key set: %v", err)
	}
	path := filepath.Join(t.TempDir(), "jwks.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write key set: %v", err)
	}
	return priv, path
}

func mintAppToken(t *testing.T, priv *rsa.PrivateKey, clientID string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":       appTestIssuer,
		"sub":       "user-1",
		"client_id": clientID,
		"scope":     "openid profile",
		"exp":       time.Now().Add(time.Hour).Unix(),
		"iat":       time.Now().Unix(),
	})
	tok.Header["kid"] = "app-test"
	raw, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

func newTestApp(t *testing.T, mutate func(*Config)) (*App, *rsa.PrivateKey) {
	t.Helper()
	priv, jwksPath := newAppTestKey(t)

	cfg := DefaultConfig()
	cfg.Auth.ClientID = "app"
	cfg.Auth.JWKSPath = jwksPath
	if mutate != nil {
		mutate(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app, err := NewApp(context.Background(), cfg, logger, WithDiscovery(&auth.Discovery{
		Issuer:                appTestIssuer,
		AuthorizationEndpoint: appTestIssuer + "/authorize",
		TokenEndpoint:         appTestIssuer + "/token",
		JWKSURI:               appTestIssuer + "/jwks",
	}))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return app, priv
}

func TestProtectedPrefixRequiresToken(t *testing.T) {
	app, priv := newTestApp(t, nil)
	handler := app.Routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected a bearer challenge")
	}

	r := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	r.Header.Set("Authorization", "Bearer "+mintAppToken(t, priv, "app"))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"client_id":"app"`) {
		t.Fatalf("downstream should see the identity: %s", rec.Body.String())
	}
}

func TestProtectedPrefixRejectsWrongClient(t *testing.T) {
	app, priv := newTestApp(t, nil)
	handler := app.Routes()

	r := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	r.Header.Set("Authorization", "Bearer "+mintAppToken(t, priv, "someone-else"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unbound token, got %d", rec.Code)
	}
}

func TestResourceMetadataEndpoint(t *testing.T) {
	app, _ := newTestApp(t, nil)
	handler := app.Routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("discovery endpoint must be CORS-open")
	}

	var doc auth.ResourceMetadata
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if !strings.HasSuffix(doc.Resource, "/mcp") {
		t.Fatalf("resource should point at the protected prefix: %q", doc.Resource)
	}
	if len(doc.AuthorizationServers) != 1 || doc.AuthorizationServers[0] != appTestIssuer {
		t.Fatalf("unexpected authorization servers: %v", doc.AuthorizationServers)
	}

	// Subpath probes get the same document.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource/mcp", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on subpath, got %d", rec.Code)
	}

	// CORS preflight.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/.well-known/oauth-protected-resource", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rec.Code)
	}
}

func TestLegacyEndpointsGated(t *testing.T) {
	app, _ := newTestApp(t, func(c *Config) { c.Auth.Legacy = false })
	handler := app.Routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/authorize?redirect_uri=x", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with legacy disabled, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for auth server metadata with legacy disabled, got %d", rec.Code)
	}
}

func TestLegacyAuthorizeThroughRouter(t *testing.T) {
	app, _ := newTestApp(t, nil)
	handler := app.Routes()

	r := httptest.NewRequest(http.MethodGet,
		"/authorize?response_type=code&client_id=legacy&redirect_uri=https%3A%2F%2Fclient.test%2Fcb", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("Location"), appTestIssuer+"/authorize") {
		t.Fatalf("authorize should redirect upstream: %q", rec.Header().Get("Location"))
	}
}

func TestStateSweeper(t *testing.T) {
	app, _ := newTestApp(t, nil)

	app.Store.Set("stale", FlowState{CreatedAt: time.Now().Add(-FlowStateTTL - time.Minute)})
	app.Store.Cleanup()

	if _, ok := app.Store.Get("stale"); ok {
		t.Fatalf("cleanup left an expired entry behind")
	}
}

func TestLoadLocalJWKSErrors(t *testing.T) {
	if _, err := loadLocalJWKS(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}

	empty := filepath.Join(t.TempDir(), "empty.json")
	if err := os.WriteFile(empty, []byte(`{"keys":[]}`), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := loadLocalJWKS(empty); err == nil {
		t.Fatalf("expected error for empty key set")
	}
}
