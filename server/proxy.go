package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"mcpauthd/auth"
)

// CallbackPath is where the upstream authorization server redirects back to.
const CallbackPath = "/oauth/callback"

// OAuthProxy emulates a minimal OAuth 2.0 authorization server surface for
// legacy clients, transparently forwarding every flow to the real upstream
// server. It never mints tokens and never inspects authorization codes.
type OAuthProxy struct {
	disco      *auth.Discovery
	store      Store
	client     *http.Client
	clientID   string
	forceHTTPS bool
	logger     *slog.Logger
}

// NewOAuthProxy builds the proxy against an already-discovered upstream.
func NewOAuthProxy(cfg Config, disco *auth.Discovery, store Store, logger *slog.Logger) *OAuthProxy {
	timeout := cfg.Auth.UpstreamTimeout
	if timeout == 0 {
		timeout = DefaultUpstreamTimeout
	}
	return &OAuthProxy{
		disco:      disco,
		store:      store,
		client:     &http.Client{Timeout: timeout},
		clientID:   cfg.Auth.ClientID,
		forceHTTPS: cfg.Server.ForceHTTPS,
		logger:     logger,
	}
}

// HandleAuthorize starts a proxied authorization-code flow.
func (p *OAuthProxy) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	defer p.recoverHandler(w, "authorize")

	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	clientState := q.Get("state")

	// Without a redirect target there is nowhere to deliver an error
	// redirect; fall back to a structured body.
	if redirectURI == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri is required")
		return
	}

	clientID := q.Get("client_id")
	if clientID == "" {
		redirectError(w, redirectURI, clientState, "invalid_request", "client_id is required")
		return
	}
	switch q.Get("response_type") {
	case "":
		redirectError(w, redirectURI, clientState, "invalid_request", "response_type is required")
		return
	case "code":
	default:
		redirectError(w, redirectURI, clientState, "unsupported_response_type",
			"only the authorization_code flow is supported")
		return
	}

	scope := q.Get("scope")
	if scope == "" {
		scope = DefaultScope
	}

	stateKey := NewStateKey()
	p.store.Set(stateKey, FlowState{
		RedirectURI:         redirectURI,
		ClientState:         clientState,
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Scope:               scope,
		ClientID:            clientID,
		CreatedAt:           time.Now(),
	})

	upstream := oauth2.Config{
		ClientID:    p.upstreamClientID(clientID),
		RedirectURL: p.callbackURL(r),
		Endpoint:    oauth2.Endpoint{AuthURL: p.disco.AuthorizationEndpoint},
		Scopes:      strings.Fields(scope),
	}

	var opts []oauth2.AuthCodeOption
	if cc := q.Get("code_challenge"); cc != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", cc),
			oauth2.SetAuthURLParam("code_challenge_method", q.Get("code_challenge_method")),
		)
	}

	p.logger.Info("proxying authorization request",
		"client_id", clientID,
		"scope", scope,
		"pkce", q.Get("code_challenge") != "",
	)
	http.Redirect(w, r, upstream.AuthCodeURL(stateKey, opts...), http.StatusFound)
}

// HandleCallback receives the upstream redirect and resumes the caller's
// original flow. The authorization code is opaque cargo; it is passed back
// to the caller untouched and never stored.
func (p *OAuthProxy) HandleCallback(w http.ResponseWriter, r *http.Request) {
	defer p.recoverHandler(w, "callback")

	q := r.URL.Query()
	stateKey := q.Get("state")

	st, ok := p.consumeState(stateKey)
	if !ok {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "unknown or expired state")
		return
	}

	if upstreamErr := q.Get("error"); upstreamErr != "" {
		p.logger.Warn("upstream authorization error",
			"error", upstreamErr,
			"description", q.Get("error_description"),
		)
		vals := url.Values{}
		vals.Set("error", upstreamErr)
		if desc := q.Get("error_description"); desc != "" {
			vals.Set("error_description", desc)
		}
		if uri := q.Get("error_uri"); uri != "" {
			vals.Set("error_uri", uri)
		}
		if st.ClientState != "" {
			vals.Set("state", st.ClientState)
		}
		redirectWithParams(w, st.RedirectURI, vals)
		return
	}

	code := q.Get("code")
	if code == "" {
		redirectError(w, st.RedirectURI, st.ClientState, "invalid_request", "missing authorization code")
		return
	}

	vals := url.Values{}
	vals.Set("code", code)
	if st.ClientState != "" {
		vals.Set("state", st.ClientState)
	}
	redirectWithParams(w, st.RedirectURI, vals)
}

// HandleToken forwards a token-exchange request to the upstream token
// endpoint and relays the response verbatim.
func (p *OAuthProxy) HandleToken(w http.ResponseWriter, r *http.Request) {
	defer p.recoverHandler(w, "token")

	params, err := parseTokenRequest(r)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}

	grantType := params.Get("grant_type")
	if grantType == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "grant_type is required")
		return
	}

	if p.clientID != "" {
		params.Set("client_id", p.clientID)
	}
	// The upstream validated the rewritten redirect_uri during the authorize
	// step; the token request must present the same value.
	if grantType == "authorization_code" || params.Get("redirect_uri") != "" {
		params.Set("redirect_uri", p.callbackURL(r))
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, p.disco.TokenEndpoint,
		strings.NewReader(params.Encode()))
	if err != nil {
		p.logger.Error("build token request", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to contact authorization server")
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Error("forward token request", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to contact authorization server")
		return
	}
	defer resp.Body.Close()

	p.logger.Info("token exchange forwarded", "grant_type", grantType, "status", resp.StatusCode)
	relayResponse(w, resp, true)
}

// HandleRegister forwards dynamic client registration, pinning the scope to
// the configured default regardless of what the client asked for. Upstream
// servers reject registrations whose scopes they do not recognize; the
// overwrite keeps arbitrary clients registrable.
func (p *OAuthProxy) HandleRegister(w http.ResponseWriter, r *http.Request) {
	defer p.recoverHandler(w, "register")

	if p.disco.RegistrationEndpoint == "" {
		writeOAuthError(w, http.StatusNotFound, "invalid_request",
			"dynamic client registration is not supported by the authorization server")
		return
	}

	meta, err := parseRegistrationRequest(r)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed registration body")
		return
	}
	meta["scope"] = DefaultScope

	body, err := json.Marshal(meta)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed registration body")
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, p.disco.RegistrationEndpoint,
		strings.NewReader(string(body)))
	if err != nil {
		p.logger.Error("build registration request", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to contact authorization server")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Error("forward registration request", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to contact authorization server")
		return
	}
	defer resp.Body.Close()

	p.logger.Info("client registration forwarded", "status", resp.StatusCode)
	relayResponse(w, resp, false)
}

// HandleAuthServerMetadata serves the legacy discovery document rooted at
// this server, so backward-compatible clients find the proxied endpoints.
func (p *OAuthProxy) HandleAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := p.baseURL(r)

	doc := map[string]any{
		"issuer":                 issuer,
		"authorization_endpoint": issuer + "/authorize",
		"token_endpoint":         issuer + "/token",
		"response_types_supported": []string{
			"code",
		},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_post", "client_secret_basic", "none"},
	}
	if p.disco.RegistrationEndpoint != "" {
		doc["registration_endpoint"] = issuer + "/register"
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (p *OAuthProxy) upstreamClientID(callerID string) string {
	if p.clientID != "" {
		return p.clientID
	}
	return callerID
}

func (p *OAuthProxy) consumeState(key string) (FlowState, bool) {
	if key == "" {
		return FlowState{}, false
	}
	st, ok := p.store.Get(key)
	if !ok {
		return FlowState{}, false
	}
	p.store.Delete(key)
	return st, true
}

func (p *OAuthProxy) baseURL(r *http.Request) string {
	scheme := schemeFromRequest(r)
	if p.forceHTTPS {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func (p *OAuthProxy) callbackURL(r *http.Request) string {
	return p.baseURL(r) + CallbackPath
}

// recoverHandler converts a panic inside a proxy handler into a structured
// 500 rather than tearing down the request loop.
func (p *OAuthProxy) recoverHandler(w http.ResponseWriter, name string) {
	if rec := recover(); rec != nil {
		p.logger.Error("proxy handler panic", "handler", name, "panic", rec)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "An unexpected error occurred")
	}
}

func schemeFromRequest(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}

// parseTokenRequest accepts either form-encoded or JSON token requests and
// normalizes them onto url.Values for upstream forwarding.
func parseTokenRequest(r *http.Request) (url.Values, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, err
		}
		params := url.Values{}
		for k, v := range body {
			params.Set(k, fmt.Sprintf("%v", v))
		}
		return params, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	params := url.Values{}
	for k, vs := range r.PostForm {
		for _, v := range vs {
			params.Add(k, v)
		}
	}
	return params, nil
}

func parseRegistrationRequest(r *http.Request) (map[string]any, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		meta := make(map[string]any, len(r.PostForm))
		for k := range r.PostForm {
			meta[k] = r.PostForm.Get(k)
		}
		return meta, nil
	}

	var meta map[string]any
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// relayResponse copies the upstream status, content type, and body through
// unchanged. Token responses additionally get no-store cache headers.
func relayResponse(w http.ResponseWriter, resp *http.Response, noStore bool) {
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if noStore {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// redirectError delivers an OAuth error to a browser mid-redirect.
func redirectError(w http.ResponseWriter, redirectURI, state, code, description string) {
	vals := url.Values{}
	vals.Set("error", code)
	if description != "" {
		vals.Set("error_description", description)
	}
	if state != "" {
		vals.Set("state", state)
	}
	redirectWithParams(w, redirectURI, vals)
}

func redirectWithParams(w http.ResponseWriter, redirectURI string, vals url.Values) {
	uri, err := url.Parse(redirectURI)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid redirect_uri")
		return
	}
	q := uri.Query()
	for k, vs := range vals {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	uri.RawQuery = q.Encode()
	// Manual redirect keeps this usable without an *http.Request in hand.
	w.Header().Set("Location", uri.String())
	w.WriteHeader(http.StatusFound)
}
