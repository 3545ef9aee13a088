package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v3"
)

// EnrichFunc lets the embedding application replace, augment, or reject the
// identity derived from a verified token. It receives nil when no token was
// presented and may synthesize an identity from other request data (an API
// key header, a session cookie). Returning nil rejects the request.
type EnrichFunc func(ctx context.Context, info *AuthInfo, r *http.Request) (*AuthInfo, error)

// Options configures an Authenticator.
type Options struct {
	// WellKnownURL overrides the authorization server discovery endpoint.
	// Empty selects the default provider.
	WellKnownURL string

	// ClientID pins the expected client/tenant binding. See ExpectedClientID.
	ClientID string

	// LocalKeys bypasses remote JWKS resolution entirely.
	LocalKeys *jose.JSONWebKeySet

	// Discovery short-circuits the startup metadata fetch when the caller
	// already holds the document.
	Discovery *Discovery

	// Scopes advertised in the protected resource metadata.
	Scopes []string

	// ResourceMetadataURL, when set, is announced in WWW-Authenticate
	// challenges so clients can self-discover the authorization server.
	ResourceMetadataURL string

	Enrich     EnrichFunc
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Authenticator verifies inbound bearer tokens, enforces client/tenant
// binding, and produces the per-request identity. Stateless per request;
// the only shared state is the verifier's key cache.
type Authenticator struct {
	disco           *Discovery
	verifier        *Verifier
	expectedClient  string
	scopes          []string
	resourceMetaURL string
	enrich          EnrichFunc
	logger          *slog.Logger
}

// New discovers the authorization server and builds an authenticator.
func New(ctx context.Context, opts Options) (*Authenticator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	disco := opts.Discovery
	if disco == nil {
		wellKnown := opts.WellKnownURL
		if wellKnown == "" {
			wellKnown = DefaultWellKnownURL
		}
		var err error
		disco, err = Discover(ctx, client, wellKnown)
		if err != nil {
			return nil, fmt.Errorf("discover authorization server: %w", err)
		}
	}

	verifier := NewVerifier(VerifierConfig{
		Issuer:     disco.Issuer,
		JWKSURL:    disco.JWKSURI,
		LocalKeys:  opts.LocalKeys,
		HTTPClient: client,
	})

	return &Authenticator{
		disco:           disco,
		verifier:        verifier,
		expectedClient:  ExpectedClientID(opts.ClientID, opts.WellKnownURL),
		scopes:          opts.Scopes,
		resourceMetaURL: opts.ResourceMetadataURL,
		enrich:          opts.Enrich,
		logger:          logger,
	}, nil
}

// Discovery exposes the authorization server metadata fetched at startup.
func (a *Authenticator) Discovery() *Discovery { return a.disco }

// Authenticate establishes the identity for a request.
//
// A missing or non-Bearer Authorization header is not itself a failure: the
// enrichment callback still runs with a nil candidate and may supply an
// identity. A present-but-invalid token is terminal and enrichment is never
// consulted. If no identity can be established either way, the result is an
// *AuthenticationError.
func (a *Authenticator) Authenticate(r *http.Request) (*AuthInfo, error) {
	var candidate *AuthInfo

	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		claims, err := a.verifier.Verify(r.Context(), token)
		if err != nil {
			return nil, err
		}
		if err := CheckBinding(claims, a.expectedClient); err != nil {
			return nil, err
		}
		candidate = identityFromClaims(token, claims)
	}

	if a.enrich != nil {
		info, err := a.enrich(r.Context(), candidate, r)
		if err != nil {
			return nil, fmt.Errorf("enrichment callback: %w", err)
		}
		candidate = info
	}

	if candidate == nil {
		return nil, &AuthenticationError{Message: "no usable identity could be established"}
	}
	return candidate, nil
}

// Middleware guards protected routes. Authentication and verification
// failures yield 401 with a JSON body; anything unanticipated yields a
// generic 500 with the cause logged.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, err := a.Authenticate(r)
		if err != nil {
			var verr *VerificationError
			var aerr *AuthenticationError
			switch {
			case errors.As(err, &verr), errors.As(err, &aerr):
				a.logger.Debug("request rejected", "path", r.URL.Path, "error", err)
				w.Header().Set("WWW-Authenticate", a.challenge(err.Error()))
				writeJSONError(w, http.StatusUnauthorized, "authentication_error", err.Error())
			default:
				a.logger.Error("authentication failed unexpectedly", "path", r.URL.Path, "error", err)
				writeJSONError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
			}
			return
		}

		next.ServeHTTP(w, r.WithContext(WithAuthInfo(r.Context(), info)))
	})
}

// challenge builds an RFC 6750 / RFC 9728 WWW-Authenticate value.
func (a *Authenticator) challenge(description string) string {
	parts := []string{fmt.Sprintf(`realm="%s"`, escapeQuotes(a.disco.Issuer))}
	if a.resourceMetaURL != "" {
		parts = append(parts, fmt.Sprintf(`resource_metadata="%s"`, escapeQuotes(a.resourceMetaURL)))
	}
	parts = append(parts, `error="invalid_token"`)
	if description != "" {
		parts = append(parts, fmt.Sprintf(`error_description="%s"`, escapeQuotes(description)))
	}
	return "Bearer " + strings.Join(parts, ", ")
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func escapeQuotes(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}
