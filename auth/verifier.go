package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// VerifierConfig configures the token verifier.
type VerifierConfig struct {
	// Issuer is the expected iss claim. Required.
	Issuer string

	// JWKSURL is the remote key set location. Ignored when LocalKeys is set.
	JWKSURL string

	// LocalKeys is a statically supplied key set for air-gapped or test use;
	// when set, no remote fetch ever happens.
	LocalKeys *jose.JSONWebKeySet

	// CacheTTL bounds how long a fetched remote key set is reused.
	CacheTTL time.Duration

	HTTPClient *http.Client
}

// Verifier checks JWT signatures against the issuer's key set and enforces
// standard claims. Safe for concurrent use; the key cache is read-shared.
type Verifier struct {
	cfg    VerifierConfig
	client *http.Client
	mu     sync.RWMutex
	cache  jwksCache
}

type jwksCache struct {
	set     jose.JSONWebKeySet
	fetched time.Time
	expires time.Time
	etag    string
}

// NewVerifier creates a verifier with sane defaults.
func NewVerifier(cfg VerifierConfig) *Verifier {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Verifier{cfg: cfg, client: client}
}

// Verify checks the token's signature, issuer, and time claims. On any
// failure it returns a *VerificationError carrying the underlying cause.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (jwt.MapClaims, error) {
	if rawToken == "" {
		return nil, &VerificationError{Message: "token required"}
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
	)

	claims := jwt.MapClaims{}
	tok, err := parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return v.resolveKey(ctx, kid)
	})
	if err != nil {
		return nil, &VerificationError{Message: "token verification failed", Err: err}
	}
	if !tok.Valid {
		return nil, &VerificationError{Message: "token invalid"}
	}

	iss, _ := claims["iss"].(string)
	if iss != v.cfg.Issuer {
		return nil, &VerificationError{Message: fmt.Sprintf("issuer mismatch: expected %q", v.cfg.Issuer)}
	}

	return claims, nil
}

func (v *Verifier) resolveKey(ctx context.Context, kid string) (any, error) {
	if v.cfg.LocalKeys != nil {
		if key := findKey(*v.cfg.LocalKeys, kid); key != nil {
			return key.Key, nil
		}
		return nil, fmt.Errorf("signing key %q not found in local key set", kid)
	}

	set, err := v.ensureJWKS(ctx, false)
	if err != nil {
		return nil, err
	}
	key := findKey(set, kid)
	if key == nil {
		// Force a refresh on kid miss; the set may have rotated.
		if set, err = v.ensureJWKS(ctx, true); err == nil {
			key = findKey(set, kid)
		}
	}
	if key == nil {
		return nil, fmt.Errorf("signing key %q not found", kid)
	}
	return key.Key, nil
}

func (v *Verifier) ensureJWKS(ctx context.Context, force bool) (jose.JSONWebKeySet, error) {
	v.mu.RLock()
	cache := v.cache
	v.mu.RUnlock()

	if !force && cache.set.Keys != nil && time.Now().Before(cache.expires) {
		return cache.set, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	if cache.etag != "" {
		req.Header.Set("If-None-Match", cache.etag)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		cache.expires = time.Now().Add(v.cfg.CacheTTL)
		v.mu.Lock()
		v.cache = cache
		v.mu.Unlock()
		return cache.set, nil
	}
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, err
	}

	cache = jwksCache{set: set, fetched: time.Now(), etag: resp.Header.Get("ETag")}
	cache.expires = cache.fetched.Add(maxCacheDuration(resp.Header.Get("Cache-Control"), v.cfg.CacheTTL))

	v.mu.Lock()
	v.cache = cache
	v.mu.Unlock()

	return set, nil
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for _, k := range set.Keys {
		if kid == "" || k.KeyID == kid {
			key := k
			return &key
		}
	}
	return nil
}

func maxCacheDuration(header string, fallback time.Duration) time.Duration {
	if fallback <= 0 {
		fallback = 5 * time.Minute
	}
	parts := strings.Split(header, ",")
	for _, part := range parts {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], "max-age") {
			if secs, err := time.ParseDuration(kv[1] + "s"); err == nil {
				return secs
			}
		}
	}
	return fallback
}
