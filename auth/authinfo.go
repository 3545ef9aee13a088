package auth

import (
	"context"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AuthInfo is the normalized identity attached to a request after
// authentication. It is created fresh per request and never shared.
type AuthInfo struct {
	// Token is the raw bearer token. Empty when the identity was
	// synthesized by an enrichment callback without an incoming token.
	Token string

	// ClientID is the OAuth client or tenant the token was issued for,
	// taken from the client_id claim or the first audience.
	ClientID string

	// Scopes holds the granted scopes; empty when the token carries no
	// scope claim.
	Scopes []string

	// ExpiresAt is the token expiry in epoch seconds, 0 when absent.
	ExpiresAt int64

	// Extra carries additional claims. Only "sub" is populated from the
	// token; everything else is enrichment-contributed.
	Extra map[string]any
}

type authInfoKey struct{}

// WithAuthInfo attaches an identity to the context.
func WithAuthInfo(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authInfoKey{}, info)
}

// AuthInfoFromContext retrieves the identity attached by the middleware.
func AuthInfoFromContext(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(authInfoKey{}).(*AuthInfo)
	return info, ok
}

// identityFromClaims builds the candidate identity from verified claims.
func identityFromClaims(token string, claims jwt.MapClaims) *AuthInfo {
	clientID, _ := claims["client_id"].(string)
	if clientID == "" {
		if aud, err := claims.GetAudience(); err == nil && len(aud) > 0 {
			clientID = aud[0]
		}
	}

	scopeStr, _ := claims["scope"].(string)

	info := &AuthInfo{
		Token:    token,
		ClientID: clientID,
		Scopes:   strings.Fields(scopeStr),
		Extra:    map[string]any{},
	}

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Unix()
	}
	if sub, _ := claims["sub"].(string); sub != "" {
		info.Extra["sub"] = sub
	}

	return info
}
