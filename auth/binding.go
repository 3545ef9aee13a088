package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Defaults for the hosted sandbox authorization server used when no
// custom server is configured.
const (
	// DefaultWellKnownURL is the discovery endpoint of the default provider.
	DefaultWellKnownURL = "https://auth.mcpauth.dev/.well-known/openid-configuration"

	// DefaultPublicClientID is the shared public client identifier tokens
	// from the default provider are issued under.
	DefaultPublicClientID = "mcpauth-public-sandbox"
)

// ExpectedClientID computes which client identifier verified tokens must be
// bound to. An explicitly configured ID wins; without one, tokens from the
// default provider must carry the public sandbox ID; a custom authorization
// server with no configured ID yields no expectation at all.
func ExpectedClientID(clientID, wellKnownURL string) string {
	if clientID != "" {
		return clientID
	}
	if wellKnownURL == "" || wellKnownURL == DefaultWellKnownURL {
		return DefaultPublicClientID
	}
	return ""
}

// CheckBinding verifies that the token was issued for the expected client.
// Either the client_id claim or the tid claim may match: with dynamic client
// registration the client_id is a freshly issued value while tid still names
// the registering tenant. An empty expected value disables the check.
//
// Mismatch errors always name the configured expected identifier, never the
// dynamically registered client_id from the token.
func CheckBinding(claims jwt.MapClaims, expected string) error {
	if expected == "" {
		return nil
	}

	clientID, _ := claims["client_id"].(string)
	tid, _ := claims["tid"].(string)
	if clientID == expected || tid == expected {
		return nil
	}

	return &VerificationError{
		Message: fmt.Sprintf("token is not bound to expected client %q", expected),
	}
}
