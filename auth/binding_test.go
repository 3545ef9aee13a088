package auth

import (
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func TestExpectedClientID(t *testing.T) {
	cases := []struct {
		name         string
		clientID     string
		wellKnownURL string
		want         string
	}{
		{"explicit id wins", "my-client", DefaultWellKnownURL, "my-client"},
		{"explicit id wins over custom server", "my-client", "https://custom.test/.well-known/openid-configuration", "my-client"},
		{"default provider falls back to sandbox", "", DefaultWellKnownURL, DefaultPublicClientID},
		{"empty well-known falls back to sandbox", "", "", DefaultPublicClientID},
		{"custom server without id disables binding", "", "https://custom.test/.well-known/openid-configuration", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExpectedClientID(tc.clientID, tc.wellKnownURL); got != tc.want {
				t.Fatalf("ExpectedClientID(%q, %q) = %q, want %q", tc.clientID, tc.wellKnownURL, got, tc.want)
			}
		})
	}
}

func TestCheckBinding(t *testing.T) {
	cases := []struct {
		name     string
		claims   jwt.MapClaims
		expected string
		wantErr  bool
	}{
		{"client_id matches", jwt.MapClaims{"client_id": "app"}, "app", false},
		{"tid matches", jwt.MapClaims{"client_id": "dyn-123", "tid": "app"}, "app", false},
		{"either claim suffices", jwt.MapClaims{"tid": "app"}, "app", false},
		{"neither matches", jwt.MapClaims{"client_id": "other", "tid": "other-tenant"}, "app", true},
		{"no claims at all", jwt.MapClaims{}, "app", true},
		{"empty expectation disables check", jwt.MapClaims{"client_id": "whatever"}, "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckBinding(tc.claims, tc.expected)
			if tc.wantErr && err == nil {
				t.Fatalf("expected binding error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestCheckBindingErrorNamesExpectedID(t *testing.T) {
	err := CheckBinding(jwt.MapClaims{"client_id": "dyn-456"}, "configured-app")
	if err == nil {
		t.Fatalf("expected binding error")
	}
	if !strings.Contains(err.Error(), "configured-app") {
		t.Fatalf("error should name the configured identifier, got: %v", err)
	}
	if strings.Contains(err.Error(), "dyn-456") {
		t.Fatalf("error should not echo the token's client_id, got: %v", err)
	}
}
