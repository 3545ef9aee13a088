package auth

import (
	"errors"
)

// ResourceMetadata is the OAuth Protected Resource metadata document
// (RFC 9728) advertised by this resource server.
type ResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
}

// ErrNotInitialized is returned when metadata is requested before the
// authorization server has been discovered.
var ErrNotInitialized = errors.New("authorization server not discovered")

// ResourceMetadata produces the discovery document pointing clients at the
// upstream authorization server. resourceURL is the externally visible URL
// of this resource server.
func (a *Authenticator) ResourceMetadata(resourceURL string) (ResourceMetadata, error) {
	if a.disco == nil {
		return ResourceMetadata{}, ErrNotInitialized
	}
	return ResourceMetadata{
		Resource:               resourceURL,
		AuthorizationServers:   []string{a.disco.Issuer},
		ScopesSupported:        a.scopes,
		BearerMethodsSupported: []string{"header"},
	}, nil
}
