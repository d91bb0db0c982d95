// Package wellknown holds the documents served under /.well-known.
package wellknown

import (
	"fmt"
	"net/url"
)

// ProtectedResourceMetadata is the RFC 9728 document advertising how to
// obtain tokens for the MCP endpoint.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	JwksURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
}

// ProtectedResourceMetadataURL returns the metadata location for the
// resource at endpoint: the well-known prefix inserted before its path.
func ProtectedResourceMetadataURL(endpoint *url.URL) *url.URL {
	return &url.URL{
		Scheme: endpoint.Scheme,
		Host:   endpoint.Host,
		Path:   fmt.Sprintf("/.well-known/oauth-protected-resource%s", endpoint.Path),
	}
}
