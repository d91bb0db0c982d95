// Package streaminghttp serves the gateway over the MCP streamable HTTP
// transport. It mounts as a standard net/http handler.
//
// Construction
//
//	h, err := streaminghttp.New(
//	    "https://api.example/mcp", // public endpoint URL
//	    eng,                        // *engine.Engine
//	    streaminghttp.WithAuthenticator(authenticator),
//	    streaminghttp.WithLogger(log),
//	)
//
// # Requests
//
// A POST without Mcp-Session-Id must carry an initialize request. The reply is
// a plain JSON response carrying the new session id in the Mcp-Session-Id
// header. Every later POST names that session. Notifications and client
// responses are acknowledged with 202 Accepted. Requests are answered with a
// single Server-Sent Event holding the JSON-RPC response, or with plain JSON
// when the client's Accept header does not admit text/event-stream.
//
// GET opens a keep-alive event stream for the session and DELETE ends it,
// cancelling any tool calls still running.
//
// # Authentication
//
// Without WithAuthenticator every caller is auth.Anonymous. With one, bearer
// tokens are required and failures produce RFC 6750 challenges. When the
// authenticator also implements auth.SecurityDescriptor the handler serves
// OAuth 2.0 Protected Resource Metadata (RFC 9728) under
// /.well-known/oauth-protected-resource and references it from challenges.
//
// Sessions are bound to the authenticated user; another user presenting the
// same session id gets 404.
package streaminghttp
