// Package stdio serves the gateway to a single client over newline-delimited
// JSON-RPC on stdin and stdout. It is how desktop MCP hosts launch the
// gateway as a subprocess.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Auth             : OS user (implicit principal)
//	Sessions         : one, created by initialize and deleted at EOF
//	Transport        : one JSON-RPC message per line
//
// Requests run concurrently so that notifications/cancelled can reach a
// long tool call; responses are written as they complete and may arrive out
// of order.
//
// Example:
//
//	h := stdio.NewHandler(eng)
//	if err := h.Serve(ctx); err != nil { log.Fatal(err) }
package stdio
