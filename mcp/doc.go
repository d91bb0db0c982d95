// Package mcp contains the protocol data types and constants the gateway
// speaks on the wire. It mirrors the Model Context Protocol representation
// while keeping the surface Go-friendly (exported structs with json tags,
// string constants for method names).
//
// The package is free of transport logic: the streaminghttp transport and the
// internal engine marshal these types, while providers construct tool results
// and resource contents with them.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsListMethod). Only the subset the gateway serves is declared.
//
// # Results
//
// CallToolResult, ResourceContents and the list envelopes are returned by
// providers through the aggregate package unchanged; helpers for building
// them live next to the callers (see mcpservice.TextResult).
package mcp
