package aggregate

import (
	"context"
	"encoding/json"

	"github.com/ggoodman/mcp-gateway/mcp"
)

// ToolProvider is the tool-providing capability.
//
// ListTools must be free of side effects and may be called any number of
// times; the aggregator calls it on every dispatch rather than caching the
// result. CallTool returns an error matching ErrUnknownTool when name is not
// one of the provider's tools.
type ToolProvider interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error)
}

// ResourceProvider is the resource-providing capability.
//
// ReadResource returns (nil, nil) when uri is well formed for the provider but
// names nothing that exists. It returns an error when uri cannot be parsed
// against the provider's templates or lacks required variables.
type ResourceProvider interface {
	ListResources(ctx context.Context) ([]mcp.Resource, error)
	ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ResourceContents, error)
}

// Entry is a registered provider tagged with the capabilities it serves. A nil
// field means the capability is absent. Entries are built with ToolEntry,
// ResourceEntry or FullEntry so that capabilities are declared at compile time
// instead of discovered through type assertions.
type Entry struct {
	Name      string
	Tools     ToolProvider
	Resources ResourceProvider
}

// ToolEntry registers a provider that only serves tools.
func ToolEntry(name string, p ToolProvider) Entry {
	return Entry{Name: name, Tools: p}
}

// ResourceEntry registers a provider that only serves resources.
func ResourceEntry(name string, p ResourceProvider) Entry {
	return Entry{Name: name, Resources: p}
}

// FullProvider serves both capabilities.
type FullProvider interface {
	ToolProvider
	ResourceProvider
}

// FullEntry registers a provider serving both tools and resources.
func FullEntry(name string, p FullProvider) Entry {
	return Entry{Name: name, Tools: p, Resources: p}
}

func (e Entry) hasTools() bool     { return e.Tools != nil }
func (e Entry) hasResources() bool { return e.Resources != nil }
