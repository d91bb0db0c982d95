package mcpservice

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/mcp-gateway/aggregate"
	"github.com/ggoodman/mcp-gateway/mcp"
)

// ToolSet is an ordered, immutable collection of tools. It implements
// aggregate.ToolProvider and is meant to be embedded by providers whose tool
// catalog is fixed at construction time.
type ToolSet struct {
	tools    []mcp.Tool
	handlers map[string]ToolHandler
}

var _ aggregate.ToolProvider = (*ToolSet)(nil)

// NewToolSet builds a ToolSet from defs in listing order. Names must be unique
// and non-empty.
func NewToolSet(defs ...Tool) (*ToolSet, error) {
	ts := &ToolSet{
		tools:    make([]mcp.Tool, 0, len(defs)),
		handlers: make(map[string]ToolHandler, len(defs)),
	}
	for _, d := range defs {
		name := d.Descriptor.Name
		if name == "" {
			return nil, fmt.Errorf("mcpservice: tool name is required")
		}
		if d.Handler == nil {
			return nil, fmt.Errorf("mcpservice: tool %q has no handler", name)
		}
		if _, dup := ts.handlers[name]; dup {
			return nil, fmt.Errorf("mcpservice: tool %q defined twice", name)
		}
		ts.tools = append(ts.tools, d.Descriptor)
		ts.handlers[name] = d.Handler
	}
	return ts, nil
}

// MustToolSet is like NewToolSet but panics on error.
func MustToolSet(defs ...Tool) *ToolSet {
	ts, err := NewToolSet(defs...)
	if err != nil {
		panic(err)
	}
	return ts
}

// ListTools returns a copy of the tool descriptors in definition order.
func (ts *ToolSet) ListTools(context.Context) ([]mcp.Tool, error) {
	out := make([]mcp.Tool, len(ts.tools))
	copy(out, ts.tools)
	return out, nil
}

// CallTool invokes the named tool. Unknown names yield an
// *aggregate.UnknownToolError.
func (ts *ToolSet) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	h := ts.handlers[name]
	if h == nil {
		return nil, &aggregate.UnknownToolError{Name: name}
	}
	return h(ctx, name, args)
}
