package aggregate

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownTool matches errors reporting a tool name no provider serves.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrUnsupportedURI matches errors reporting a resource URI that no
	// provider template accepts.
	ErrUnsupportedURI = errors.New("unsupported resource uri")

	// ErrDuplicateTool matches construction errors for tool names advertised
	// by more than one provider.
	ErrDuplicateTool = errors.New("duplicate tool name")
)

// UnknownToolError reports a tools/call for a name nobody advertises.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string { return fmt.Sprintf("unknown tool: %q", e.Name) }

func (e *UnknownToolError) Is(target error) bool { return target == ErrUnknownTool }

// UnsupportedURIError reports a resources/read URI that matched no template.
type UnsupportedURIError struct {
	URI string
}

func (e *UnsupportedURIError) Error() string {
	return fmt.Sprintf("unsupported resource uri: %q", e.URI)
}

func (e *UnsupportedURIError) Is(target error) bool { return target == ErrUnsupportedURI }

// DuplicateToolError reports a tool name claimed by two registrations.
type DuplicateToolError struct {
	Tool   string
	First  string
	Second string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool %q is provided by both %q and %q", e.Tool, e.First, e.Second)
}

func (e *DuplicateToolError) Is(target error) bool { return target == ErrDuplicateTool }
