package mcpservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/invopop/jsonschema"
)

// ToolHandler is the function signature used to handle a tool invocation.
type ToolHandler func(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error)

// Tool pairs an MCP tool descriptor with its handler.
type Tool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// ToolRequest is the container for tool call input. It is generic over the
// typed argument struct A.
type ToolRequest[A any] struct {
	name string
	raw  json.RawMessage
	args A
}

func (r *ToolRequest[A]) Name() string                  { return r.name }
func (r *ToolRequest[A]) RawArguments() json.RawMessage { return r.raw }
func (r *ToolRequest[A]) Args() A                       { return r.args }

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description               string
	allowAdditionalProperties bool // default false (strict)
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolAllowAdditionalProperties controls whether unknown fields are allowed.
// When false (default), the generated schema sets additionalProperties=false and
// runtime decoding rejects unknown fields.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewTool constructs a Tool from a typed args struct A. It:
//   - reflects a JSON Schema from A using invopop/jsonschema
//   - down-converts it to MCP's simplified ToolInputSchema
//   - fills absent arguments from `jsonschema:"default=..."` tags
//   - decodes arguments into A, rejecting unknown fields by default
//
// Arguments that fail to decode produce an error result rather than a Go
// error so the caller sees the problem as tool output. Errors returned by fn
// are passed through unchanged.
func NewTool[A any](name string, fn func(ctx context.Context, w ToolResponseWriter, r *ToolRequest[A]) error, opts ...ToolOption) Tool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	input, defaults := reflectToMCPInputSchema[A](cfg.allowAdditionalProperties)
	desc := mcp.Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: input,
	}

	handler := func(ctx context.Context, name string, raw json.RawMessage) (*mcp.CallToolResult, error) {
		a, err := decodeArgs[A](raw, defaults, cfg.allowAdditionalProperties)
		if err != nil {
			return Errorf("invalid arguments: %v", err), nil
		}
		w := newToolResponseWriter(ctx)
		r := &ToolRequest[A]{name: name, raw: raw, args: a}
		if err := fn(ctx, w, r); err != nil {
			return nil, err
		}
		return w.Result(), nil
	}

	return Tool{Descriptor: desc, Handler: handler}
}

func decodeArgs[A any](raw json.RawMessage, defaults map[string]json.RawMessage, allowAdditional bool) (A, error) {
	var a A
	merged, err := applyDefaults(raw, defaults)
	if err != nil {
		return a, err
	}
	if len(merged) == 0 {
		return a, nil
	}
	if allowAdditional {
		err := json.Unmarshal(merged, &a)
		return a, err
	}
	dec := json.NewDecoder(bytes.NewReader(merged))
	dec.DisallowUnknownFields()
	err = dec.Decode(&a)
	return a, err
}

func applyDefaults(raw json.RawMessage, defaults map[string]json.RawMessage) (json.RawMessage, error) {
	if len(defaults) == 0 {
		return raw, nil
	}
	obj := make(map[string]json.RawMessage, len(defaults))
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, fmt.Errorf("arguments must be an object: %w", err)
		}
	}
	for k, v := range defaults {
		if _, ok := obj[k]; !ok {
			obj[k] = v
		}
	}
	return json.Marshal(obj)
}

// reflectToMCPInputSchema reflects a Go type A into a jsonschema.Schema, and
// converts it to the simplified mcp.ToolInputSchema. Declared property
// defaults are returned alongside, pre-encoded as JSON.
func reflectToMCPInputSchema[A any](allowAdditional bool) (mcp.ToolInputSchema, map[string]json.RawMessage) {
	r := &jsonschema.Reflector{
		DoNotReference:            true, // inline defs
		AllowAdditionalProperties: allowAdditional,
	}
	// Expanding an unnamed struct looks up an empty definition name and
	// panics; with DoNotReference its root is inlined anyway.
	if reflect.TypeFor[A]().Name() != "" {
		r.ExpandedStruct = true
	}
	s := r.Reflect(new(A))

	// Only object schemas map cleanly to MCP ToolInputSchema.
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: allowAdditional,
		}, nil
	}

	props := make(map[string]mcp.SchemaProperty)
	var defaults map[string]json.RawMessage
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toMCPProperty(el.Value)
			if el.Value == nil || el.Value.Default == nil {
				continue
			}
			b, err := json.Marshal(el.Value.Default)
			if err != nil {
				continue
			}
			if defaults == nil {
				defaults = make(map[string]json.RawMessage)
			}
			defaults[el.Key] = b
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}

	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: allowAdditional,
	}, defaults
}

// toMCPProperty recursively maps a jsonschema.Schema to the simplified MCP SchemaProperty.
func toMCPProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
		Default:     s.Default,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toMCPProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toMCPProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}

// TextResult is a small helper to build a text CallToolResult.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: s}}}
}

// Errorf returns an error CallToolResult with a single text block and IsError=true.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	msg := fmt.Sprintf(format, a...)
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: msg}}, IsError: true}
}
