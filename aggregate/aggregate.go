// Package aggregate presents an ordered set of capability providers as a
// single tool and resource catalog.
//
// Providers are registered as Entry values in a fixed order. Catalog listings
// concatenate each provider's listing in that order, tool calls go to the
// first provider advertising the tool name and resource reads go to the first
// provider with a template that structurally matches the URI. The aggregator
// keeps no copy of provider catalogs: every operation queries providers live,
// so providers whose catalogs change over time are always reflected.
package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/uritemplate"
)

// Aggregator merges the catalogs of its registered providers and routes
// calls to them. It is safe for concurrent use as long as the providers are.
type Aggregator struct {
	entries     []Entry
	log         *slog.Logger
	callTimeout time.Duration
	shadowing   bool
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger used for dispatch diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(a *Aggregator) {
		if log != nil {
			a.log = log
		}
	}
}

// WithCallTimeout bounds every CallTool and ReadResource dispatch. A zero or
// negative duration disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(a *Aggregator) { a.callTimeout = d }
}

// WithShadowing allows several providers to advertise the same tool name.
// The earliest registered provider wins and later ones are shadowed for that
// name. Without this option New rejects such collisions.
func WithShadowing() Option {
	return func(a *Aggregator) { a.shadowing = true }
}

// New builds an Aggregator over entries in registration order.
//
// Unless WithShadowing is given, New lists every tool provider's catalog once
// and fails with a *DuplicateToolError if a name is advertised twice.
func New(ctx context.Context, entries []Entry, opts ...Option) (*Aggregator, error) {
	a := &Aggregator{
		entries: make([]Entry, 0, len(entries)),
		log:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(a)
	}

	names := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.Name == "" {
			return nil, errors.New("aggregate: provider name is required")
		}
		if _, dup := names[e.Name]; dup {
			return nil, fmt.Errorf("aggregate: provider %q registered twice", e.Name)
		}
		names[e.Name] = struct{}{}
		a.entries = append(a.entries, e)
	}

	if !a.shadowing {
		if err := a.checkToolNames(ctx); err != nil {
			return nil, err
		}
	}

	a.log.InfoContext(ctx, "aggregate.new.ok",
		slog.Int("providers", len(a.entries)),
		slog.Bool("shadowing", a.shadowing),
		slog.Duration("call_timeout", a.callTimeout),
	)
	return a, nil
}

func (a *Aggregator) checkToolNames(ctx context.Context) error {
	owners := make(map[string]string)
	for _, e := range a.entries {
		if !e.hasTools() {
			continue
		}
		tools, err := e.Tools.ListTools(ctx)
		if err != nil {
			return fmt.Errorf("aggregate: list tools of %q: %w", e.Name, err)
		}
		for _, t := range tools {
			if first, ok := owners[t.Name]; ok {
				return &DuplicateToolError{Tool: t.Name, First: first, Second: e.Name}
			}
			owners[t.Name] = e.Name
		}
	}
	return nil
}

// Names returns the registered provider names in registration order.
func (a *Aggregator) Names() []string {
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Name
	}
	return out
}

// HasTools reports whether any registered provider serves tools.
func (a *Aggregator) HasTools() bool {
	for _, e := range a.entries {
		if e.hasTools() {
			return true
		}
	}
	return false
}

// HasResources reports whether any registered provider serves resources.
func (a *Aggregator) HasResources() bool {
	for _, e := range a.entries {
		if e.hasResources() {
			return true
		}
	}
	return false
}

// ListTools concatenates the tool catalogs of all tool providers in
// registration order. Provider errors are returned unchanged.
func (a *Aggregator) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	out := []mcp.Tool{}
	for _, e := range a.entries {
		if !e.hasTools() {
			continue
		}
		tools, err := e.Tools.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, tools...)
	}
	return out, nil
}

// CallTool dispatches to the first provider, in registration order, whose
// catalog contains name. It returns a *UnknownToolError when no provider
// advertises name. Provider results and errors pass through unchanged.
func (a *Aggregator) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	for _, e := range a.entries {
		if !e.hasTools() {
			continue
		}
		tools, err := e.Tools.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		if !containsTool(tools, name) {
			continue
		}

		a.log.DebugContext(ctx, "aggregate.call_tool.dispatch",
			slog.String("provider", e.Name),
			slog.String("tool", name),
		)
		ctx, cancel := a.callContext(ctx)
		defer cancel()
		return e.Tools.CallTool(ctx, name, args)
	}

	a.log.DebugContext(ctx, "aggregate.call_tool.unknown", slog.String("tool", name))
	return nil, &UnknownToolError{Name: name}
}

func containsTool(tools []mcp.Tool, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// ListResources concatenates the static resource listings of all resource
// providers in registration order.
func (a *Aggregator) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	out := []mcp.Resource{}
	for _, e := range a.entries {
		if !e.hasResources() {
			continue
		}
		res, err := e.Resources.ListResources(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, res...)
	}
	return out, nil
}

// ListResourceTemplates concatenates the resource templates of all resource
// providers in registration order.
func (a *Aggregator) ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error) {
	out := []mcp.ResourceTemplate{}
	for _, e := range a.entries {
		if !e.hasResources() {
			continue
		}
		tpls, err := e.Resources.ListResourceTemplates(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, tpls...)
	}
	return out, nil
}

// ReadResource dispatches to the first resource provider that either lists
// uri as a static resource or advertises a template whose structure matches
// uri. The provider's answer is returned unchanged, including a nil result
// for a well-formed URI naming nothing. A *UnsupportedURIError is returned
// when no provider claims uri.
func (a *Aggregator) ReadResource(ctx context.Context, uri string) (*mcp.ResourceContents, error) {
	for _, e := range a.entries {
		if !e.hasResources() {
			continue
		}
		ok, err := a.claims(ctx, e, uri)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		a.log.DebugContext(ctx, "aggregate.read_resource.dispatch",
			slog.String("provider", e.Name),
			slog.String("uri", uri),
		)
		ctx, cancel := a.callContext(ctx)
		defer cancel()
		return e.Resources.ReadResource(ctx, uri)
	}

	a.log.DebugContext(ctx, "aggregate.read_resource.unsupported", slog.String("uri", uri))
	return nil, &UnsupportedURIError{URI: uri}
}

func (a *Aggregator) claims(ctx context.Context, e Entry, uri string) (bool, error) {
	static, err := e.Resources.ListResources(ctx)
	if err != nil {
		return false, err
	}
	for _, r := range static {
		if r.URI == uri {
			return true, nil
		}
	}

	tpls, err := e.Resources.ListResourceTemplates(ctx)
	if err != nil {
		return false, err
	}
	for _, rt := range tpls {
		tpl, err := uritemplate.Parse(rt.URITemplate)
		if err != nil {
			a.log.WarnContext(ctx, "aggregate.read_resource.bad_template",
				slog.String("provider", e.Name),
				slog.String("template", rt.URITemplate),
				slog.String("err", err.Error()),
			)
			continue
		}
		if tpl.Matches(uri) {
			return true, nil
		}
	}
	return false, nil
}

func (a *Aggregator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.callTimeout)
}
