// Package engine implements the MCP method surface of the gateway on top of
// an aggregate.Aggregator. It is transport agnostic: transports decode
// JSON-RPC messages, resolve the session and hand requests to the engine.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-gateway/aggregate"
	"github.com/ggoodman/mcp-gateway/broker"
	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/ggoodman/mcp-gateway/uritemplate"
)

// ErrCancelled is the cancellation cause recorded when the client cancels a
// request with notifications/cancelled.
var ErrCancelled = errors.New("engine: request cancelled by client")

const relayRetryDelay = time.Second

// CancelTopic is the broker topic carrying cancellations between replicas.
const CancelTopic = "cancel"

// cancelSignal names a request, or with an empty RequestID every request,
// of a session.
type cancelSignal struct {
	SessionID string `json:"session"`
	RequestID string `json:"request,omitempty"`
}

// Engine serves MCP requests for a set of sessions.
type Engine struct {
	agg      *aggregate.Aggregator
	sessions *sessions.Manager
	info     mcp.ImplementationInfo
	instr    string
	log      *slog.Logger
	broker   broker.Broker

	inflightMu sync.Mutex
	inflight   map[string]context.CancelCauseFunc // sessionID/requestID -> cancel
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithServerInfo sets the implementation info returned from initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(e *Engine) { e.info = info }
}

// WithBroker relays cancellations through b so that a request running on
// another replica can be cancelled. Start must be called to receive them.
func WithBroker(b broker.Broker) Option {
	return func(e *Engine) { e.broker = b }
}

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(s string) Option {
	return func(e *Engine) { e.instr = s }
}

// New returns an engine serving agg with sessions stored by mgr.
func New(agg *aggregate.Aggregator, mgr *sessions.Manager, opts ...Option) *Engine {
	e := &Engine{
		agg:      agg,
		sessions: mgr,
		info:     mcp.ImplementationInfo{Name: "mcpme", Version: "dev"},
		log:      slog.Default(),
		inflight: make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// NegotiateVersion returns requested when the gateway speaks it and the
// latest supported revision otherwise.
func NegotiateVersion(requested string) string {
	if mcp.IsSupportedProtocolVersion(requested) {
		return requested
	}
	return mcp.LatestProtocolVersion
}

// InitializeSession performs the initialize handshake for userID. The new
// session stays pending until notifications/initialized arrives.
func (e *Engine) InitializeSession(ctx context.Context, userID string, req *mcp.InitializeRequest) (*sessions.Session, *mcp.InitializeResult, error) {
	if req == nil {
		return nil, nil, fmt.Errorf("engine: initialize request required")
	}
	version := NegotiateVersion(req.ProtocolVersion)

	sess, err := e.sessions.Create(ctx, userID, version, sessions.ClientInfo{
		Name:    req.ClientInfo.Name,
		Version: req.ClientInfo.Version,
	})
	if err != nil {
		return nil, nil, err
	}

	res := &mcp.InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      e.info,
		Instructions:    e.instr,
	}
	if e.agg.HasTools() {
		res.Capabilities.Tools = &mcp.ToolsCapability{}
	}
	if e.agg.HasResources() {
		res.Capabilities.Resources = &mcp.ResourcesCapability{}
	}

	ctx = logctx.WithSession(ctx, sess)
	e.log.InfoContext(ctx, "engine.initialize.ok",
		slog.String("requested_version", req.ProtocolVersion),
		slog.String("client", req.ClientInfo.Name),
	)
	return sess, res, nil
}

// LoadSession resolves a session id presented by userID.
func (e *Engine) LoadSession(ctx context.Context, sessionID, userID string) (*sessions.Session, error) {
	return e.sessions.Load(ctx, sessionID, userID)
}

// DeleteSession ends a session and cancels its in-flight requests.
func (e *Engine) DeleteSession(ctx context.Context, sess *sessions.Session) error {
	if err := e.sessions.Delete(ctx, sess.ID, sess.UserID); err != nil {
		return err
	}
	e.cancelSession(sess.ID)
	ctx = logctx.WithSession(ctx, sess)
	e.broadcast(ctx, cancelSignal{SessionID: sess.ID})
	e.log.InfoContext(ctx, "engine.session.deleted")
	return nil
}

// HandleRequest answers a single request. Protocol failures are reported in
// the returned response; the error is reserved for failures to build one.
func (e *Engine) HandleRequest(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	ctx = logctx.WithSession(ctx, sess)
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: jsonrpc.KindRequest.String()})

	switch mcp.Method(req.Method) {
	case mcp.PingMethod:
		return jsonrpc.NewResultResponse(req.ID, mcp.EmptyResult{})
	case mcp.ToolsListMethod:
		return e.handleToolsList(ctx, req)
	case mcp.ToolsCallMethod:
		return e.handleToolCall(ctx, sess, req)
	case mcp.ResourcesListMethod:
		return e.handleResourcesList(ctx, req)
	case mcp.ResourcesTemplatesListMethod:
		return e.handleResourcesTemplatesList(ctx, req)
	case mcp.ResourcesReadMethod:
		return e.handleResourcesRead(ctx, req)
	case mcp.InitializeMethod:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil), nil
	}

	e.log.InfoContext(ctx, "engine.handle_request.unsupported")
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+req.Method, nil), nil
}

func (e *Engine) handleToolsList(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	if !e.agg.HasTools() {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tools capability not supported", nil), nil
	}

	tools, err := e.agg.ListTools(ctx)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}

	e.log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Int("tool_count", len(tools)))
	return jsonrpc.NewResultResponse(req.ID, &mcp.ListToolsResult{Tools: tools})
}

func (e *Engine) handleToolCall(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()

	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	if params.Name == "" {
		e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing tool name"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params: missing tool name", nil), nil
	}
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})

	callCtx, release := e.track(ctx, sess.ID, req.ID)
	defer release()

	res, err := e.agg.CallTool(callCtx, params.Name, params.Arguments)
	dur := slog.Int64("dur_ms", time.Since(start).Milliseconds())
	switch {
	case err == nil:
		e.log.InfoContext(ctx, "engine.handle_request.ok", dur, slog.Bool("is_error", res.IsError))
		return jsonrpc.NewResultResponse(req.ID, res)
	case errors.Is(err, aggregate.ErrUnknownTool):
		e.log.InfoContext(ctx, "engine.handle_request.unknown_tool", dur)
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "Unknown tool: "+params.Name, nil), nil
	case errors.Is(context.Cause(callCtx), ErrCancelled):
		e.log.InfoContext(ctx, "engine.handle_request.cancelled", dur)
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "cancelled", nil), nil
	default:
		e.log.WarnContext(ctx, "engine.handle_request.tool_error", dur, slog.String("err", err.Error()))
		return jsonrpc.NewResultResponse(req.ID, &mcp.CallToolResult{
			Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: err.Error()}},
			IsError: true,
		})
	}
}

func (e *Engine) handleResourcesList(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	if !e.agg.HasResources() {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "resources capability not supported", nil), nil
	}

	resources, err := e.agg.ListResources(ctx)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}

	e.log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Int("resource_count", len(resources)))
	return jsonrpc.NewResultResponse(req.ID, &mcp.ListResourcesResult{Resources: resources})
}

func (e *Engine) handleResourcesTemplatesList(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	if !e.agg.HasResources() {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "resources capability not supported", nil), nil
	}

	templates, err := e.agg.ListResourceTemplates(ctx)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}

	e.log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Int("template_count", len(templates)))
	return jsonrpc.NewResultResponse(req.ID, &mcp.ListResourceTemplatesResult{ResourceTemplates: templates})
}

func (e *Engine) handleResourcesRead(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()

	var params mcp.ReadResourceRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	if params.URI == "" {
		e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing uri"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params: missing uri", nil), nil
	}

	contents, err := e.agg.ReadResource(ctx, params.URI)
	dur := slog.Int64("dur_ms", time.Since(start).Milliseconds())
	switch {
	case errors.Is(err, aggregate.ErrUnsupportedURI), errors.Is(err, uritemplate.ErrStructureMismatch):
		e.log.InfoContext(ctx, "engine.handle_request.not_found", dur, slog.String("uri", params.URI))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeResourceNotFound, "Resource not found", map[string]string{"uri": params.URI}), nil
	case err != nil:
		e.log.ErrorContext(ctx, "engine.handle_request.fail", dur, slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil), nil
	}

	res := &mcp.ReadResourceResult{Contents: []mcp.ResourceContents{}}
	if contents != nil {
		res.Contents = append(res.Contents, *contents)
	}
	e.log.InfoContext(ctx, "engine.handle_request.ok", dur, slog.Int("content_count", len(res.Contents)))
	return jsonrpc.NewResultResponse(req.ID, res)
}

// HandleNotification processes a client notification. Unknown
// notifications are ignored.
func (e *Engine) HandleNotification(ctx context.Context, sess *sessions.Session, note *jsonrpc.Request) error {
	ctx = logctx.WithSession(ctx, sess)
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: note.Method, Type: jsonrpc.KindNotification.String()})

	switch mcp.Method(note.Method) {
	case mcp.InitializedNotificationMethod:
		if _, err := e.sessions.Open(ctx, sess.ID, sess.UserID); err != nil {
			e.log.ErrorContext(ctx, "engine.handle_notification.open.fail", slog.String("err", err.Error()))
			return err
		}
		e.log.InfoContext(ctx, "engine.session.initialized")
	case mcp.CancelledNotificationMethod:
		var params mcp.CancelledNotification
		if err := json.Unmarshal(note.Params, &params); err != nil {
			e.log.InfoContext(ctx, "engine.handle_notification.invalid", slog.String("err", err.Error()))
			return nil
		}
		var id jsonrpc.RequestID
		if err := json.Unmarshal(params.RequestID, &id); err != nil || id.IsNil() {
			e.log.InfoContext(ctx, "engine.handle_notification.invalid", slog.String("err", "missing request id"))
			return nil
		}
		found := e.cancel(inflightKey(sess.ID, &id))
		if !found {
			e.broadcast(ctx, cancelSignal{SessionID: sess.ID, RequestID: id.String()})
		}
		e.log.InfoContext(ctx, "engine.handle_notification.cancel", slog.String("request_id", id.String()), slog.Bool("found", found), slog.String("reason", params.Reason))
	default:
		e.log.DebugContext(ctx, "engine.handle_notification.ignored")
	}
	return nil
}

func inflightKey(sessionID string, id *jsonrpc.RequestID) string {
	return sessionID + "/" + id.String()
}

// track registers a cancellable context for the request so that a later
// notifications/cancelled can abort it.
func (e *Engine) track(ctx context.Context, sessionID string, id *jsonrpc.RequestID) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	key := inflightKey(sessionID, id)

	e.inflightMu.Lock()
	e.inflight[key] = cancel
	e.inflightMu.Unlock()

	return ctx, func() {
		e.inflightMu.Lock()
		delete(e.inflight, key)
		e.inflightMu.Unlock()
		cancel(context.Canceled)
	}
}

func (e *Engine) cancel(key string) bool {
	e.inflightMu.Lock()
	cancel, ok := e.inflight[key]
	e.inflightMu.Unlock()
	if ok {
		cancel(ErrCancelled)
	}
	return ok
}

func (e *Engine) cancelSession(sessionID string) {
	prefix := sessionID + "/"
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	for key, cancel := range e.inflight {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			cancel(ErrCancelled)
		}
	}
}

// broadcast publishes sig for other replicas. Failures only lose the
// remote half of a cancellation, so they are logged.
func (e *Engine) broadcast(ctx context.Context, sig cancelSignal) {
	if e.broker == nil {
		return
	}
	data, err := json.Marshal(sig)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.cancel.publish.fail", slog.String("err", err.Error()))
		return
	}
	if _, err := e.broker.Publish(context.WithoutCancel(ctx), CancelTopic, data); err != nil {
		e.log.WarnContext(ctx, "engine.cancel.publish.fail", slog.String("err", err.Error()))
	}
}

// Start subscribes to cancellations published by other replicas and applies
// them until ctx is done. It returns once the subscription is established.
// Without a broker it does nothing.
func (e *Engine) Start(ctx context.Context) error {
	if e.broker == nil {
		return nil
	}
	sub, err := e.broker.Subscribe(ctx, CancelTopic)
	if err != nil {
		return fmt.Errorf("engine: subscribe to cancellations: %w", err)
	}

	go func() {
		defer sub.Close()
		for {
			env, err := sub.Next(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
					return
				}
				e.log.ErrorContext(ctx, "engine.cancel.subscribe.fail", slog.String("err", err.Error()))
				select {
				case <-ctx.Done():
					return
				case <-time.After(relayRetryDelay):
				}
				continue
			}
			var sig cancelSignal
			if err := json.Unmarshal(env.Data, &sig); err != nil || sig.SessionID == "" {
				e.log.WarnContext(ctx, "engine.cancel.signal.invalid", slog.String("event_id", env.ID))
				continue
			}
			if sig.RequestID == "" {
				e.cancelSession(sig.SessionID)
			} else {
				e.cancel(sig.SessionID + "/" + sig.RequestID)
			}
			e.log.DebugContext(ctx, "engine.cancel.signal.ok", slog.String("session", sig.SessionID), slog.String("request_id", sig.RequestID))
		}
	}()
	return nil
}
