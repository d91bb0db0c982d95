package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/internal/engine"
	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
	"github.com/ggoodman/mcp-gateway/internal/wellknown"
	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/sessions"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
	jsonMediaTypes       = []contenttype.MediaType{jsonMediaType}
	streamMediaTypes     = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"
)

const (
	// DefaultKeepAlive is the interval between comment frames on GET streams.
	DefaultKeepAlive = 25 * time.Second

	maxBodyBytes = 4 << 20
)

// writeJSONError emits a transport-level rejection before any JSON-RPC
// exchange is possible. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// writeRPCError answers with a JSON-RPC error object for messages that could
// not be parsed or were structurally invalid.
func writeRPCError(w http.ResponseWriter, status int, code jsonrpc.ErrorCode, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(nil, code, msg, nil))
}

// Option configures the Handler.
type Option func(*config)

type config struct {
	serverName string
	logger     *slog.Logger
	auth       auth.Authenticator
	realm      string
	keepAlive  time.Duration
}

// WithServerName sets the resource name advertised in protected resource metadata.
func WithServerName(name string) Option {
	return func(c *config) { c.serverName = name }
}

// WithLogger sets the logger used by the handler.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithAuthenticator requires bearer authentication on every MCP request.
// Without it, all callers act as auth.AnonymousUserID.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(c *config) { c.auth = a }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges.
func WithRealm(realm string) Option {
	return func(c *config) { c.realm = strings.TrimSpace(realm) }
}

// WithKeepAlive sets the interval between keep-alive frames on GET streams.
func WithKeepAlive(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.keepAlive = d
		}
	}
}

// buildBearerChallenge builds a Bearer challenge header value:
//
//	Bearer realm="<realm>", resource_metadata="<url>", error="...", error_description="..."
//
// Empty parts are omitted.
func buildBearerChallenge(realm, resourceMetadata, errCode, errDesc string) string {
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace
	var pieces []string
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	if errCode != "" {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(errCode)))
	}
	if errDesc != "" {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(errDesc)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// Handler implements the streamable HTTP transport of the Model Context
// Protocol in front of an engine.Engine.
type Handler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	eng       *engine.Engine
	auth      auth.Authenticator
	realm     string
	keepAlive time.Duration

	prmDocument    *wellknown.ProtectedResourceMetadata
	prmDocumentURL *url.URL
}

// lockedWriteFlusher serializes writes and flushes to a streaming response
// and refuses to write once ctx is done.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ctx.Err(); err != nil {
		return 0, err
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New returns a handler serving the MCP endpoint at publicEndpoint, the
// externally visible URL of the endpoint (scheme, host, path).
func New(publicEndpoint string, eng *engine.Engine, opts ...Option) (*Handler, error) {
	if eng == nil {
		return nil, errors.New("streaminghttp: engine is required")
	}
	mcpURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("streaminghttp: invalid endpoint URL %q: %w", publicEndpoint, err)
	}
	if mcpURL.Scheme != "https" && mcpURL.Scheme != "http" {
		return nil, fmt.Errorf("streaminghttp: endpoint URL must use HTTP or HTTPS scheme, got %q", mcpURL.Scheme)
	}

	cfg := &config{logger: slog.Default(), keepAlive: DefaultKeepAlive}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler{
		log:       logctx.NewLogger(cfg.logger),
		eng:       eng,
		auth:      cfg.auth,
		realm:     cfg.realm,
		keepAlive: cfg.keepAlive,
	}

	mux := http.NewServeMux()
	path := pathOnly(mcpURL)
	mux.HandleFunc("POST "+path, h.handlePostMCP)
	mux.HandleFunc("GET "+path, h.handleGetMCP)
	mux.HandleFunc("DELETE "+path, h.handleDeleteMCP)

	if sd, ok := cfg.auth.(auth.SecurityDescriptor); ok {
		h.prmDocumentURL = wellknown.ProtectedResourceMetadataURL(mcpURL)
		h.prmDocument = &wellknown.ProtectedResourceMetadata{
			Resource:               mcpURL.String(),
			AuthorizationServers:   []string{sd.Issuer()},
			JwksURI:                sd.JWKSURL(),
			ScopesSupported:        sd.ScopesSupported(),
			BearerMethodsSupported: []string{"header"},
			ResourceName:           cfg.serverName,
		}
		prmPath := strings.TrimSuffix(h.prmDocumentURL.Path, "/")
		mux.HandleFunc("GET "+prmPath, h.handleGetProtectedResourceMetadata)
		mux.HandleFunc("OPTIONS "+prmPath, h.handleOptionsProtectedResourceMetadata)
	}

	h.mux = mux
	return h, nil
}

// pathOnly returns the mux pattern path for u. Paths ending in a slash
// match exactly rather than as a subtree.
func pathOnly(u *url.URL) string {
	p := u.Path
	if p == "" {
		p = "/"
	}
	if strings.HasSuffix(p, "/") {
		p += "{$}"
	}
	return p
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// loadSession resolves the Mcp-Session-Id header and checks the protocol
// version header against the session. It writes the failure response itself
// and returns nil in that case.
func (h *Handler) loadSession(ctx context.Context, w http.ResponseWriter, r *http.Request, user auth.UserInfo, mismatchStatus int) *sessions.Session {
	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing "+mcpSessionIDHeader+" header")
		h.log.WarnContext(ctx, "session.id.missing")
		return nil
	}

	sess, err := h.eng.LoadSession(ctx, sessID, user.UserID())
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.load.miss")
			return nil
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return nil
	}

	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" && pv != sess.ProtocolVersion {
		writeJSONError(w, mismatchStatus, "protocol version mismatch")
		h.log.WarnContext(logctx.WithSession(ctx, sess), "protocol.version.mismatch", slog.String("client_version", pv))
		return nil
	}
	return sess
}

// handleDeleteMCP terminates an existing session.
func (h *Handler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	user := h.checkAuthentication(ctx, r, w)
	if user == nil {
		return
	}
	sess := h.loadSession(ctx, w, r, user, http.StatusPreconditionFailed)
	if sess == nil {
		return
	}
	ctx = logctx.WithSession(ctx, sess)

	if err := h.eng.DeleteSession(ctx, sess); err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			h.log.InfoContext(ctx, "session.delete.miss")
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		return
	}

	w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion)
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// handlePostMCP accepts one JSON-RPC message. An initialize request without
// a session creates one; everything else must name an existing session.
func (h *Handler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	user := h.checkAuthentication(ctx, r, w)
	if user == nil {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		h.log.WarnContext(ctx, "body.read.fail", slog.String("err", err.Error()))
		return
	}

	msg, err := jsonrpc.Decode(body)
	switch {
	case errors.Is(err, jsonrpc.ErrBatchUnsupported):
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "JSON-RPC batch arrays are not supported")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	case errors.Is(err, jsonrpc.ErrInvalidVersion), errors.Is(err, jsonrpc.ErrInvalidShape):
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	case err != nil:
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "parse error")
		h.log.WarnContext(ctx, "jsonrpc.message.parse.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Kind().String()})

	if r.Header.Get(mcpSessionIDHeader) == "" {
		h.initialize(ctx, w, user, msg, start)
		return
	}

	sess := h.loadSession(ctx, w, r, user, http.StatusBadRequest)
	if sess == nil {
		return
	}
	ctx = logctx.WithSession(ctx, sess)
	w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion)

	switch msg.Kind() {
	case jsonrpc.KindNotification:
		if err := h.eng.HandleNotification(ctx, sess, msg.AsRequest()); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to handle notification")
			h.log.ErrorContext(ctx, "notification.inbound.fail", slog.String("err", err.Error()))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))

	case jsonrpc.KindResponse:
		// The gateway never issues server-to-client requests.
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "response.inbound.ignored")

	case jsonrpc.KindRequest:
		if msg.Method == string(mcp.InitializeMethod) {
			writeJSONError(w, http.StatusConflict, "session already initialized")
			h.log.WarnContext(ctx, "session.initialize.redundant")
			return
		}
		h.handleRequest(ctx, w, r, sess, msg.AsRequest(), start)
	}
}

func (h *Handler) initialize(ctx context.Context, w http.ResponseWriter, user auth.UserInfo, msg *jsonrpc.AnyMessage, start time.Time) {
	req := msg.AsRequest()
	if req == nil || msg.Kind() != jsonrpc.KindRequest || req.Method != string(mcp.InitializeMethod) {
		writeJSONError(w, http.StatusBadRequest, "expected initialize request without "+mcpSessionIDHeader)
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}
	var initReq mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &initReq); err != nil {
		res := jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil)
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(res)
		h.log.InfoContext(ctx, "session.initialize.params.fail", slog.String("err", err.Error()))
		return
	}

	sess, initRes, err := h.eng.InitializeSession(ctx, user.UserID(), &initReq)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to initialize session")
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithSession(ctx, sess)

	resp, err := jsonrpc.NewResultResponse(req.ID, initRes)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode initialize response")
		h.log.ErrorContext(ctx, "session.initialize.encode.fail", slog.String("err", err.Error()))
		return
	}
	w.Header().Set(mcpSessionIDHeader, sess.ID)
	w.Header().Set(mcpProtocolVersionHeader, initRes.ProtocolVersion)
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// handleRequest runs a request through the engine and frames the response
// as a single SSE event, or as plain JSON when the client does not accept
// an event stream. Accept order does not matter.
func (h *Handler) handleRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *sessions.Session, req *jsonrpc.Request, start time.Time) {
	reply := eventStreamMediaType
	if r.Header.Get("Accept") != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, streamMediaTypes); err != nil {
			if _, _, err := contenttype.GetAcceptableMediaType(r, jsonMediaTypes); err != nil {
				writeJSONError(w, http.StatusNotAcceptable, "accept must include text/event-stream or application/json")
				h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
				return
			}
			reply = jsonMediaType
		}
	}

	res, err := h.eng.HandleRequest(ctx, sess, req)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
	}
	b, err := json.Marshal(res)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		return
	}

	if reply.Matches(jsonMediaType) {
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
		h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)), slog.String("framing", "json"))
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	setStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := writeSSEEvent(wf, "", b); err != nil {
		h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)), slog.String("framing", "sse"))
}

// handleGetMCP opens the server-to-client stream of a session. The gateway
// has no unsolicited messages, so the stream carries keep-alive comments
// until the client disconnects or the session ends.
func (h *Handler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, streamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must include text/event-stream")
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	user := h.checkAuthentication(ctx, r, w)
	if user == nil {
		return
	}
	sess := h.loadSession(ctx, w, r, user, http.StatusPreconditionFailed)
	if sess == nil {
		return
	}
	ctx = logctx.WithSession(ctx, sess)

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion)
	setStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	wf.Flush()
	h.log.InfoContext(ctx, "sse.stream.start", slog.String("last_event_id", r.Header.Get(lastEventIDHeader)))

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
			return
		case <-ticker.C:
			if _, err := h.eng.LoadSession(ctx, sess.ID, sess.UserID); err != nil {
				h.log.InfoContext(ctx, "sse.stream.session_gone", slog.String("err", err.Error()))
				return
			}
			if _, err := io.WriteString(wf, ": keep-alive\n\n"); err != nil {
				h.log.InfoContext(ctx, "sse.stream.write.fail", slog.String("err", err.Error()))
				return
			}
			wf.Flush()
		}
	}
}

func setStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func (h *Handler) handleOptionsProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// handleGetProtectedResourceMetadata serves the OAuth2 Protected Resource Metadata document.
func (h *Handler) handleGetProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Content-Type", jsonMediaType.String())
	if err := json.NewEncoder(w).Encode(h.prmDocument); err != nil {
		h.log.ErrorContext(r.Context(), "prm.write.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) resourceMetadataURL() string {
	if h.prmDocumentURL == nil {
		return ""
	}
	return h.prmDocumentURL.String()
}

// checkAuthentication returns the caller, or nil after writing an RFC 6750
// challenge.
func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.UserInfo {
	if h.auth == nil {
		return auth.Anonymous()
	}

	authHeader := r.Header.Get(authorizationHeader)
	if authHeader == "" {
		// RFC 6750 §3.1: no error code when no credentials were sent.
		h.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.resourceMetadataURL(), "", ""))
		w.WriteHeader(http.StatusUnauthorized)
		return nil
	}

	const bearerPrefix = "bearer "
	if len(authHeader) <= len(bearerPrefix) || !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.resourceMetadataURL(), "invalid_request", "malformed bearer authorization header"))
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])

	user, err := h.auth.CheckAuthentication(ctx, tok)
	switch {
	case err == nil:
		return user
	case errors.Is(err, auth.ErrInsufficientScope):
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.resourceMetadataURL(), "insufficient_scope", err.Error()))
		w.WriteHeader(http.StatusForbidden)
	case errors.Is(err, auth.ErrUnauthorized):
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.resourceMetadataURL(), "invalid_token", err.Error()))
		w.WriteHeader(http.StatusUnauthorized)
	default:
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
	}
	return nil
}

// writeSSEEvent writes payload as the data field of one SSE event and flushes.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("write SSE event id: %w", err)
		}
	}
	if _, err := wf.Write([]byte("event: message\ndata: ")); err != nil {
		return fmt.Errorf("write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
