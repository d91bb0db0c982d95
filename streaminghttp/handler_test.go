package streaminghttp_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ggoodman/mcp-gateway/aggregate"
	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/internal/engine"
	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/internal/wellknown"
	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/providers/ping"
	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/ggoodman/mcp-gateway/storage/memory"
	"github.com/ggoodman/mcp-gateway/streaminghttp"
)

type sseEvent struct {
	id    string
	event string
	data  []byte
}

// docs serves one static text resource.
type docs struct{}

func (docs) ListResources(context.Context) ([]mcp.Resource, error) {
	return []mcp.Resource{{URI: "docs://readme", Name: "readme", MimeType: "text/plain"}}, nil
}

func (docs) ListResourceTemplates(context.Context) ([]mcp.ResourceTemplate, error) {
	return nil, nil
}

func (docs) ReadResource(_ context.Context, uri string) (*mcp.ResourceContents, error) {
	if uri != "docs://readme" {
		return nil, nil
	}
	return &mcp.ResourceContents{URI: uri, MimeType: "text/plain", Text: "hello"}, nil
}

func TestInitializeAndCall(t *testing.T) {
	srv := mustServer(t)

	resp, sessID := mustInitialize(t, srv, "")
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("initialize content-type = %q", ct)
	}
	if got := resp.Header.Get("Mcp-Protocol-Version"); got != mcp.LatestProtocolVersion {
		t.Fatalf("protocol version header = %q", got)
	}

	resp, evt := mustPostMCP(t, srv, "", sessID, &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.ToolsCallMethod),
		Params:         mustJSON(map[string]any{"name": "ping", "arguments": map[string]any{}}),
		ID:             jsonrpc.IntID(2),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tools/call status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("tools/call content-type = %q", ct)
	}
	if evt.event != "message" {
		t.Fatalf("event = %q", evt.event)
	}

	var res jsonrpc.Response
	mustUnmarshalJSON(t, evt.data, &res)
	if res.Error != nil {
		t.Fatalf("unexpected error: %+v", res.Error)
	}
	if res.ID.String() != "2" {
		t.Fatalf("id = %q", res.ID.String())
	}
	var call mcp.CallToolResult
	mustUnmarshalJSON(t, res.Result, &call)
	if call.IsError || len(call.Content) != 1 {
		t.Fatalf("result = %+v", call)
	}
	if c := call.Content[0]; c.Type != mcp.ContentTypeText || c.Text != ping.Reply {
		t.Fatalf("content = %+v", c)
	}
}

func TestInitializeAdvertisesCapabilities(t *testing.T) {
	srv := mustServer(t)

	resp, err := doPostMCP(t, srv, "", "", initializeRequest())
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var res jsonrpc.Response
	mustUnmarshalJSON(t, mustReadAll(t, resp.Body), &res)

	var init mcp.InitializeResult
	mustUnmarshalJSON(t, res.Result, &init)
	if init.Capabilities.Tools == nil || init.Capabilities.Resources == nil {
		t.Fatalf("capabilities = %+v", init.Capabilities)
	}
	if init.ServerInfo.Name != "test-server" {
		t.Fatalf("server info = %+v", init.ServerInfo)
	}
}

func TestPostJSONOnlyAccept(t *testing.T) {
	srv := mustServer(t)
	_, sessID := mustInitialize(t, srv, "")

	body := mustJSON(&jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.PingMethod), ID: jsonrpc.StringID("p")})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Mcp-Session-Id", sessID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content-type = %q", ct)
	}
	var res jsonrpc.Response
	mustUnmarshalJSON(t, mustReadAll(t, resp.Body), &res)
	if string(res.Result) != "{}" {
		t.Fatalf("ping result = %s", res.Result)
	}
}

func TestPostAcceptNegotiation(t *testing.T) {
	srv := mustServer(t)
	_, sessID := mustInitialize(t, srv, "")

	cases := []struct {
		accept     string
		wantStatus int
		wantType   string
	}{
		{accept: "application/json, text/event-stream", wantStatus: http.StatusOK, wantType: "text/event-stream"},
		{accept: "text/event-stream, application/json", wantStatus: http.StatusOK, wantType: "text/event-stream"},
		{accept: "application/json;q=1.0, text/event-stream;q=0.5", wantStatus: http.StatusOK, wantType: "text/event-stream"},
		{accept: "*/*", wantStatus: http.StatusOK, wantType: "text/event-stream"},
		{accept: "application/json", wantStatus: http.StatusOK, wantType: "application/json"},
		{accept: "text/html", wantStatus: http.StatusNotAcceptable},
	}
	for _, tc := range cases {
		t.Run(tc.accept, func(t *testing.T) {
			body := mustJSON(&jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.PingMethod), ID: jsonrpc.IntID(9)})
			req, _ := http.NewRequest(http.MethodPost, srv.URL+"/", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", tc.accept)
			req.Header.Set("Mcp-Session-Id", sessID)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.wantStatus)
			}
			if tc.wantStatus != http.StatusOK {
				return
			}
			if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, tc.wantType) {
				t.Fatalf("content-type = %q, want %s", ct, tc.wantType)
			}
			data := mustReadAll(t, resp.Body)
			if tc.wantType == "text/event-stream" {
				evt, err := readOneSSE(bytes.NewReader(data))
				if err != nil {
					t.Fatalf("sse read: %v", err)
				}
				data = evt.data
			}
			var res jsonrpc.Response
			mustUnmarshalJSON(t, data, &res)
			if res.ID.String() != "9" || res.Error != nil {
				t.Fatalf("response = %+v", res)
			}
		})
	}
}

func TestPostRejects(t *testing.T) {
	srv := mustServer(t)
	_, sessID := mustInitialize(t, srv, "")

	cases := []struct {
		name        string
		body        string
		contentType string
		sessionID   string
		version     string
		wantStatus  int
		wantCode    jsonrpc.ErrorCode
	}{
		{name: "wrong content type", body: `{}`, contentType: "text/plain", wantStatus: http.StatusUnsupportedMediaType},
		{name: "batch", body: `[{"jsonrpc":"2.0","method":"ping","id":1}]`, sessionID: sessID, wantStatus: http.StatusBadRequest, wantCode: jsonrpc.ErrorCodeInvalidRequest},
		{name: "malformed json", body: `{"jsonrpc":`, sessionID: sessID, wantStatus: http.StatusBadRequest, wantCode: jsonrpc.ErrorCodeParseError},
		{name: "bad version", body: `{"jsonrpc":"1.0","method":"ping","id":1}`, sessionID: sessID, wantStatus: http.StatusBadRequest, wantCode: jsonrpc.ErrorCodeInvalidRequest},
		{name: "no session non-initialize", body: `{"jsonrpc":"2.0","method":"ping","id":1}`, wantStatus: http.StatusBadRequest},
		{name: "unknown session", body: `{"jsonrpc":"2.0","method":"ping","id":1}`, sessionID: "nope", wantStatus: http.StatusNotFound},
		{name: "version mismatch", body: `{"jsonrpc":"2.0","method":"ping","id":1}`, sessionID: sessID, version: "2024-11-05", wantStatus: http.StatusBadRequest},
		{name: "initialize twice", body: string(mustJSON(initializeRequest())), sessionID: sessID, wantStatus: http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, srv.URL+"/", strings.NewReader(tc.body))
			ct := tc.contentType
			if ct == "" {
				ct = "application/json"
			}
			req.Header.Set("Content-Type", ct)
			req.Header.Set("Accept", "application/json, text/event-stream")
			if tc.sessionID != "" {
				req.Header.Set("Mcp-Session-Id", tc.sessionID)
			}
			if tc.version != "" {
				req.Header.Set("Mcp-Protocol-Version", tc.version)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.wantStatus)
			}
			if tc.wantCode != 0 {
				var res jsonrpc.Response
				mustUnmarshalJSON(t, mustReadAll(t, resp.Body), &res)
				if res.Error == nil || res.Error.Code != tc.wantCode {
					t.Fatalf("error = %+v, want code %d", res.Error, tc.wantCode)
				}
			}
		})
	}
}

func TestNotificationAccepted(t *testing.T) {
	srv := mustServer(t)
	_, sessID := mustInitialize(t, srv, "")

	resp, err := doPostMCP(t, srv, "", sessID, &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.InitializedNotificationMethod),
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestDeleteSession(t *testing.T) {
	srv := mustServer(t)
	_, sessID := mustInitialize(t, srv, "")

	del := func() int {
		req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/", nil)
		req.Header.Set("Mcp-Session-Id", sessID)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if got := del(); got != http.StatusNoContent {
		t.Fatalf("first delete = %d", got)
	}
	if got := del(); got != http.StatusNotFound {
		t.Fatalf("second delete = %d", got)
	}

	resp, _ := mustPostMCP(t, srv, "", sessID, &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.PingMethod), ID: jsonrpc.IntID(1)})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("post after delete = %d", resp.StatusCode)
	}
}

func TestGetStreamKeepAlive(t *testing.T) {
	srv := mustServer(t, withKeepAlive(10*time.Millisecond))
	_, sessID := mustInitialize(t, srv, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimSpace(line) != ": keep-alive" {
		t.Fatalf("first line = %q", line)
	}
}

func TestGetRequiresEventStream(t *testing.T) {
	srv := mustServer(t)
	_, sessID := mustInitialize(t, srv, "")

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Mcp-Session-Id", sessID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotAcceptable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

// tokenAuth accepts "Bearer <user>" and rejects "Bearer bad" and "Bearer noscope".
type tokenAuth struct{}

func (tokenAuth) CheckAuthentication(_ context.Context, tok string) (auth.UserInfo, error) {
	switch tok {
	case "bad":
		return nil, fmt.Errorf("%w: signature invalid", auth.ErrUnauthorized)
	case "noscope":
		return nil, fmt.Errorf("%w: missing mcp", auth.ErrInsufficientScope)
	case "boom":
		return nil, errors.New("jwks unavailable")
	}
	return user(tok), nil
}

func (tokenAuth) Issuer() string            { return "https://issuer.example" }
func (tokenAuth) JWKSURL() string           { return "https://issuer.example/keys" }
func (tokenAuth) ScopesSupported() []string { return []string{"mcp"} }

type user string

func (u user) UserID() string       { return string(u) }
func (u user) Claims(ref any) error { return json.Unmarshal([]byte(`{}`), ref) }

func TestAuthentication(t *testing.T) {
	srv := mustServer(t, withAuth(tokenAuth{}))

	cases := []struct {
		name          string
		header        string
		wantStatus    int
		wantChallenge string
	}{
		{"missing", "", http.StatusUnauthorized, `Bearer realm="mcp", resource_metadata="` + srv.URL + `/.well-known/oauth-protected-resource/"`},
		{"malformed", "Basic abc", http.StatusBadRequest, `error="invalid_request"`},
		{"invalid", "Bearer bad", http.StatusUnauthorized, `error="invalid_token"`},
		{"scope", "Bearer noscope", http.StatusForbidden, `error="insufficient_scope"`},
		{"internal", "Bearer boom", http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := doPostMCP(t, srv, tc.header, "", initializeRequest())
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.wantStatus)
			}
			if got := resp.Header.Get("WWW-Authenticate"); !strings.Contains(got, tc.wantChallenge) {
				t.Fatalf("challenge = %q, want it to contain %q", got, tc.wantChallenge)
			}
		})
	}
}

func TestSessionBoundToUser(t *testing.T) {
	srv := mustServer(t, withAuth(tokenAuth{}))
	_, sessID := mustInitialize(t, srv, "Bearer alice")

	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.PingMethod), ID: jsonrpc.IntID(1)}
	resp, _ := mustPostMCP(t, srv, "Bearer alice", sessID, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner status = %d", resp.StatusCode)
	}
	resp, _ = mustPostMCP(t, srv, "Bearer mallory", sessID, req)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign user status = %d", resp.StatusCode)
	}
}

func TestProtectedResourceMetadata(t *testing.T) {
	srv := mustServer(t, withAuth(tokenAuth{}), withPath("/mcp"))

	resp, err := http.Get(srv.URL + "/.well-known/oauth-protected-resource/mcp")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("cors = %q", got)
	}
	var prm wellknown.ProtectedResourceMetadata
	mustUnmarshalJSON(t, mustReadAll(t, resp.Body), &prm)
	if prm.Resource != srv.URL+"/mcp" {
		t.Fatalf("resource = %q", prm.Resource)
	}
	if len(prm.AuthorizationServers) != 1 || prm.AuthorizationServers[0] != "https://issuer.example" {
		t.Fatalf("authorization servers = %v", prm.AuthorizationServers)
	}
	if prm.JwksURI != "https://issuer.example/keys" || prm.ResourceName != "test-server" {
		t.Fatalf("prm = %+v", prm)
	}

	opt, _ := http.NewRequest(http.MethodOptions, srv.URL+"/.well-known/oauth-protected-resource/mcp", nil)
	oresp, err := http.DefaultClient.Do(opt)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	oresp.Body.Close()
	if oresp.StatusCode != http.StatusNoContent {
		t.Fatalf("options status = %d", oresp.StatusCode)
	}
}

func TestNoMetadataWhenAnonymous(t *testing.T) {
	srv := mustServer(t)
	resp, err := http.Get(srv.URL + "/.well-known/oauth-protected-resource/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Fatal("metadata served without an authenticator")
	}
}

func TestNewValidatesEndpoint(t *testing.T) {
	eng := newEngine(t)
	if _, err := streaminghttp.New("ftp://example.com/mcp", eng); err == nil {
		t.Fatal("expected scheme error")
	}
	if _, err := streaminghttp.New("http://example.com/mcp", nil); err == nil {
		t.Fatal("expected engine error")
	}
}

func TestGoSDKClient(t *testing.T) {
	ctx := t.Context()
	srv := mustServer(t, withPath("/mcp"))

	client := sdk.NewClient(&sdk.Implementation{Name: "e2e", Version: "0.0.0"}, &sdk.ClientOptions{})
	transport := &sdk.StreamableClientTransport{Endpoint: srv.URL + "/mcp"}
	cs, err := client.Connect(ctx, transport, &sdk.ClientSessionOptions{})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer cs.Close()

	tools, err := cs.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(tools.Tools) != 1 || tools.Tools[0].Name != "ping" {
		t.Fatalf("tools = %+v", tools.Tools)
	}

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{Name: "ping", Arguments: map[string]any{}})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if res.IsError || len(res.Content) != 1 {
		t.Fatalf("CallTool result = %+v", res)
	}
	if tc, ok := res.Content[0].(*sdk.TextContent); !ok || tc.Text != ping.Reply {
		t.Fatalf("content = %#v", res.Content[0])
	}

	lr, err := cs.ListResources(ctx, &sdk.ListResourcesParams{})
	if err != nil {
		t.Fatalf("ListResources failed: %v", err)
	}
	if len(lr.Resources) != 1 {
		t.Fatalf("resources = %+v", lr.Resources)
	}
	rr, err := cs.ReadResource(ctx, &sdk.ReadResourceParams{URI: lr.Resources[0].URI})
	if err != nil {
		t.Fatalf("ReadResource failed: %v", err)
	}
	if len(rr.Contents) != 1 || rr.Contents[0].Text != "hello" {
		t.Fatalf("contents = %+v", rr.Contents)
	}
}

// ============================================================================
// Test Server Utility
// ============================================================================

type serverOption func(*serverConfig)

type serverConfig struct {
	authenticator auth.Authenticator
	path          string
	keepAlive     time.Duration
}

func withAuth(a auth.Authenticator) serverOption {
	return func(c *serverConfig) { c.authenticator = a }
}

func withPath(p string) serverOption {
	return func(c *serverConfig) { c.path = p }
}

func withKeepAlive(d time.Duration) serverOption {
	return func(c *serverConfig) { c.keepAlive = d }
}

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	log := slog.New(testLogHandler(t))

	agg, err := aggregate.New(context.Background(), []aggregate.Entry{
		aggregate.ToolEntry(ping.Name, ping.New()),
		aggregate.ResourceEntry("docs", docs{}),
	}, aggregate.WithLogger(log))
	if err != nil {
		t.Fatalf("aggregate.New: %v", err)
	}
	store, err := memory.New(100)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return engine.New(agg, sessions.NewManager(store, sessions.WithLogger(log)),
		engine.WithLogger(log),
		engine.WithServerInfo(mcp.ImplementationInfo{Name: "test-server", Version: "test"}),
	)
}

func mustServer(t *testing.T, options ...serverOption) *httptest.Server {
	t.Helper()
	cfg := &serverConfig{path: "/"}
	for _, opt := range options {
		opt(cfg)
	}

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	opts := []streaminghttp.Option{
		streaminghttp.WithLogger(slog.New(testLogHandler(t))),
		streaminghttp.WithServerName("test-server"),
		streaminghttp.WithRealm("mcp"),
	}
	if cfg.authenticator != nil {
		opts = append(opts, streaminghttp.WithAuthenticator(cfg.authenticator))
	}
	if cfg.keepAlive > 0 {
		opts = append(opts, streaminghttp.WithKeepAlive(cfg.keepAlive))
	}
	h, err := streaminghttp.New(srv.URL+cfg.path, newEngine(t), opts...)
	if err != nil {
		t.Fatalf("streaminghttp.New: %v", err)
	}
	handler = h
	return srv
}

func initializeRequest() *jsonrpc.Request {
	return &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.InitializeMethod),
		Params: mustJSON(mcp.InitializeRequest{
			ProtocolVersion: mcp.LatestProtocolVersion,
			ClientInfo:      mcp.ImplementationInfo{Name: "test-client", Version: "1.0.0"},
		}),
		ID: jsonrpc.IntID(1),
	}
}

// mustInitialize runs the handshake and returns the initialize response and
// the new session id.
func mustInitialize(t *testing.T, srv *httptest.Server, authHeader string) (*http.Response, string) {
	t.Helper()
	resp, err := doPostMCP(t, srv, authHeader, "", initializeRequest())
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize status = %d", resp.StatusCode)
	}
	sessID := resp.Header.Get("Mcp-Session-Id")
	if sessID == "" {
		t.Fatal("initialize returned no session id")
	}
	return resp, sessID
}

func doPostMCP(t *testing.T, srv *httptest.Server, authHeader, sessionID string, req *jsonrpc.Request) (*http.Response, error) {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	httpReq, err := http.NewRequest(http.MethodPost, srv.URL+"/", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	httpReq.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		httpReq.Header.Set("Authorization", authHeader)
	}
	if sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", sessionID)
		httpReq.Header.Set("Mcp-Protocol-Version", mcp.LatestProtocolVersion)
	}
	return http.DefaultClient.Do(httpReq)
}

// mustPostMCP posts and parses a response. If the response is an SSE stream
// it reads exactly one event. Otherwise it reads the full body as a single
// JSON payload.
func mustPostMCP(t *testing.T, srv *httptest.Server, authHeader, sessionID string, req *jsonrpc.Request) (*http.Response, sseEvent) {
	t.Helper()
	resp, err := doPostMCP(t, srv, authHeader, sessionID, req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return resp, sseEvent{}
	}
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "text/event-stream") {
		evt, err := readOneSSE(resp.Body)
		if err != nil {
			t.Fatalf("sse read: %v", err)
		}
		return resp, evt
	}
	return resp, sseEvent{data: mustReadAll(t, resp.Body)}
}

func readOneSSE(r io.Reader) (sseEvent, error) {
	br := bufio.NewReader(r)
	var (
		event   sseEvent
		dataBuf bytes.Buffer
	)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return sseEvent{}, io.ErrUnexpectedEOF
			}
			return sseEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if dataBuf.Len() == 0 {
				continue
			}
			event.data = append([]byte(nil), dataBuf.Bytes()...)
			return event, nil
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			event.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			event.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			if dataBuf.Len() > 0 {
				dataBuf.WriteByte('\n')
			}
			dataBuf.WriteString(strings.TrimPrefix(line, "data: "))
		}
	}
}

func mustReadAll(t *testing.T, r io.Reader) []byte {
	t.Helper()
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return b
}

func mustUnmarshalJSON[T any](t *testing.T, data []byte, v *T) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal json: %v\ninput: %s", err, string(data))
	}
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

type logBridge struct {
	slog.Handler
	t   testing.TB
	buf *bytes.Buffer
	mu  *sync.Mutex
}

func (b *logBridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.Handler.Handle(ctx, rec); err != nil {
		return err
	}
	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}
	b.t.Helper()
	b.t.Log(string(bytes.TrimSuffix(output, []byte("\n"))))
	return nil
}

func (b *logBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithAttrs(attrs)}
}

func (b *logBridge) WithGroup(name string) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithGroup(name)}
}

func testLogHandler(t *testing.T) *logBridge {
	b := &logBridge{t: t, buf: &bytes.Buffer{}, mu: &sync.Mutex{}}
	b.Handler = slog.NewTextHandler(b.buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return b
}
