package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/ggoodman/mcp-gateway/sessions"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(slog.New(slog.NewJSONHandler(&buf, nil))).With(slog.String("component", "test"))

	ctx := WithRequestData(context.Background(), &RequestData{RequestID: "r1", Method: "POST", Path: "/mcp"})
	ctx = WithSession(ctx, &sessions.Session{ID: "s1", UserID: "alice", ProtocolVersion: "2025-06-18", State: sessions.StateOpen})
	ctx = WithRPCMessage(ctx, &RPCMessage{Method: "tools/call", ID: "7", Type: "request"})
	ctx = WithToolCallData(ctx, &ToolCallData{ToolName: "ping"})

	log.InfoContext(ctx, "tool.call.ok")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log record: %v\n%s", err, buf.String())
	}
	if rec["component"] != "test" {
		t.Fatalf("WithAttrs lost: %v", rec)
	}
	checks := map[string]string{
		"req":  "r1",
		"sess": "s1",
		"rpc":  "7",
	}
	for group, id := range checks {
		g, ok := rec[group].(map[string]any)
		if !ok {
			t.Fatalf("missing group %q in %v", group, rec)
		}
		if g["id"] != id {
			t.Fatalf("%s.id = %v, want %s", group, g["id"], id)
		}
	}
	if tool, _ := rec["tool"].(map[string]any); tool["name"] != "ping" {
		t.Fatalf("tool group = %v", rec["tool"])
	}
}

func TestNewLoggerDoesNotDoubleWrap(t *testing.T) {
	log := NewLogger(slog.New(slog.DiscardHandler))
	if again := NewLogger(log); again != log {
		t.Fatal("expected the same logger back")
	}
}
