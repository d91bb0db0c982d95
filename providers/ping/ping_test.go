package ping

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/google/go-cmp/cmp"
)

func TestPing(t *testing.T) {
	p := New()

	tools, err := p.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "ping" {
		t.Fatalf("unexpected tools %#v", tools)
	}
	if len(tools[0].InputSchema.Required) != 0 {
		t.Fatalf("ping should take no required arguments, got %v", tools[0].InputSchema.Required)
	}

	for _, args := range []json.RawMessage{nil, json.RawMessage(`{}`)} {
		res, err := p.CallTool(context.Background(), "ping", args)
		if err != nil {
			t.Fatalf("CallTool(%s): %v", args, err)
		}
		want := &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "PONG"}}}
		if diff := cmp.Diff(want, res); diff != "" {
			t.Fatalf("result mismatch (-want +got):\n%s", diff)
		}
	}
}
