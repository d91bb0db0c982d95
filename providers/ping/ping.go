// Package ping provides a liveness tool that always answers "PONG".
package ping

import (
	"context"

	"github.com/ggoodman/mcp-gateway/mcpservice"
)

// Name is the registration name of the ping provider.
const Name = "ping"

// Reply is the text returned by the ping tool.
const Reply = "PONG"

// Provider serves the ping tool.
type Provider struct {
	*mcpservice.ToolSet
}

type pingArgs struct{}

// New returns a ping provider.
func New() *Provider {
	tool := mcpservice.NewTool[pingArgs]("ping", func(ctx context.Context, w mcpservice.ToolResponseWriter, _ *mcpservice.ToolRequest[pingArgs]) error {
		return w.AppendText(Reply)
	}, mcpservice.WithToolDescription("Check that the gateway is alive. Always answers PONG."))

	return &Provider{ToolSet: mcpservice.MustToolSet(tool)}
}
