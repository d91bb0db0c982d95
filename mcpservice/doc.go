// Package mcpservice provides building blocks for providers that expose typed
// tools.
//
// Tools are declared with a Go struct describing their arguments; the input
// schema advertised to clients is reflected from that struct, and incoming
// arguments are decoded into it before the handler runs:
//
//	type EchoArgs struct {
//	    Message string `json:"message" jsonschema:"description=Text to echo"`
//	    Times   int    `json:"times,omitempty" jsonschema:"default=1"`
//	}
//
//	echo := mcpservice.NewTool[EchoArgs]("echo",
//	    func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[EchoArgs]) error {
//	        return w.AppendText(strings.Repeat(r.Args().Message, r.Args().Times))
//	    },
//	    mcpservice.WithToolDescription("Echo a message back to the caller"),
//	)
//
//	tools := mcpservice.MustToolSet(echo)
//	agg, err := aggregate.New(ctx, []aggregate.Entry{aggregate.ToolEntry("echo", tools)})
//
// A ToolSet satisfies aggregate.ToolProvider, so providers typically embed one
// and add resource methods of their own when they serve resources too.
package mcpservice
