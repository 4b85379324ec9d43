package mcpbridge

import (
	"context"

	"github.com/opal-run/opal/tools"
)

// remoteTool adapts one MCP server tool to opal's tools.Tool interface,
// forwarding Execute as a tools/call round trip.
type remoteTool struct {
	tools.Base
	client *Client
	spec   remoteToolSpec
	prefix string
}

func (t *remoteTool) Name() string {
	if t.prefix == "" {
		return t.spec.Name
	}
	return t.prefix + "_" + t.spec.Name
}

func (t *remoteTool) Description() string { return t.spec.Description }

func (t *remoteTool) Parameters() map[string]any {
	if t.spec.InputSchema == nil {
		return map[string]any{"type": "object"}
	}
	return t.spec.InputSchema
}

func (t *remoteTool) Meta(args map[string]any) string {
	return "mcp: " + t.spec.Name
}

func (t *remoteTool) Execute(ctx context.Context, args map[string]any, _ tools.Context) tools.Result {
	text, isError, err := t.client.callTool(ctx, t.spec.Name, args)
	if err != nil {
		return tools.Err(err.Error())
	}
	if isError {
		return tools.Err(text)
	}
	return tools.Ok(text)
}
