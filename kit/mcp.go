package kit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pollwatch/idgen"
)

// ObjectSchema builds a JSON Schema of type "object".
func ObjectSchema(properties map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// RegisterTool exposes endpoint as an MCP tool. Arguments are decoded into
// a fresh Req; the endpoint's result is returned as JSON text. Errors become
// tool errors, not protocol errors. Calls without a trace id get a fresh one.
func RegisterTool[Req any](srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint) {
	srv.AddTool(tool, func(ctx context.Context, call *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		req := new(Req)
		if args := call.Params.Arguments; len(args) > 0 {
			if err := json.Unmarshal(args, req); err != nil {
				return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
			}
		}

		ctx = WithTransport(ctx, "mcp")
		if GetTraceID(ctx) == "" {
			ctx = WithTraceID(ctx, idgen.New())
		}
		resp, err := endpoint(ctx, req)
		if err != nil {
			return toolError(errors.New(err.Error())), nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return toolError(fmt.Errorf("marshal: %w", err)), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

func toolError(err error) *mcp.CallToolResult {
	var res mcp.CallToolResult
	res.SetError(err)
	return &res
}
