package reporter

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pollwatch/kit"
)

type emptyRequest struct{}

type clearRequest struct {
	Confirm bool `json:"confirm"`
}

// registerTool registers ep with call logging and panic recovery.
func registerTool[Req any](r *Reporter, srv *mcp.Server, tool *mcp.Tool, ep kit.Endpoint) {
	kit.RegisterTool[Req](srv, tool, kit.Chain(kit.Logging(r.cfg.Logger, tool.Name), kit.Recover)(ep))
}

// RegisterMCP registers the pollwatch tools on srv.
func (r *Reporter) RegisterMCP(srv *mcp.Server) {
	none := kit.ObjectSchema(map[string]any{})

	registerTool[emptyRequest](r, srv, &mcp.Tool{
		Name:        "pollwatch_status",
		Description: "Monitoring status: tracked question count, notification count, last check and whether the active Poll Everywhere page is being watched.",
		InputSchema: none,
	}, func(ctx context.Context, _ any) (any, error) {
		return r.Status(ctx)
	})

	registerTool[emptyRequest](r, srv, &mcp.Tool{
		Name:        "pollwatch_history",
		Description: "The five most recently detected poll questions, newest first.",
		InputSchema: none,
	}, func(ctx context.Context, _ any) (any, error) {
		return r.History(ctx)
	})

	registerTool[emptyRequest](r, srv, &mcp.Tool{
		Name:        "pollwatch_force_check",
		Description: "Ask the active Poll Everywhere page to check for new questions now.",
		InputSchema: none,
	}, func(ctx context.Context, _ any) (any, error) {
		return r.ForceCheck(ctx)
	})

	registerTool[clearRequest](r, srv, &mcp.Tool{
		Name:        "pollwatch_clear",
		Description: "Clear all tracked questions and reset counters. Requires confirm=true.",
		InputSchema: kit.ObjectSchema(map[string]any{
			"confirm": map[string]any{"type": "boolean", "description": "Must be true to clear"},
		}, "confirm"),
	}, func(ctx context.Context, req any) (any, error) {
		if err := r.Clear(ctx, req.(*clearRequest).Confirm); err != nil {
			return nil, err
		}
		return map[string]bool{"success": true}, nil
	})

	registerTool[emptyRequest](r, srv, &mcp.Tool{
		Name:        "pollwatch_test_notification",
		Description: "Send a sample notification to verify the notification sinks.",
		InputSchema: none,
	}, func(ctx context.Context, _ any) (any, error) {
		id, err := r.TestNotification(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]string{"id": id}, nil
	})
}
