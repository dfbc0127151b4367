package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/stager/internal/batch"
	"github.com/kalambet/stager/internal/engine"
	"github.com/kalambet/stager/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    BatchStore
	Machine  Machine
	Registry *batch.Registry
}

// NewMCPServer creates an MCP server exposing batch review tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"stager",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("stager stages record and image imports. Review a batch before approving it."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_batches",
			mcp.WithDescription("List the most recent import batches of one kind."),
			mcp.WithString("kind", mcp.Description("Batch kind: record or image"), mcp.Required()),
			mcp.WithString("source", mcp.Description("Only batches of this source")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of batches (default 20)")),
		),
		mcpListBatches(deps),
	)

	s.AddTool(
		mcp.NewTool("batch_status",
			mcp.WithDescription("Show one batch with its results grouped into created, changed, deleted, errors and warnings."),
			mcp.WithString("id", mcp.Description("Batch id, e.g. museum/1700000000000"), mcp.Required()),
		),
		mcpBatchStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("approve_batch",
			mcp.WithDescription("Confirm a processed record batch so its changes are applied."),
			mcp.WithString("id", mcp.Description("Batch id"), mcp.Required()),
		),
		mcpApproveBatch(deps),
	)

	s.AddTool(
		mcp.NewTool("abandon_batch",
			mcp.WithDescription("Stop a batch that has not finished. Its state becomes error with code ABANDONED."),
			mcp.WithString("id", mcp.Description("Batch id"), mcp.Required()),
		),
		mcpAbandonBatch(deps),
	)

	return s
}

func mcpListBatches(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		kind, err := req.RequireString("kind")
		if err != nil {
			return mcp.NewToolResultError("kind is required"), nil
		}
		k, err := batch.ParseKind(kind)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		list, err := deps.Store.ListBatches(ctx, k, req.GetString("source", ""), limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to list batches: %v", err)), nil
		}
		views := make([]BatchView, 0, len(list))
		for _, b := range list {
			views = append(views, NewBatchView(deps.Registry, b, "en", false))
		}
		return mcpJSON(views)
	}
}

func mcpBatchStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError("id is required"), nil
		}
		b, err := deps.Store.GetBatch(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("batch %s not found", id)), nil
		}
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to get batch: %v", err)), nil
		}
		return mcpJSON(NewBatchView(deps.Registry, b, "en", true))
	}
}

func mcpApproveBatch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError("id is required"), nil
		}
		b, err := deps.Machine.Approve(ctx, id)
		if err != nil {
			return mcpTransitionError(id, err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Approved %s; state is now %s", b.ID, b.State)), nil
	}
}

func mcpAbandonBatch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError("id is required"), nil
		}
		b, err := deps.Machine.Abandon(ctx, id)
		if err != nil {
			return mcpTransitionError(id, err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Abandoned %s", b.ID)), nil
	}
}

func mcpTransitionError(id string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("batch %s not found", id))
	case errors.Is(err, engine.ErrNotApprovable), errors.Is(err, engine.ErrTerminal):
		return mcp.NewToolResultError(fmt.Sprintf("batch %s: %v", id, err))
	}
	return mcp.NewToolResultError(fmt.Sprintf("failed to update batch %s: %v", id, err))
}

// mcpJSON returns v encoded as a single text block.
func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}
