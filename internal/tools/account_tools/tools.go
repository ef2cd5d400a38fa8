package account_tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/calfanout/internal/server"
	"github.com/teemow/calfanout/internal/tools/common"
)

// RegisterAccountTools registers the account linking tools with the MCP server
func RegisterAccountTools(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	linkOpts := append([]mcp.ToolOption{
		mcp.WithDescription("Start linking a Google Calendar account to the workspace. Returns a consent URL the requesting user must open; it expires after a few minutes and works once."),
	}, common.ScopeOptions()...)
	s.AddTool(mcp.NewTool("accounts_link", linkOpts...),
		common.InstrumentedToolHandler("accounts_link", sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleLink(ctx, request, sc)
		}))

	listOpts := append([]mcp.ToolOption{
		mcp.WithDescription("List the Google Calendar accounts linked to the workspace. Accounts whose stored credentials can no longer be read are flagged for re-linking."),
	}, common.ScopeOptions()...)
	s.AddTool(mcp.NewTool("accounts_list", listOpts...),
		common.InstrumentedToolHandler("accounts_list", sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleList(ctx, request, sc)
		}))

	disconnectOpts := append([]mcp.ToolOption{
		mcp.WithDescription("Disconnect a linked account from the workspace. Its credentials are revoked and events created in it are no longer tracked."),
		mcp.WithString("account",
			mcp.Required(),
			mcp.Description("Email address or account id of the linked account"),
		),
	}, common.ScopeOptions()...)
	s.AddTool(mcp.NewTool("accounts_disconnect", disconnectOpts...),
		common.InstrumentedToolHandler("accounts_disconnect", sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleDisconnect(ctx, request, sc)
		}))

	return nil
}

func handleLink(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	scope, err := common.ScopeFromArgs(sc.Policy(), request.GetArguments())
	if err != nil {
		return common.ErrorResult("start account link", err), nil
	}

	consentURL, err := sc.Link().Start(ctx, scope)
	if err != nil {
		return common.ErrorResult("start account link", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Open this link to connect your Google Calendar:\n%s", consentURL)), nil
}

func handleList(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	scope, err := common.ScopeFromArgs(sc.Policy(), request.GetArguments())
	if err != nil {
		return common.ErrorResult("list accounts", err), nil
	}

	accounts, err := sc.Link().Accounts(ctx, scope)
	if err != nil {
		return common.ErrorResult("list accounts", err), nil
	}

	result, err := json.MarshalIndent(map[string]any{
		"workspace_id": scope.ID,
		"accounts":     accounts,
	}, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to format accounts: %v", err)), nil
	}
	return mcp.NewToolResultText(string(result)), nil
}

func handleDisconnect(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	scope, err := common.ScopeFromArgs(sc.Policy(), args)
	if err != nil {
		return common.ErrorResult("disconnect account", err), nil
	}
	ref, err := common.RequireString(args, "account")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := sc.Link().Disconnect(ctx, scope, ref)
	if err != nil {
		return common.ErrorResult("disconnect account", err), nil
	}

	result, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to format result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(result)), nil
}
