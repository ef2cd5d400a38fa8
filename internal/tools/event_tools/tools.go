package event_tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/calfanout/internal/broadcast"
	"github.com/teemow/calfanout/internal/calendar"
	"github.com/teemow/calfanout/internal/server"
	"github.com/teemow/calfanout/internal/tools/common"
)

const argEventID = "event_id"

// RegisterEventTools registers the broadcast event tools with the MCP server
func RegisterEventTools(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	createOpts := append([]mcp.ToolOption{
		mcp.WithDescription("Create an event in every calendar linked to the workspace. Returns a scoreboard of which accounts succeeded and the event id to use for later updates."),
	}, eventFieldOptions(true)...)
	createOpts = append(createOpts, common.ScopeOptions()...)
	s.AddTool(mcp.NewTool("events_create", createOpts...),
		common.InstrumentedToolHandler("events_create", sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleCreate(ctx, request, sc)
		}))

	updateOpts := append([]mcp.ToolOption{
		mcp.WithDescription("Update an event in every calendar it was created in. Only the given fields change."),
		eventIDOption(),
	}, eventFieldOptions(false)...)
	updateOpts = append(updateOpts, common.ScopeOptions()...)
	s.AddTool(mcp.NewTool("events_update", updateOpts...),
		common.InstrumentedToolHandler("events_update", sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleUpdate(ctx, request, sc)
		}))

	deleteOpts := append([]mcp.ToolOption{
		mcp.WithDescription("Delete an event from every calendar it was created in."),
		eventIDOption(),
	}, common.ScopeOptions()...)
	s.AddTool(mcp.NewTool("events_delete", deleteOpts...),
		common.InstrumentedToolHandler("events_delete", sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleDelete(ctx, request, sc)
		}))

	locateOpts := append([]mcp.ToolOption{
		mcp.WithDescription("Show which linked calendars currently hold an event."),
		eventIDOption(),
	}, common.ScopeOptions()...)
	s.AddTool(mcp.NewTool("events_locate", locateOpts...),
		common.InstrumentedToolHandler("events_locate", sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleLocate(ctx, request, sc)
		}))

	return nil
}

func eventIDOption() mcp.ToolOption {
	return mcp.WithString(argEventID,
		mcp.Required(),
		mcp.Description("Event id returned by events_create, full or the 8-character short form"),
	)
}

func eventFieldOptions(create bool) []mcp.ToolOption {
	required := func(opts ...mcp.PropertyOption) []mcp.PropertyOption {
		if create {
			return append(opts, mcp.Required())
		}
		return opts
	}
	return []mcp.ToolOption{
		mcp.WithString("summary", required(mcp.Description("Event title"))...),
		mcp.WithString("start", required(mcp.Description("Start time (RFC 3339, e.g. '2025-01-02T15:00:00+01:00'; YYYY-MM-DD for all-day events)"))...),
		mcp.WithString("end", required(mcp.Description("End time, same format as start"))...),
		mcp.WithString("description", mcp.Description("Event description")),
		mcp.WithString("location", mcp.Description("Event location")),
		mcp.WithString("timeZone", mcp.Description("IANA time zone, e.g. 'Europe/Berlin' (default: UTC)")),
		mcp.WithBoolean("allDay", mcp.Description("Create an all-day event")),
		mcp.WithString("attendees", mcp.Description("Comma-separated attendee email addresses")),
		mcp.WithString("recurrence", mcp.Description("RRULE for recurring events, e.g. 'RRULE:FREQ=WEEKLY;COUNT=4'")),
	}
}

// parseEventInput reads the event fields of a create or update request.
func parseEventInput(args map[string]any) (calendar.EventInput, error) {
	start, err := common.GetTime(args, "start")
	if err != nil {
		return calendar.EventInput{}, err
	}
	end, err := common.GetTime(args, "end")
	if err != nil {
		return calendar.EventInput{}, err
	}

	input := calendar.EventInput{
		Summary:     common.GetString(args, "summary"),
		Description: common.GetString(args, "description"),
		Location:    common.GetString(args, "location"),
		Start:       start,
		End:         end,
		TimeZone:    common.GetString(args, "timeZone"),
		AllDay:      common.GetBool(args, "allDay"),
		Attendees:   common.ParseList(common.GetString(args, "attendees")),
	}
	if recurrence := common.GetString(args, "recurrence"); recurrence != "" {
		input.Recurrence = []string{recurrence}
	}
	return input, nil
}

func scoreboardResult(sb *broadcast.Scoreboard) *mcp.CallToolResult {
	result := mcp.NewToolResultText(sb.JSON())
	result.Content = append(result.Content, mcp.NewTextContent(sb.Summary()))
	return result
}

func handleCreate(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	scope, err := common.ScopeFromArgs(sc.Policy(), args)
	if err != nil {
		return common.ErrorResult("create event", err), nil
	}
	input, err := parseEventInput(args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sb, err := sc.Orchestrator().Create(ctx, scope, input)
	if err != nil {
		return common.ErrorResult("create event", err), nil
	}
	return scoreboardResult(sb), nil
}

func handleUpdate(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	scope, err := common.ScopeFromArgs(sc.Policy(), args)
	if err != nil {
		return common.ErrorResult("update event", err), nil
	}
	ref, err := common.RequireString(args, argEventID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	input, err := parseEventInput(args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sb, err := sc.Orchestrator().BroadcastUpdate(ctx, scope, ref, input)
	if err != nil {
		return common.ErrorResult("update event", err), nil
	}
	return scoreboardResult(sb), nil
}

func handleDelete(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	scope, err := common.ScopeFromArgs(sc.Policy(), args)
	if err != nil {
		return common.ErrorResult("delete event", err), nil
	}
	ref, err := common.RequireString(args, argEventID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sb, err := sc.Orchestrator().BroadcastDelete(ctx, scope, ref)
	if err != nil {
		return common.ErrorResult("delete event", err), nil
	}
	return scoreboardResult(sb), nil
}

func handleLocate(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	scope, err := common.ScopeFromArgs(sc.Policy(), args)
	if err != nil {
		return common.ErrorResult("locate event", err), nil
	}
	ref, err := common.RequireString(args, argEventID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	loc, err := sc.Orchestrator().Locate(ctx, scope, ref)
	if err != nil {
		return common.ErrorResult("locate event", err), nil
	}
	result, err := json.MarshalIndent(loc, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to format location: %v", err)), nil
	}
	return mcp.NewToolResultText(string(result)), nil
}
