package common

import (
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/teemow/calfanout/internal/workspace"
)

// Argument names shared by every tool.
const (
	ArgWorkspaceID   = "workspace_id"
	ArgWorkspaceKind = "workspace_kind"
	ArgActorID       = "actor_id"
)

// ScopeOptions are the tool parameters identifying the calling workspace.
func ScopeOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString(ArgWorkspaceID,
			mcp.Required(),
			mcp.Description("Id of the chat workspace (conversation) the request comes from"),
		),
		mcp.WithString(ArgWorkspaceKind,
			mcp.Description("Kind of workspace: private, group, supergroup or channel (default: private)"),
			mcp.Enum(string(workspace.KindPrivate), string(workspace.KindGroup), string(workspace.KindSupergroup), string(workspace.KindChannel)),
		),
		mcp.WithString(ArgActorID,
			mcp.Required(),
			mcp.Description("Id of the user who issued the request"),
		),
	}
}

// ScopeFromArgs authorizes the workspace named in args against policy.
func ScopeFromArgs(policy *workspace.Policy, args map[string]any) (workspace.Scope, error) {
	id, err := RequireString(args, ArgWorkspaceID)
	if err != nil {
		return workspace.Scope{}, err
	}
	actor, err := RequireString(args, ArgActorID)
	if err != nil {
		return workspace.Scope{}, err
	}
	kind, err := workspace.ParseKind(GetString(args, ArgWorkspaceKind))
	if err != nil {
		return workspace.Scope{}, err
	}
	return policy.Authorize(id, kind, actor)
}

// GetString returns a trimmed string argument, or "" when absent or of
// another type.
func GetString(args map[string]any, name string) string {
	v, _ := args[name].(string)
	return strings.TrimSpace(v)
}

// RequireString is GetString failing on an empty value.
func RequireString(args map[string]any, name string) (string, error) {
	v := GetString(args, name)
	if v == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return v, nil
}

// GetBool returns a boolean argument, defaulting to false.
func GetBool(args map[string]any, name string) bool {
	v, _ := args[name].(bool)
	return v
}

// GetTime parses an optional RFC 3339 timestamp or, for all-day events,
// a plain YYYY-MM-DD date.
func GetTime(args map[string]any, name string) (time.Time, error) {
	s := GetString(args, name)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q: use RFC 3339 (2025-01-02T15:04:05Z) or YYYY-MM-DD", name, s)
	}
	return t, nil
}

// ParseList splits a comma-separated argument into trimmed, non-empty items.
func ParseList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
