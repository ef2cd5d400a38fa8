package common

import (
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/teemow/calfanout/internal/broadcast"
	"github.com/teemow/calfanout/internal/credential"
	"github.com/teemow/calfanout/internal/handshake"
	"github.com/teemow/calfanout/internal/registry"
	"github.com/teemow/calfanout/internal/workspace"
)

// UserMessage turns an operation error into text fit for a chat user.
// Unknown errors are reported with their message.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, workspace.ErrUnauthorized):
		return "This workspace is not allowed to use the calendar service."
	case errors.Is(err, broadcast.ErrNoActiveAccounts):
		return "No calendar accounts are linked to this workspace yet. Use accounts_link to link one."
	case errors.Is(err, registry.ErrAmbiguousUID):
		return "That short event id matches more than one event. Use the full event id."
	case errors.Is(err, registry.ErrMappingNotFound):
		return "No event with that id is known in this workspace."
	case errors.Is(err, credential.ErrNotFound):
		return "No linked account matches that email or id."
	case errors.Is(err, handshake.ErrRateLimited):
		return "Too many link requests from this workspace. Try again in a minute."
	default:
		return err.Error()
	}
}

// ErrorResult wraps err in a tool error result.
func ErrorResult(action string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: %s", action, UserMessage(err)))
}
