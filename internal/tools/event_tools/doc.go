// Package event_tools provides the MCP tools that create, update, delete
// and locate events across every calendar linked to a workspace.
package event_tools
