// Package account_tools provides the MCP tools that link, list and
// disconnect the Google Calendar accounts of a workspace.
package account_tools
