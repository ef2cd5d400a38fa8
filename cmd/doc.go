// Package cmd implements the command-line interface for calfanout.
//
// This package provides the following commands:
//   - serve: Start the MCP server (stdio or streamable-http)
//   - accounts list|disconnect: Inspect and manage linked accounts
//   - events locate: Show where a broadcast event lives
//   - keygen: Generate the encryption key, handshake secret and API token
//   - generate-docs: Generate markdown documentation for all MCP tools
//   - version: Display version information
package cmd
