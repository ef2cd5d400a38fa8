// Package common provides shared utilities for the calfanout MCP tools:
// workspace scope and argument parsing, error mapping and the
// instrumented handler wrapper.
package common
