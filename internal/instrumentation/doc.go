// Package instrumentation provides OpenTelemetry metrics, tracing and audit
// logging for calfanout.
//
// # Metrics
//
//   - http_requests_total, http_request_duration_seconds
//   - google_api_operations_total, google_api_operation_duration_seconds
//   - account_links_total, oauth_token_refresh_total, handshake_tokens_total
//   - broadcast_operations_total, broadcast_duration_seconds
//   - broadcast_account_results_total (operation, outcome, reason)
//   - mcp_tool_invocations_total, mcp_tool_duration_seconds
//
// # Tracing
//
// Spans are created per broadcast (broadcast.<operation>), per account
// within a broadcast (broadcast.account), per Google API call
// (google.<service>.<operation>) and per MCP tool call (tool.<name>).
//
// # Configuration
//
// Config is plain data. The server fills it from the instrumentation
// section of its configuration file and the matching environment
// variables (see internal/config).
//
// # Example Usage
//
//	provider, err := instrumentation.NewProvider(ctx, instrumentation.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer provider.Shutdown(ctx)
//
//	provider.Metrics().RecordBroadcastAccount(ctx, "create", "failed", "credential")
package instrumentation
