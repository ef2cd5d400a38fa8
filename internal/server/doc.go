// Package server wires calfanout together and serves it over HTTP.
//
// # Key Components
//
// ServerContext is the composition root: it opens the KV store and builds
// the credential store, token manager, event registry, broadcast
// orchestrator and link service from a validated config.Config. MCP tools,
// HTTP handlers and CLI commands all take their dependencies from it.
//
// HTTPServer is the public listener for the streamable-http transport:
//   - /mcp: the MCP endpoint, guarded by a bearer API token
//   - /oauth/callback: the consent redirect of the account link flow,
//     rate limited per client IP
//   - /healthz and /readyz: liveness and readiness (including a storage
//     ping) for Kubernetes probes
//
// MetricsServer exposes Prometheus metrics on a dedicated port.
package server
