package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/calfanout/internal/config"
	"github.com/teemow/calfanout/internal/instrumentation"
	"github.com/teemow/calfanout/internal/ratelimit"
	"github.com/teemow/calfanout/internal/server"
)

const (
	transportStdio = "stdio"
	transportHTTP  = "streamable-http"

	// Callback requests allowed per client IP: one every callbackEvery,
	// with bursts of callbackBurst.
	callbackEvery = 2 * time.Second
	callbackBurst = 20
)

// serveOptions holds the serve flags. Each one only overrides the
// configuration when it was set explicitly.
type serveOptions struct {
	transport        string
	debug            bool
	disableStreaming bool

	httpAddr   string
	baseURL    string
	trustProxy bool

	storageType     string
	sqlitePath      string
	valkeyURL       string
	valkeyPassword  string
	valkeyTLS       bool
	valkeyKeyPrefix string
	valkeyDB        int

	googleClientID     string
	googleClientSecret string

	allowedWorkspaces []string

	metricsEnabled bool
	metricsAddr    string

	tracingExporter string
	otlpEndpoint    string

	logFormat string
	logLevel  string
}

func newServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the Model Context Protocol (MCP) server providing the account linking
and event broadcast tools.

Supports multiple transport types:
  - stdio: Standard input/output (default)
  - streamable-http: Streamable HTTP transport, which also serves the OAuth
    callback of the account linking flow and the health probes

Configuration is read from --config, then the environment (CALFANOUT_*,
GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET, VALKEY_*), then explicitly set flags.

Required settings:
  CALFANOUT_ENCRYPTION_KEY  base64 32-byte key sealing stored credentials
  CALFANOUT_STATE_SECRET    base64 secret (32+ bytes) signing link handshakes
  Generate both with: calfanout keygen

The streamable-http transport also requires CALFANOUT_API_TOKEN (32+
characters). MCP clients send it as "Authorization: Bearer <token>".

Account linking additionally needs a Google OAuth client and a public
base URL (--base-url) whose /oauth/callback is registered with Google.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			opts.apply(cmd, cfg)
			if err := validateServe(cfg, opts); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runServe(cfg, opts)
		},
	}

	opts.addFlags(cmd)

	return cmd
}

func (o *serveOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.transport, "transport", transportStdio, "Transport type: stdio or streamable-http")
	cmd.Flags().BoolVar(&o.debug, "debug", false, "Enable debug logging (same as --log-level debug)")
	cmd.Flags().BoolVar(&o.disableStreaming, "disable-streaming", false, "Disable streaming for HTTP transport (for compatibility with certain clients)")

	cmd.Flags().StringVar(&o.httpAddr, "http-addr", ":8080", "HTTP server address (for streamable-http transport). Can also use CALFANOUT_HTTP_ADDR env var.")
	cmd.Flags().StringVar(&o.baseURL, "base-url", "", "Public base URL, used for the OAuth callback. Must be https except for localhost. Can also use CALFANOUT_BASE_URL env var. Example: https://calendar.example.com")
	cmd.Flags().BoolVar(&o.trustProxy, "trust-proxy", false, "Trust X-Forwarded-For when rate limiting callbacks. Only enable behind a reverse proxy. Can also use CALFANOUT_TRUST_PROXY env var.")

	cmd.Flags().StringVar(&o.storageType, "storage-type", "memory", "Storage backend: memory, sqlite or valkey. Can also use CALFANOUT_STORAGE_TYPE env var.")
	cmd.Flags().StringVar(&o.sqlitePath, "sqlite-path", "calfanout.db", "SQLite database file. Can also use CALFANOUT_SQLITE_PATH env var.")
	cmd.Flags().StringVar(&o.valkeyURL, "valkey-url", "", "Valkey server address (e.g., valkey.namespace.svc:6379). Can also use VALKEY_URL env var.")
	cmd.Flags().StringVar(&o.valkeyPassword, "valkey-password", "", "Valkey authentication password. Can also use VALKEY_PASSWORD env var.")
	cmd.Flags().BoolVar(&o.valkeyTLS, "valkey-tls", false, "Enable TLS for Valkey connections. Can also use VALKEY_TLS_ENABLED env var.")
	cmd.Flags().StringVar(&o.valkeyKeyPrefix, "valkey-key-prefix", "calfanout:", "Prefix for all Valkey keys. Can also use VALKEY_KEY_PREFIX env var.")
	cmd.Flags().IntVar(&o.valkeyDB, "valkey-db", 0, "Valkey database number. Can also use VALKEY_DB env var.")

	cmd.Flags().StringVar(&o.googleClientID, "google-client-id", "", "Google OAuth Client ID. Can also use GOOGLE_CLIENT_ID env var.")
	cmd.Flags().StringVar(&o.googleClientSecret, "google-client-secret", "", "Google OAuth Client Secret. Can also use GOOGLE_CLIENT_SECRET env var.")

	cmd.Flags().StringSliceVar(&o.allowedWorkspaces, "allowed-workspaces", nil, "Workspace ids allowed to use the service (comma-separated). Empty allows every workspace. Can also use CALFANOUT_ALLOWED_WORKSPACES env var.")

	cmd.Flags().BoolVar(&o.metricsEnabled, "metrics-enabled", true, "Enable the metrics server on a dedicated port. Can also use CALFANOUT_METRICS_ENABLED env var.")
	cmd.Flags().StringVar(&o.metricsAddr, "metrics-addr", ":9090", "Metrics server address. Can also use CALFANOUT_METRICS_ADDR env var.")
	cmd.Flags().StringVar(&o.tracingExporter, "tracing-exporter", "none", "Tracing exporter: otlp, stdout or none. Can also use CALFANOUT_TRACING_EXPORTER env var.")
	cmd.Flags().StringVar(&o.otlpEndpoint, "otlp-endpoint", "", "OTLP collector endpoint (e.g., otel-collector:4318). Can also use OTEL_EXPORTER_OTLP_ENDPOINT env var.")

	cmd.Flags().StringVar(&o.logFormat, "log-format", "text", "Log format: text or json. Can also use CALFANOUT_LOG_FORMAT env var.")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "info", "Log level: debug, info, warn or error. Can also use CALFANOUT_LOG_LEVEL env var.")
}

// validateServe checks cfg for the selected transport.
func validateServe(cfg *config.Config, opts serveOptions) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if opts.transport == transportHTTP {
		return cfg.RequireAPIToken()
	}
	return nil
}

// apply overlays the flags the user set explicitly onto cfg.
func (o *serveOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed

	if changed("http-addr") {
		cfg.HTTP.Addr = o.httpAddr
	}
	if changed("base-url") {
		cfg.HTTP.BaseURL = o.baseURL
	}
	if changed("trust-proxy") {
		cfg.HTTP.TrustProxy = o.trustProxy
	}
	if changed("storage-type") {
		cfg.Storage.Type = o.storageType
	}
	if changed("sqlite-path") {
		cfg.Storage.SQLite.Path = o.sqlitePath
	}
	if changed("valkey-url") {
		cfg.Storage.Valkey.URL = o.valkeyURL
	}
	if changed("valkey-password") {
		cfg.Storage.Valkey.Password = o.valkeyPassword
	}
	if changed("valkey-tls") {
		cfg.Storage.Valkey.TLSEnabled = o.valkeyTLS
	}
	if changed("valkey-key-prefix") {
		cfg.Storage.Valkey.KeyPrefix = o.valkeyKeyPrefix
	}
	if changed("valkey-db") {
		cfg.Storage.Valkey.DB = o.valkeyDB
	}
	if changed("google-client-id") {
		cfg.Google.ClientID = o.googleClientID
	}
	if changed("google-client-secret") {
		cfg.Google.ClientSecret = o.googleClientSecret
	}
	if changed("allowed-workspaces") {
		cfg.Workspaces.Allowed = o.allowedWorkspaces
	}
	if changed("metrics-enabled") {
		cfg.Metrics.Enabled = o.metricsEnabled
	}
	if changed("metrics-addr") {
		cfg.Metrics.Addr = o.metricsAddr
	}
	if changed("tracing-exporter") {
		cfg.Instrumentation.TracingExporter = o.tracingExporter
	}
	if changed("otlp-endpoint") {
		cfg.Instrumentation.OTLPEndpoint = o.otlpEndpoint
	}
	if changed("log-format") {
		cfg.Logging.Format = o.logFormat
	}
	if changed("log-level") {
		cfg.Logging.Level = o.logLevel
	}
	if o.debug {
		cfg.Logging.Level = "debug"
	}
}

func runServe(cfg *config.Config, opts serveOptions) error {
	// Setup graceful shutdown
	shutdownCtx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	provider, err := instrumentation.NewProvider(shutdownCtx, cfg.InstrumentationSettings(version))
	if err != nil {
		return fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			logger.Warn("Error during instrumentation shutdown", slog.Any("error", err))
		}
	}()

	// Start metrics server if enabled and not in stdio mode
	var metricsServer *server.MetricsServer
	if opts.transport != transportStdio && cfg.Metrics.Enabled && provider.Enabled() {
		metricsServer, err = startMetricsServer(cfg.Metrics.Addr, provider, logger)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(ctx); err != nil {
				logger.Warn("Error during metrics server shutdown", slog.Any("error", err))
			}
		}()
	}

	if err := cfg.RequireGoogle(); err != nil {
		logger.Warn("Google OAuth is not configured; linking and broadcasting will fail", slog.Any("reason", err))
	}

	serverContext, err := server.NewServerContext(shutdownCtx, cfg, server.Options{
		Logger:          logger,
		Instrumentation: provider,
	})
	if err != nil {
		return fmt.Errorf("failed to create server context: %w", err)
	}
	defer func() {
		if err := serverContext.Shutdown(); err != nil {
			logger.Warn("Error during server context shutdown", slog.Any("error", err))
		}
	}()

	mcpSrv, err := newMCPServer(serverContext)
	if err != nil {
		return err
	}

	switch opts.transport {
	case transportStdio:
		return runStdioServer(mcpSrv)
	case transportHTTP:
		return runStreamableHTTPServer(shutdownCtx, mcpSrv, serverContext, cfg, opts.disableStreaming)
	default:
		return fmt.Errorf("unsupported transport type: %s (supported: stdio, streamable-http)", opts.transport)
	}
}

// startMetricsServer starts the metrics listener and waits until it is
// bound.
func startMetricsServer(addr string, provider *instrumentation.Provider, logger *slog.Logger) (*server.MetricsServer, error) {
	metricsServer, err := server.NewMetricsServer(server.MetricsServerConfig{
		Addr:                    addr,
		InstrumentationProvider: provider,
		Logger:                  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics server: %w", err)
	}

	metricsReady := make(chan struct{})
	metricsErr := make(chan error, 1)
	go func() {
		if err := metricsServer.StartWithReadySignal(metricsReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
			metricsErr <- err
		}
		close(metricsErr)
	}()

	select {
	case <-metricsReady:
		logger.Info("Metrics server started", slog.String("addr", metricsServer.Addr()))
		return metricsServer, nil
	case err := <-metricsErr:
		return nil, fmt.Errorf("metrics server failed to start: %w", err)
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("metrics server startup timed out")
	}
}

func runStdioServer(mcpSrv *mcpserver.MCPServer) error {
	serverDone := make(chan error, 1)
	go func() {
		defer close(serverDone)
		if err := mcpserver.ServeStdio(mcpSrv); err != nil {
			serverDone <- err
		}
	}()

	err := <-serverDone
	if err != nil {
		return fmt.Errorf("server stopped with error: %w", err)
	}
	return nil
}

func runStreamableHTTPServer(ctx context.Context, mcpSrv *mcpserver.MCPServer, sc *server.ServerContext, cfg *config.Config, disableStreaming bool) error {
	logger := sc.Logger()

	limiter := ratelimit.New(callbackEvery, callbackBurst)
	go limiter.Run(ctx, time.Minute)

	httpServer, err := server.NewHTTPServer(server.HTTPServerConfig{
		Addr:             cfg.HTTP.Addr,
		BaseURL:          cfg.HTTP.BaseURL,
		TrustProxy:       cfg.HTTP.TrustProxy,
		DisableStreaming: disableStreaming,
		CallbackLimiter:  limiter,
		APIToken:         cfg.HTTP.APIToken,
	}, mcpSrv, sc)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	ready := make(chan struct{})
	serverDone := make(chan error, 1)
	go func() {
		defer close(serverDone)
		if err := httpServer.Start(ready); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverDone <- err
		}
	}()

	select {
	case <-ready:
		logger.Info("Streamable HTTP server started",
			slog.String("addr", httpServer.Addr()),
			slog.String("mcp_endpoint", server.MCPEndpoint),
			slog.String("callback", config.CallbackPath),
			slog.String("base_url", cfg.HTTP.BaseURL))
	case err := <-serverDone:
		return fmt.Errorf("HTTP server failed to start: %w", err)
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received, stopping HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("error shutting down HTTP server: %w", err)
		}
	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("HTTP server stopped with error: %w", err)
		}
	}

	logger.Info("HTTP server gracefully stopped")
	return nil
}
