package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/calfanout/internal/config"
	"github.com/teemow/calfanout/internal/instrumentation"
	"github.com/teemow/calfanout/internal/ratelimit"
)

// MCPEndpoint is the path of the streamable-http MCP endpoint.
const MCPEndpoint = "/mcp"

// HTTPServerConfig configures the public listener.
type HTTPServerConfig struct {
	Addr string
	// BaseURL must be https, except for loopback hosts.
	BaseURL          string
	TrustProxy       bool
	DisableStreaming bool
	// CallbackLimiter bounds OAuth callbacks per client IP. Nil disables it.
	CallbackLimiter *ratelimit.Limiter
	// APIToken is the bearer credential MCP clients must present.
	APIToken string
}

// HTTPServer serves the MCP endpoint, the OAuth callback of the link flow
// and the health probes.
type HTTPServer struct {
	config     HTTPServerConfig
	handler    http.Handler
	health     *HealthChecker
	logger     *slog.Logger
	mu         sync.Mutex
	httpServer *http.Server
	addr       string
}

// NewHTTPServer builds the router. mcpSrv may be nil to serve only the
// callback and probes.
func NewHTTPServer(cfg HTTPServerConfig, mcpSrv *mcpserver.MCPServer, sc *ServerContext) (*HTTPServer, error) {
	if cfg.BaseURL != "" {
		if err := validateHTTPSRequirement(cfg.BaseURL); err != nil {
			return nil, err
		}
	}
	if mcpSrv != nil && cfg.APIToken == "" {
		return nil, fmt.Errorf("an API token is required to serve %s", MCPEndpoint)
	}
	health := NewHealthChecker(sc)

	var mcpHandler http.Handler
	if mcpSrv != nil {
		opts := []mcpserver.StreamableHTTPOption{mcpserver.WithEndpointPath(MCPEndpoint)}
		if cfg.DisableStreaming {
			opts = append(opts, mcpserver.WithDisableStreaming(true))
		}
		mcpHandler = mcpserver.NewStreamableHTTPServer(mcpSrv, opts...)
	}

	s := &HTTPServer{
		config: cfg,
		health: health,
		logger: sc.Logger(),
		addr:   cfg.Addr,
	}
	s.handler = NewRouter(RouterConfig{
		Completer:       sc.Link(),
		MCP:             mcpHandler,
		Health:          health,
		CallbackLimiter: cfg.CallbackLimiter,
		TrustProxy:      cfg.TrustProxy,
		APIToken:        cfg.APIToken,
		Metrics:         sc.Metrics(),
		Logger:          sc.Logger(),
	})
	return s, nil
}

// RouterConfig holds what NewRouter mounts.
type RouterConfig struct {
	Completer       Completer
	MCP             http.Handler
	Health          *HealthChecker
	CallbackLimiter *ratelimit.Limiter
	TrustProxy      bool
	// APIToken guards the MCP endpoint. Empty rejects every MCP request.
	APIToken string
	Metrics  *instrumentation.Metrics
	Logger   *slog.Logger
}

// NewRouter returns the chi router of the public listener.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(requestMetrics(cfg.Metrics))

	if cfg.Health != nil {
		r.Method(http.MethodGet, "/healthz", cfg.Health.LivenessHandler())
		r.Method(http.MethodGet, "/readyz", cfg.Health.ReadinessHandler())
	}

	r.With(ratelimit.Middleware(cfg.CallbackLimiter, cfg.TrustProxy)).
		Get(config.CallbackPath, CallbackHandler(cfg.Completer, cfg.Logger))

	if cfg.MCP != nil {
		r.With(BearerAuth(cfg.APIToken)).Handle(MCPEndpoint, cfg.MCP)
	}
	return r
}

// requestMetrics records every request under its route pattern, so path
// parameters and unknown paths do not create new label values.
func requestMetrics(m *instrumentation.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			pattern := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				pattern = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.RecordHTTPRequest(r.Context(), r.Method, pattern, status, time.Since(start))
		})
	}
}

// Handler returns the router, e.g. for httptest.
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

// Health returns the health checker so shutdown can flip readiness.
func (s *HTTPServer) Health() *HealthChecker {
	return s.health
}

// Start serves until Shutdown, closing ready (if non-nil) once bound.
func (s *HTTPServer) Start(ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		// A broadcast may run for the whole overall timeout.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("Starting HTTP server", slog.String("addr", s.addr))
	if ready != nil {
		close(ready)
	}
	return srv.Serve(ln)
}

// Addr returns the listen address; after Start it is the bound address.
func (s *HTTPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown marks the server not ready and drains connections.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.health.SetReady(false)

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// validateHTTPSRequirement allows plain http only for loopback hosts, since
// the callback carries an authorization code.
func validateHTTPSRequirement(baseURL string) error {
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}

	switch u.Scheme {
	case "https":
		return nil
	case "http":
		host := u.Hostname()
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			return fmt.Errorf("base URL must use https outside of localhost (got: %s)", baseURL)
		}
		return nil
	default:
		return fmt.Errorf("invalid URL scheme: %s. Must be http (localhost only) or https", u.Scheme)
	}
}
