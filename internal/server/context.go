package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/teemow/calfanout/internal/broadcast"
	"github.com/teemow/calfanout/internal/calendar"
	"github.com/teemow/calfanout/internal/config"
	"github.com/teemow/calfanout/internal/credential"
	"github.com/teemow/calfanout/internal/google"
	"github.com/teemow/calfanout/internal/handshake"
	"github.com/teemow/calfanout/internal/instrumentation"
	"github.com/teemow/calfanout/internal/kv"
	"github.com/teemow/calfanout/internal/link"
	"github.com/teemow/calfanout/internal/ratelimit"
	"github.com/teemow/calfanout/internal/registry"
	"github.com/teemow/calfanout/internal/tokens"
	"github.com/teemow/calfanout/internal/workspace"
)

// ErrGoogleNotConfigured is returned by provider calls when no OAuth
// client is configured, e.g. for offline CLI commands.
var ErrGoogleNotConfigured = errors.New("google oauth client is not configured")

// Options override parts of the wiring NewServerContext would otherwise
// build from configuration. Zero fields use the configured defaults.
type Options struct {
	Logger          *slog.Logger
	Instrumentation *instrumentation.Provider
	Store           kv.Store
	Provider        link.Provider
	Refresher       tokens.Refresher
	Remote          broadcast.RemoteCalendar
	HTTPClient      *http.Client
}

// ServerContext owns the long-lived components shared by the MCP tools,
// the HTTP handlers and the CLI.
type ServerContext struct {
	ctx    context.Context
	cancel context.CancelFunc

	store        kv.Store
	credentials  *credential.Store
	registry     *registry.Registry
	orchestrator *broadcast.Orchestrator
	link         *link.Service
	policy       *workspace.Policy

	logger  *slog.Logger
	metrics *instrumentation.Metrics
	audit   *instrumentation.AuditLogger

	mu       sync.RWMutex
	shutdown bool
}

// NewServerContext wires every component from cfg. cfg must have passed
// Validate.
func NewServerContext(ctx context.Context, cfg *config.Config, opts Options) (*ServerContext, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		metrics *instrumentation.Metrics
		audit   *instrumentation.AuditLogger
	)
	if p := opts.Instrumentation; p != nil && p.Enabled() {
		metrics = p.Metrics()
		audit = instrumentation.NewAuditLogger(logger, p.Config().Audit)
	}

	key, err := cfg.EncryptionKeyBytes()
	if err != nil {
		return nil, err
	}
	enc, err := credential.NewEncryptor(key)
	if err != nil {
		return nil, err
	}
	secret, err := cfg.StateSecretBytes()
	if err != nil {
		return nil, err
	}

	store := opts.Store
	if store == nil {
		store, err = kv.Open(cfg.KVOptions(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Type, err)
		}
	}

	shutdownCtx, cancel := context.WithCancel(ctx)
	fail := func(err error) (*ServerContext, error) {
		cancel()
		if opts.Store == nil {
			_ = store.Close()
		}
		return nil, err
	}

	provider, refresher := opts.Provider, opts.Refresher
	if provider == nil || refresher == nil {
		var gp *google.Provider
		if cfg.RequireGoogle() == nil {
			gp, err = google.NewProvider(cfg.GoogleOAuth(), opts.HTTPClient, metrics)
			if err != nil {
				return fail(err)
			}
		}
		if provider == nil {
			if gp != nil {
				provider = gp
			} else {
				provider = unconfigured{}
			}
		}
		if refresher == nil {
			if gp != nil {
				refresher = tokens.NewOAuthRefresher(gp.OAuthConfig(), gp.HTTPClient())
			} else {
				refresher = unconfigured{}
			}
		}
	}

	remote := opts.Remote
	if remote == nil {
		remote = calendar.NewClient(calendar.Config{Endpoint: cfg.Google.CalendarEndpoint}, metrics)
	}

	var limiter *ratelimit.Limiter
	if cfg.Security.HandshakeEvery > 0 {
		limiter = ratelimit.New(cfg.Security.HandshakeEvery, cfg.Security.HandshakeBurst)
		go limiter.Run(shutdownCtx, time.Minute)
	}
	issuer, err := handshake.NewIssuer(store, handshake.Config{
		Secret:  secret,
		TTL:     cfg.Security.HandshakeTTL,
		Limiter: limiter,
	}, logger, metrics)
	if err != nil {
		return fail(err)
	}

	creds := credential.NewStore(store, enc, logger)
	reg := registry.New(store, logger)
	policy := workspace.NewPolicy(cfg.Workspaces.Allowed)
	manager := tokens.NewManager(creds, refresher, cfg.TokenSettings(), logger, metrics)

	return &ServerContext{
		ctx:         shutdownCtx,
		cancel:      cancel,
		store:       store,
		credentials: creds,
		registry:    reg,
		orchestrator: broadcast.New(broadcast.Deps{
			Credentials: creds,
			Tokens:      manager,
			Registry:    reg,
			Remote:      remote,
		}, cfg.BroadcastSettings(), logger, metrics, audit),
		link: link.NewService(link.Deps{
			Issuer:      issuer,
			Provider:    provider,
			Credentials: creds,
			Registry:    reg,
			Policy:      policy,
		}, logger, metrics, audit),
		policy:  policy,
		logger:  logger,
		metrics: metrics,
		audit:   audit,
	}, nil
}

// Context returns the server context
func (sc *ServerContext) Context() context.Context {
	return sc.ctx
}

func (sc *ServerContext) Store() kv.Store                       { return sc.store }
func (sc *ServerContext) Credentials() *credential.Store        { return sc.credentials }
func (sc *ServerContext) Registry() *registry.Registry          { return sc.registry }
func (sc *ServerContext) Orchestrator() *broadcast.Orchestrator { return sc.orchestrator }
func (sc *ServerContext) Link() *link.Service                   { return sc.link }
func (sc *ServerContext) Policy() *workspace.Policy             { return sc.policy }
func (sc *ServerContext) Logger() *slog.Logger                  { return sc.logger }

// Metrics returns the metrics instance, nil when instrumentation is off.
func (sc *ServerContext) Metrics() *instrumentation.Metrics {
	return sc.metrics
}

// AuditLogger returns the audit logger, nil when instrumentation is off.
func (sc *ServerContext) AuditLogger() *instrumentation.AuditLogger {
	return sc.audit
}

// Ping checks the storage backend.
func (sc *ServerContext) Ping(ctx context.Context) error {
	return sc.store.Ping(ctx)
}

// IsShutdown returns whether the server has been shutdown
func (sc *ServerContext) IsShutdown() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.shutdown
}

// Shutdown stops background work and closes the store.
func (sc *ServerContext) Shutdown() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.shutdown {
		return nil
	}

	sc.shutdown = true
	sc.cancel()
	return sc.store.Close()
}

// unconfigured stands in for the Google provider when no OAuth client is
// configured. Stored connections can still be listed and disconnected.
type unconfigured struct{}

func (unconfigured) AuthCodeURL(string) string { return "" }

func (unconfigured) Exchange(context.Context, string) (*oauth2.Token, error) {
	return nil, ErrGoogleNotConfigured
}

func (unconfigured) UserInfo(context.Context, string) (*google.UserInfo, error) {
	return nil, ErrGoogleNotConfigured
}

func (unconfigured) Revoke(context.Context, string) error {
	return ErrGoogleNotConfigured
}

func (unconfigured) Refresh(context.Context, string) (*oauth2.Token, error) {
	return nil, &tokens.TransportError{Err: ErrGoogleNotConfigured}
}
