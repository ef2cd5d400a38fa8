package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/calfanout/internal/config"
	"github.com/teemow/calfanout/internal/credential"
	"github.com/teemow/calfanout/internal/kv"
	"github.com/teemow/calfanout/internal/tokens"
	"github.com/teemow/calfanout/internal/workspace"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	for _, dst := range []*string{&cfg.Security.EncryptionKey, &cfg.Security.StateSecret} {
		key, err := credential.GenerateKey()
		require.NoError(t, err)
		*dst = credential.KeyToBase64(key)
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestContext(t *testing.T, cfg *config.Config) *ServerContext {
	t.Helper()
	sc, err := NewServerContext(context.Background(), cfg, Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:  kv.NewMemoryStore(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sc.Shutdown() })
	return sc
}

func TestNewServerContextWiresComponents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workspaces.Allowed = []string{"team"}
	sc := newTestContext(t, cfg)

	assert.NotNil(t, sc.Credentials())
	assert.NotNil(t, sc.Registry())
	assert.NotNil(t, sc.Orchestrator())
	assert.NotNil(t, sc.Link())
	assert.Nil(t, sc.Metrics())
	assert.True(t, sc.Policy().Admits("team"))
	assert.False(t, sc.Policy().Admits("other"))
	assert.NoError(t, sc.Ping(context.Background()))
}

func TestServerContextWithoutGoogle(t *testing.T) {
	sc := newTestContext(t, testConfig(t))
	ctx := context.Background()

	_, err := sc.Credentials().StoreConnection(ctx, "team", "acct-1", "ada@example.com", "refresh", nil, "u1")
	require.NoError(t, err)

	scope := sc.Policy().Scope("team", workspace.KindGroup, "u1")
	accounts, err := sc.Link().Accounts(ctx, scope)
	require.NoError(t, err)
	require.Len(t, accounts, 1)

	// Provider revocation fails but the local disconnect still happens.
	res, err := sc.Link().Disconnect(ctx, scope, "ada@example.com")
	require.NoError(t, err)
	assert.False(t, res.ProviderRevoked)

	_, err = unconfigured{}.Refresh(ctx, "refresh")
	assert.True(t, tokens.IsRetryable(err))
	assert.True(t, errors.Is(err, ErrGoogleNotConfigured))
}

func TestServerContextShutdown(t *testing.T) {
	sc := newTestContext(t, testConfig(t))

	assert.False(t, sc.IsShutdown())
	require.NoError(t, sc.Shutdown())
	assert.True(t, sc.IsShutdown())
	assert.NoError(t, sc.Shutdown(), "second shutdown is a no-op")
	assert.Error(t, sc.Context().Err())

	rec := serve(NewRouter(RouterConfig{Completer: sc.Link(), Health: NewHealthChecker(sc)}), "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "shutting down")
}

func TestNewServerContextRejectsBadKeys(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.EncryptionKey = ""
	_, err := NewServerContext(context.Background(), cfg, Options{Store: kv.NewMemoryStore()})
	assert.Error(t, err)
}

func TestHTTPServerStartAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	sc := newTestContext(t, cfg)

	srv, err := NewHTTPServer(HTTPServerConfig{Addr: "127.0.0.1:0"}, nil, sc)
	require.NoError(t, err)

	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- srv.Start(ready) }()

	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("server failed to start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get("http://" + srv.Addr() + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.ErrorIs(t, <-done, http.ErrServerClosed)
	assert.False(t, srv.Health().IsReady())
}

func TestNewHTTPServerRejectsPlainHTTP(t *testing.T) {
	sc := newTestContext(t, testConfig(t))
	_, err := NewHTTPServer(HTTPServerConfig{BaseURL: "http://cal.example.com"}, nil, sc)
	assert.Error(t, err)
}
