// Package tooltest provides in-memory stand-ins for Google and a ready
// ServerContext for tool and command tests.
package tooltest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/teemow/calfanout/internal/calendar"
	"github.com/teemow/calfanout/internal/config"
	"github.com/teemow/calfanout/internal/credential"
	"github.com/teemow/calfanout/internal/google"
	"github.com/teemow/calfanout/internal/kv"
	"github.com/teemow/calfanout/internal/server"
	"github.com/teemow/calfanout/internal/tokens"
)

// Google fakes the OAuth provider. An authorization code "x" belongs to
// the user registered with AddUser("x", ...); it yields access token
// "at-x" and refresh token "rt-x".
type Google struct {
	mu       sync.Mutex
	users    map[string]google.UserInfo
	rejected map[string]bool
	revoked  []string
}

// AddUser registers the identity returned for code.
func (g *Google) AddUser(code, sub, email string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.users == nil {
		g.users = map[string]google.UserInfo{}
	}
	g.users[code] = google.UserInfo{Sub: sub, Email: email, EmailVerified: true}
}

// Reject makes refreshes for code fail permanently.
func (g *Google) Reject(code string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rejected == nil {
		g.rejected = map[string]bool{}
	}
	g.rejected[code] = true
}

// Revoked returns the tokens revoked so far.
func (g *Google) Revoked() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.revoked...)
}

func (g *Google) AuthCodeURL(state string) string {
	return "https://accounts.example.com/auth?state=" + url.QueryEscape(state)
}

func (g *Google) Exchange(_ context.Context, code string) (*oauth2.Token, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.users[code]; !ok {
		return nil, errors.New("oauth2: invalid_grant")
	}
	return &oauth2.Token{
		AccessToken:  "at-" + code,
		RefreshToken: "rt-" + code,
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

func (g *Google) UserInfo(_ context.Context, accessToken string) (*google.UserInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	info, ok := g.users[strings.TrimPrefix(accessToken, "at-")]
	if !ok {
		return nil, errors.New("unknown access token")
	}
	return &info, nil
}

func (g *Google) Revoke(_ context.Context, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.revoked = append(g.revoked, token)
	return nil
}

func (g *Google) Refresh(_ context.Context, refresh string) (*oauth2.Token, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	code := strings.TrimPrefix(refresh, "rt-")
	if g.rejected[code] {
		return nil, fmt.Errorf("invalid_grant: %w", tokens.ErrCredentialInvalid)
	}
	return &oauth2.Token{AccessToken: "at-" + code, Expiry: time.Now().Add(time.Hour)}, nil
}

// Calendar fakes Google Calendar with one calendar per access token.
type Calendar struct {
	mu        sync.Mutex
	seq       int
	calendars map[string]map[string]calendar.EventInput
	fail      map[string]error
}

// Fail makes every call with accessToken return err.
func (c *Calendar) Fail(accessToken string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail == nil {
		c.fail = map[string]error{}
	}
	c.fail[accessToken] = err
}

// Events returns a copy of the calendar behind accessToken.
func (c *Calendar) Events(accessToken string) map[string]calendar.EventInput {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string]calendar.EventInput{}
	for id, ev := range c.calendars[accessToken] {
		out[id] = ev
	}
	return out
}

func (c *Calendar) CreateEvent(_ context.Context, token string, input calendar.EventInput) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail[token]; err != nil {
		return "", err
	}
	if c.calendars == nil {
		c.calendars = map[string]map[string]calendar.EventInput{}
	}
	if c.calendars[token] == nil {
		c.calendars[token] = map[string]calendar.EventInput{}
	}
	c.seq++
	id := fmt.Sprintf("native-%d", c.seq)
	c.calendars[token][id] = input
	return id, nil
}

func (c *Calendar) UpdateEvent(_ context.Context, token, nativeID string, input calendar.EventInput) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail[token]; err != nil {
		return err
	}
	ev, ok := c.calendars[token][nativeID]
	if !ok {
		return calendar.ErrNotFound
	}
	if input.Summary != "" {
		ev.Summary = input.Summary
	}
	if input.Location != "" {
		ev.Location = input.Location
	}
	if !input.Start.IsZero() {
		ev.Start = input.Start
	}
	if !input.End.IsZero() {
		ev.End = input.End
	}
	if input.TimeZone != "" {
		ev.TimeZone = input.TimeZone
	}
	if input.AllDay {
		ev.AllDay = true
	}
	c.calendars[token][nativeID] = ev
	return nil
}

func (c *Calendar) DeleteEvent(_ context.Context, token, nativeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail[token]; err != nil {
		return err
	}
	if _, ok := c.calendars[token][nativeID]; !ok {
		return calendar.ErrNotFound
	}
	delete(c.calendars[token], nativeID)
	return nil
}

// Env is a ServerContext backed by memory storage and the fakes above.
type Env struct {
	SC       *server.ServerContext
	Config   *config.Config
	Store    kv.Store
	Google   *Google
	Calendar *Calendar
}

// Config returns a valid configuration with fresh keys.
func Config(t testing.TB) *config.Config {
	t.Helper()
	cfg := config.Default()
	for _, dst := range []*string{&cfg.Security.EncryptionKey, &cfg.Security.StateSecret} {
		key, err := credential.GenerateKey()
		require.NoError(t, err)
		*dst = credential.KeyToBase64(key)
	}
	return cfg
}

// New builds an Env. mutate, if given, adjusts the configuration first.
func New(t testing.TB, mutate func(*config.Config)) *Env {
	t.Helper()
	cfg := Config(t)
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	env := &Env{
		Config:   cfg,
		Store:    kv.NewMemoryStore(),
		Google:   &Google{},
		Calendar: &Calendar{},
	}
	sc, err := server.NewServerContext(context.Background(), cfg, server.Options{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:     env.Store,
		Provider:  env.Google,
		Refresher: env.Google,
		Remote:    env.Calendar,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sc.Shutdown() })
	env.SC = sc
	return env
}

// Link runs the whole link flow for a new user in workspaceID and
// returns the account id.
func (e *Env) Link(t testing.TB, workspaceID, code, email string) string {
	t.Helper()
	ctx := context.Background()
	e.Google.AddUser(code, "sub-"+code, email)

	scope, err := e.SC.Policy().Authorize(workspaceID, "group", "linker")
	require.NoError(t, err)
	consent, err := e.SC.Link().Start(ctx, scope)
	require.NoError(t, err)
	u, err := url.Parse(consent)
	require.NoError(t, err)

	res, err := e.SC.Link().Complete(ctx, u.Query().Get("state"), code)
	require.NoError(t, err)
	return res.AccountID
}

// Request builds a tool call request.
func Request(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

// Text concatenates the text content of a result.
func Text(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
