package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/calfanout/internal/calendar"
	"github.com/teemow/calfanout/internal/config"
	"github.com/teemow/calfanout/internal/credential"
	"github.com/teemow/calfanout/internal/link"
	"github.com/teemow/calfanout/internal/tools/tooltest"
)

func TestRunKeygen(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runKeygen(&out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	for i, name := range []string{"CALFANOUT_ENCRYPTION_KEY", "CALFANOUT_STATE_SECRET", "CALFANOUT_API_TOKEN"} {
		key, value, ok := strings.Cut(lines[i], "=")
		require.True(t, ok)
		assert.Equal(t, name, key)
		decoded, err := credential.KeyFromBase64(value)
		require.NoError(t, err)
		assert.Len(t, decoded, credential.KeySize)
		assert.GreaterOrEqual(t, len(value), config.MinAPITokenLength)
	}
}

func TestRunAccountsList(t *testing.T) {
	env := tooltest.New(t, nil)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, runAccountsList(ctx, env.SC, &out, "team", false))
	assert.Contains(t, out.String(), "No accounts linked to workspace team")

	id := env.Link(t, "team", "a", "alice@example.com")

	out.Reset()
	require.NoError(t, runAccountsList(ctx, env.SC, &out, "team", false))
	assert.Contains(t, out.String(), "ACCOUNT")
	assert.Contains(t, out.String(), id)
	assert.Contains(t, out.String(), "alice@example.com")
	assert.Contains(t, out.String(), "active")

	out.Reset()
	require.NoError(t, runAccountsList(ctx, env.SC, &out, "team", true))
	var accounts []link.Account
	require.NoError(t, json.Unmarshal(out.Bytes(), &accounts))
	require.Len(t, accounts, 1)
	assert.Equal(t, id, accounts[0].AccountID)
}

func TestRunAccountsDisconnect(t *testing.T) {
	env := tooltest.New(t, nil)
	ctx := context.Background()
	id := env.Link(t, "team", "a", "alice@example.com")

	var out bytes.Buffer
	require.NoError(t, runAccountsDisconnect(ctx, env.SC, &out, "team", id))
	assert.Contains(t, out.String(), "Disconnected "+id+" (alice@example.com)")
	assert.NotContains(t, out.String(), "Warning")

	err := runAccountsDisconnect(ctx, env.SC, &out, "team", id)
	assert.ErrorIs(t, err, credential.ErrNotFound)
}

func TestRunEventsLocate(t *testing.T) {
	env := tooltest.New(t, nil)
	ctx := context.Background()
	id := env.Link(t, "team", "a", "alice@example.com")

	scope, err := cliScope(env.SC, "team")
	require.NoError(t, err)
	start := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	sb, err := env.SC.Orchestrator().Create(ctx, scope, calendar.EventInput{
		Summary: "Standup",
		Start:   start,
		End:     start.Add(15 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, sb.Succeeded, 1)

	var out bytes.Buffer
	require.NoError(t, runEventsLocate(ctx, env.SC, &out, "team", sb.ShortUID))
	assert.Contains(t, out.String(), sb.EventUID)
	assert.Contains(t, out.String(), id)
	assert.Contains(t, out.String(), "native-1")
}

func TestCLIScope_Unauthorized(t *testing.T) {
	env := tooltest.New(t, nil)
	_, err := cliScope(env.SC, "")
	assert.Error(t, err)
}
