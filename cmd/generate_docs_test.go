package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListTools(t *testing.T) {
	tools, err := listTools(context.Background())
	require.NoError(t, err)

	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"accounts_link", "accounts_list", "accounts_disconnect",
		"events_create", "events_update", "events_delete", "events_locate",
	}, names)

	for _, tool := range tools {
		assert.Contains(t, tool.InputSchema.Required, "workspace_id", tool.Name)
		assert.Contains(t, tool.InputSchema.Required, "actor_id", tool.Name)
	}
}

func TestGenerateToolsMarkdown(t *testing.T) {
	tools, err := listTools(context.Background())
	require.NoError(t, err)

	md := generateToolsMarkdown(tools)
	assert.Contains(t, md, "# MCP Tools Reference")
	assert.Contains(t, md, "- [Account Tools](#account-tools)")
	assert.Contains(t, md, "### events_create")
	assert.Contains(t, md, "- `summary` (required): Event title")
	assert.Contains(t, md, "- `event_id` (required)")
	assert.NotContains(t, md, "Id of the chat workspace")
}

func TestGetCategoryFromToolName(t *testing.T) {
	assert.Equal(t, "Account Tools", getCategoryFromToolName("accounts_list"))
	assert.Equal(t, "Event Tools", getCategoryFromToolName("events_create"))
	assert.Equal(t, "Other", getCategoryFromToolName("misc"))
}
