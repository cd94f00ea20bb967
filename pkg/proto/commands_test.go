package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNavigatorCommandCanonical(t *testing.T) {
	cmd, ok := ParseNavigatorCommand(ToolNavigatorApprove, map[string]any{
		"requestId": "req_123",
		"comment":   "Looks good",
	})
	require.True(t, ok)
	assert.Equal(t, NavigatorApprove, cmd.Verb)
	assert.Equal(t, "req_123", cmd.RequestID)
	assert.Equal(t, "Looks good", cmd.Comment)

	cmd, ok = ParseNavigatorCommand(ToolNavigatorDeny, map[string]any{
		"requestId": "req_456",
		"comment":   "Also handle keyboard nav",
	})
	require.True(t, ok)
	assert.Equal(t, NavigatorDeny, cmd.Verb)
	assert.Equal(t, "Also handle keyboard nav", cmd.Comment)

	cmd, ok = ParseNavigatorCommand(ToolNavigatorCodeReview, map[string]any{
		"comment": "LGTM",
		"pass":    true,
	})
	require.True(t, ok)
	assert.Equal(t, NavigatorCodeReview, cmd.Verb)
	assert.True(t, cmd.Pass)
	assert.Equal(t, "LGTM", cmd.Comment)

	cmd, ok = ParseNavigatorCommand(ToolNavigatorComplete, map[string]any{
		"summary": "All done",
	})
	require.True(t, ok)
	assert.Equal(t, NavigatorComplete, cmd.Verb)
	assert.Equal(t, "All done", cmd.Summary)
}

// Legacy prefixed names must coerce to the same commands as the canonical
// forms.
func TestParseNavigatorCommandLegacyEquivalence(t *testing.T) {
	pairs := map[string]string{
		"pair-navigator_navigatorApprove":    ToolNavigatorApprove,
		"pair-navigator_navigatorDeny":       ToolNavigatorDeny,
		"pair-navigator_navigatorCodeReview": ToolNavigatorCodeReview,
		"pair-navigator_navigatorComplete":   ToolNavigatorComplete,
	}

	input := map[string]any{
		"requestId": "req_789",
		"comment":   "same either way",
		"pass":      true,
		"summary":   "done",
	}

	for legacy, canonical := range pairs {
		legacyCmd, ok := ParseNavigatorCommand(legacy, input)
		require.True(t, ok, "legacy name %s should parse", legacy)

		canonicalCmd, ok := ParseNavigatorCommand(canonical, input)
		require.True(t, ok)

		assert.Equal(t, canonicalCmd, legacyCmd, "legacy %s must equal canonical %s", legacy, canonical)
	}
}

func TestParseDriverCommand(t *testing.T) {
	cmd, ok := ParseDriverCommand(ToolDriverRequestReview, map[string]any{
		"context": "Added logout button",
	})
	require.True(t, ok)
	assert.Equal(t, DriverRequestReview, cmd.Verb)
	assert.Equal(t, "Added logout button", cmd.Context)

	cmd, ok = ParseDriverCommand("pair-driver_driverRequestGuidance", map[string]any{
		"context": "stuck on routing",
	})
	require.True(t, ok)
	assert.Equal(t, DriverRequestGuidance, cmd.Verb)
	assert.Equal(t, "stuck on routing", cmd.Context)
}

func TestParseCommandUnknownNames(t *testing.T) {
	_, ok := ParseNavigatorCommand("Write", map[string]any{"file_path": "a.go"})
	assert.False(t, ok)

	_, ok = ParseNavigatorCommand("mcp__navigator__navigatorExplode", nil)
	assert.False(t, ok)

	_, ok = ParseDriverCommand("mcp__navigator__navigatorApprove", nil)
	assert.False(t, ok, "navigator tools are not driver commands")

	_, ok = ParseDriverCommand("", nil)
	assert.False(t, ok)
}

func TestBoolArgCoercion(t *testing.T) {
	cmd, ok := ParseNavigatorCommand(ToolNavigatorCodeReview, map[string]any{
		"comment": "ok",
		"pass":    "true",
	})
	require.True(t, ok)
	assert.True(t, cmd.Pass, "string true should coerce")

	cmd, ok = ParseNavigatorCommand(ToolNavigatorCodeReview, map[string]any{
		"comment": "no",
	})
	require.True(t, ok)
	assert.False(t, cmd.Pass, "missing pass defaults to false")
}

func TestReviewableTools(t *testing.T) {
	for _, name := range []string{"Write", "Edit", "MultiEdit", "NotebookEdit"} {
		assert.True(t, IsReviewableTool(name), "%s should be reviewable", name)
	}
	for _, name := range []string{"Read", "Bash", "Grep", "Glob", "WebSearch", ""} {
		assert.False(t, IsReviewableTool(name), "%s should not be reviewable", name)
	}
}

func TestToolSummary(t *testing.T) {
	assert.Equal(t, "Tool: Edit - header.tsx", ToolSummary("Edit", map[string]any{"file_path": "header.tsx"}))
	assert.Equal(t, "Tool: Bash - ls -la", ToolSummary("Bash", map[string]any{"command": "ls -la"}))
	assert.Equal(t, "Tool: Read", ToolSummary("Read", nil))
}
