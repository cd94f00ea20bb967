package anthropic

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/pkg/proto"
	"tandem/pkg/session"
)

// The API client itself is exercised against the live service; these tests
// cover the tool plumbing around it.

func TestBuildToolsIncludesRoleCommands(t *testing.T) {
	tools := buildTools(session.Config{Role: proto.RoleDriver})

	names := map[string]bool{}
	for _, tool := range tools {
		names[tool.OfTool.Name] = true
	}
	assert.True(t, names["Read"])
	assert.True(t, names["Write"])
	assert.True(t, names["Edit"])
	assert.True(t, names["Bash"])
	assert.True(t, names[proto.ToolDriverRequestReview])
	assert.True(t, names[proto.ToolDriverRequestGuide])
	assert.False(t, names[proto.ToolNavigatorApprove])
}

func TestBuildToolsHonorsAllowAndDenyLists(t *testing.T) {
	tools := buildTools(session.Config{
		Role:            proto.RoleNavigator,
		AllowedTools:    []string{"Read"},
		DisallowedTools: []string{"Bash"},
	})

	names := map[string]bool{}
	for _, tool := range tools {
		names[tool.OfTool.Name] = true
	}
	assert.True(t, names["Read"])
	assert.False(t, names["Write"])
	assert.False(t, names["Bash"])
	// Role command tools are never filtered.
	assert.True(t, names[proto.ToolNavigatorApprove])
	assert.True(t, names[proto.ToolNavigatorCodeReview])
}

func TestExecuteToolAcknowledgesCommandTools(t *testing.T) {
	s := &apiSession{cfg: session.Config{}}

	content, isError := s.executeTool(context.Background(), session.ContentBlock{
		ID:   "tu_1",
		Name: proto.ToolDriverRequestReview,
	})
	assert.False(t, isError)
	assert.Equal(t, "ok", content)
}

func TestExecuteToolDenialSurfacesAsErrorResult(t *testing.T) {
	guard := func(_ context.Context, _ string, _ map[string]any, _ session.GuardOptions) (*proto.PermissionResult, error) {
		return proto.DenyResult("touches generated code"), nil
	}
	s := &apiSession{cfg: session.Config{WorkDir: t.TempDir(), CanUseTool: guard}}

	content, isError := s.executeTool(context.Background(), session.ContentBlock{
		ID:    "tu_1",
		Name:  "Write",
		Input: map[string]any{"file_path": "a.go", "content": "x"},
	})
	assert.True(t, isError)
	assert.Contains(t, content, "touches generated code")

	_, err := os.Stat(filepath.Join(s.cfg.WorkDir, "a.go"))
	assert.True(t, os.IsNotExist(err))
}

func TestExecuteToolApprovalUsesUpdatedInput(t *testing.T) {
	guard := func(_ context.Context, _ string, input map[string]any, _ session.GuardOptions) (*proto.PermissionResult, error) {
		updated := map[string]any{"file_path": input["file_path"], "content": "amended"}
		return proto.AllowResult(updated, ""), nil
	}
	dir := t.TempDir()
	s := &apiSession{cfg: session.Config{WorkDir: dir, CanUseTool: guard}}

	_, isError := s.executeTool(context.Background(), session.ContentBlock{
		ID:    "tu_1",
		Name:  "Write",
		Input: map[string]any{"file_path": "a.go", "content": "original"},
	})
	assert.False(t, isError)

	data, err := os.ReadFile(filepath.Join(dir, "a.go"))
	require.NoError(t, err)
	assert.Equal(t, "amended", string(data))
}

func TestExecuteToolReadSkipsGuard(t *testing.T) {
	guard := func(_ context.Context, _ string, _ map[string]any, _ session.GuardOptions) (*proto.PermissionResult, error) {
		t.Fatal("guard must not run for read-only tools")
		return nil, nil
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a"), 0o644))
	s := &apiSession{cfg: session.Config{WorkDir: dir, CanUseTool: guard}}

	content, isError := s.executeTool(context.Background(), session.ContentBlock{
		ID:    "tu_1",
		Name:  "Read",
		Input: map[string]any{"file_path": "a.go"},
	})
	assert.False(t, isError)
	assert.Equal(t, "package a", content)
}

func TestAssistantParamPreservesBlockOrder(t *testing.T) {
	param := assistantParam([]session.ContentBlock{
		{Type: session.BlockText, Text: "Updating the header."},
		{Type: session.BlockToolUse, ID: "tu_1", Name: "Edit", Input: map[string]any{"file_path": "h.tsx"}},
	})

	require.Len(t, param.Content, 2)
	require.NotNil(t, param.Content[0].OfText)
	assert.Equal(t, "Updating the header.", param.Content[0].OfText.Text)
	require.NotNil(t, param.Content[1].OfToolUse)
	assert.Equal(t, "tu_1", param.Content[1].OfToolUse.ID)
	assert.Equal(t, "Edit", param.Content[1].OfToolUse.Name)
}

func TestOpenRequiresAPIKey(t *testing.T) {
	t.Setenv(EnvAPIKey, "")

	_, err := New(nil).Open(context.Background(), session.Config{Role: proto.RoleDriver})
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvAPIKey)
}

func TestSendPromptAfterCloseFails(t *testing.T) {
	t.Setenv(EnvAPIKey, "test-key")

	sess, err := New(nil).Open(context.Background(), session.Config{Role: proto.RoleDriver})
	require.NoError(t, err)
	require.NoError(t, sess.Close())

	assert.ErrorIs(t, sess.SendPrompt(context.Background(), "hi"), proto.ErrSessionClosed)
}
