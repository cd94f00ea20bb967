package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadEditRoundTrip(t *testing.T) {
	dir := t.TempDir()

	out, err := Run(context.Background(), dir, "Write", map[string]any{
		"file_path": "src/header.tsx",
		"content":   "Login",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "header.tsx")

	out, err = Run(context.Background(), dir, "Read", map[string]any{"file_path": "src/header.tsx"})
	require.NoError(t, err)
	assert.Equal(t, "Login", out)

	_, err = Run(context.Background(), dir, "Edit", map[string]any{
		"file_path":  "src/header.tsx",
		"old_string": "Login",
		"new_string": "Login | Logout",
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "src/header.tsx"))
	require.NoError(t, err)
	assert.Equal(t, "Login | Logout", string(data))
}

func TestEditRequiresUniqueMatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x x"), 0o644))

	_, err := Run(context.Background(), dir, "Edit", map[string]any{
		"file_path":  "a.txt",
		"old_string": "x",
		"new_string": "y",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be unique")

	_, err = Run(context.Background(), dir, "Edit", map[string]any{
		"file_path":  "a.txt",
		"old_string": "missing",
		"new_string": "y",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestPathConfinement(t *testing.T) {
	dir := t.TempDir()

	_, err := Run(context.Background(), dir, "Read", map[string]any{"file_path": "../outside.txt"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes workspace")
}

func TestBashRunsInWorkDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("here"), 0o644))

	out, err := Run(context.Background(), dir, "Bash", map[string]any{"command": "ls"})
	require.NoError(t, err)
	assert.Contains(t, out, "marker.txt")
}

func TestUnknownTool(t *testing.T) {
	_, err := Run(context.Background(), t.TempDir(), "Teleport", nil)
	require.Error(t, err)
}

func TestSpecsCoverReviewableMutations(t *testing.T) {
	names := map[string]bool{}
	for _, spec := range Specs() {
		names[spec.Name] = true
	}
	assert.True(t, names["Write"])
	assert.True(t, names["Edit"])
	assert.True(t, names["Read"])
	assert.True(t, names["Bash"])
}
