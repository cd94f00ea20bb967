package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/pkg/proto"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, DefaultArchitectMaxTurns, cfg.ArchitectMaxTurns)
	assert.Equal(t, DefaultNavigatorMaxTurns, cfg.NavigatorMaxTurns)
	assert.Equal(t, DefaultDriverMaxTurns, cfg.DriverMaxTurns)
	assert.Equal(t, 30*time.Minute, cfg.SessionHardLimit)
	assert.Equal(t, 15*time.Second, cfg.PermissionTimeout)
	assert.Equal(t, 2*time.Second, cfg.ReviewDisplayTimeout)
	assert.Equal(t, DefaultMaxPromptLength, cfg.MaxPromptLength)
	assert.Equal(t, ProviderClaudeCode, cfg.Driver.Provider)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvArchitectMaxTurns, "3")
	t.Setenv(EnvNavigatorMaxTurns, "10")
	t.Setenv(EnvDriverMaxTurns, "5")
	t.Setenv(EnvPermissionTimeoutMS, "500")
	t.Setenv(EnvSessionHardLimitMin, "0.05")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.ArchitectMaxTurns)
	assert.Equal(t, 10, cfg.NavigatorMaxTurns)
	assert.Equal(t, 5, cfg.DriverMaxTurns)
	assert.Equal(t, 500*time.Millisecond, cfg.PermissionTimeout)
	assert.Equal(t, 3*time.Second, cfg.SessionHardLimit, "fractional minutes should work")
}

func TestLoadInvalidEnv(t *testing.T) {
	t.Setenv(EnvPermissionTimeoutMS, "soon")

	_, err := Load(t.TempDir())
	assert.Error(t, err)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".tandem"), 0755))

	yamlContent := "driver:\n  provider: anthropic\n  model: claude-sonnet-4-5\nnavigator:\n  provider: claude-code\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tandem", "config.yaml"), []byte(yamlContent), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, ProviderAnthropic, cfg.Driver.Provider)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Driver.Model)
	assert.Equal(t, ProviderClaudeCode, cfg.Navigator.Provider)
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)

	// Empty task.
	err = cfg.Validate()
	var verr *proto.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "task", verr.Field)

	// Oversized task.
	cfg.Task = strings.Repeat("x", cfg.MaxPromptLength+1)
	err = cfg.Validate()
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "task", verr.Field)

	// Bad project dir.
	cfg.Task = "Add a logout button"
	cfg.ProjectDir = filepath.Join(dir, "missing")
	err = cfg.Validate()
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "projectdir", verr.Field)

	// Unknown provider.
	cfg.ProjectDir = dir
	cfg.Driver.Provider = "mystery"
	err = cfg.Validate()
	require.True(t, errors.As(err, &verr))

	// Valid.
	cfg.Driver.Provider = ProviderClaudeCode
	assert.NoError(t, cfg.Validate())
}
