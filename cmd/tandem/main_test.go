package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tandem/pkg/config"
)

func TestApplyBinding(t *testing.T) {
	binding := config.RoleBinding{Provider: config.ProviderClaudeCode}

	applyBinding(&binding, "")
	assert.Equal(t, config.ProviderClaudeCode, binding.Provider)

	applyBinding(&binding, "opencode")
	assert.Equal(t, "opencode", binding.Provider)
	assert.Empty(t, binding.Model)

	applyBinding(&binding, "anthropic/claude-sonnet-4-0")
	assert.Equal(t, "anthropic", binding.Provider)
	assert.Equal(t, "claude-sonnet-4-0", binding.Model)
}
