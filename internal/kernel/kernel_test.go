package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/pkg/config"
	"tandem/pkg/eventlog"
	"tandem/pkg/proto"
)

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	cfg := config.Default()
	cfg.Task = "add a logout button"
	cfg.ProjectDir = t.TempDir()

	k, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })
	return k
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.ProjectDir = t.TempDir()
	// Task missing.
	_, err := New(cfg, nil)
	require.Error(t, err)

	var verr *proto.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestSessionIDAssigned(t *testing.T) {
	k := newTestKernel(t)
	assert.Contains(t, k.SessionID(), "sess_")
}

func TestProviderMapping(t *testing.T) {
	k := newTestKernel(t)

	assert.Equal(t, "claude-code", k.providerFor(config.RoleBinding{Provider: config.ProviderClaudeCode}).Name())
	assert.Equal(t, "anthropic", k.providerFor(config.RoleBinding{Provider: config.ProviderAnthropic}).Name())
	assert.Equal(t, "opencode", k.providerFor(config.RoleBinding{Provider: config.ProviderOpenCode}).Name())
}

func TestObservePermissionPersists(t *testing.T) {
	k := newTestKernel(t)

	k.observePermission("req_1", "Edit", "approve", 120*time.Millisecond)
	k.observePermission("req_2", "Bash", "timeout", 15*time.Second)
	k.store.Flush()

	decisions, err := k.store.PermissionDecisions()
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.True(t, decisions[0].Allowed)
	assert.Equal(t, "Edit", decisions[0].ToolName)
	assert.False(t, decisions[1].Allowed)
	assert.Equal(t, "timeout", decisions[1].Comment)
}

func TestRecordMessageFansOut(t *testing.T) {
	k := newTestKernel(t)

	k.recordMessage(proto.NewMessage("assistant", proto.RoleDriver, "Adding the logout button."))
	k.store.Flush()

	messages, err := k.store.Messages()
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "driver", messages[0].Role)

	entries, err := eventlog.ReadEntries(k.events.CurrentLogFile())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, eventlog.KindMessage, entries[0].Kind)
	assert.Equal(t, "Adding the logout button.", entries[0].Text)
}

func TestMetricOutcomeMapping(t *testing.T) {
	assert.Equal(t, "allowed", metricOutcome("approve"))
	assert.Equal(t, "denied", metricOutcome("deny"))
	assert.Equal(t, "timeout", metricOutcome("timeout"))
	assert.Equal(t, "shutdown", metricOutcome("shutdown"))
	assert.Equal(t, "cancelled", metricOutcome("cancelled"))
}
