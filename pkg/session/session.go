// Package session defines the streaming agent session contract the
// orchestrator consumes, independent of the backend that implements it.
package session

import (
	"context"

	"tandem/pkg/logx"
	"tandem/pkg/proto"
)

// GuardOptions carries optional correlation data into the permission guard.
type GuardOptions struct {
	ToolID         string
	ProviderCallID string
	Suggestions    map[string]any
	Metadata       map[string]any
}

// GuardFunc is the per-tool permission guard exposed to providers. It is
// invoked before a tool executes and may block until a decision is made.
type GuardFunc func(ctx context.Context, toolName string, input map[string]any, opts GuardOptions) (*proto.PermissionResult, error)

// Config describes one session to open.
type Config struct {
	Role            proto.Role
	Model           string
	SystemPrompt    string
	AllowedTools    []string // nil means all
	DisallowedTools []string
	MaxTurns        int
	WorkDir         string
	MCPEndpoint     string
	CanUseTool      GuardFunc
	Logger          *logx.Logger
}

// Session is a streaming conversation with an external coding agent.
//
// The event channel is closed when the underlying stream ends. A stream that
// closes without a terminal result event is a transport failure; callers map
// it to proto.ProviderTransportError.
type Session interface {
	// SendPrompt enqueues a user message. Must not block indefinitely.
	SendPrompt(ctx context.Context, text string) error

	// Events yields the typed message stream in provider order.
	Events() <-chan Event

	// Interrupt requests best-effort cancellation of the current turn; the
	// stream should terminate soon after.
	Interrupt() error

	// Close disposes resources. Subsequent SendPrompt calls fail with
	// proto.ErrSessionClosed.
	Close() error
}

// Provider opens sessions against one backend.
type Provider interface {
	// Name returns the provider identifier, e.g. "claude-code".
	Name() string

	// Open starts a session. The session is live until Close.
	Open(ctx context.Context, cfg Config) (Session, error)
}
