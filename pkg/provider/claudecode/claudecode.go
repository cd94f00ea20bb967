// Package claudecode runs Claude Code as a subprocess in stream-json mode
// and adapts its output to the session interface. The permission guard is
// exposed to the subprocess through a local MCP gate server.
package claudecode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tandem/pkg/logx"
	"tandem/pkg/proto"
	"tandem/pkg/session"
)

// DefaultBinary is the Claude Code executable name.
const DefaultBinary = "claude"

// Provider opens Claude Code subprocess sessions.
type Provider struct {
	binary string
	logger *logx.Logger
}

// NewProvider creates a provider using the given binary, or DefaultBinary
// when empty.
func NewProvider(binary string, logger *logx.Logger) *Provider {
	if binary == "" {
		binary = DefaultBinary
	}
	if logger == nil {
		logger = logx.NewLogger("claude-code")
	}
	return &Provider{binary: binary, logger: logger}
}

// Name implements session.Provider.
func (p *Provider) Name() string {
	return "claude-code"
}

// Open starts the subprocess and its permission gate.
func (p *Provider) Open(ctx context.Context, cfg session.Config) (session.Session, error) {
	sessionID := uuid.New().String()

	gate := NewGateServer(cfg.CanUseTool, p.logger)
	if err := gate.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start permission gate: %w", err)
	}

	configPath, err := writeMCPConfig(gate, cfg)
	if err != nil {
		gate.Stop()
		return nil, err
	}

	args := p.buildArgs(cfg, sessionID, configPath)
	cmd := exec.Command(p.binary, args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		gate.Stop()
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		gate.Stop()
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	cmd.Stderr = &stderrLogger{logger: p.logger}

	if err := cmd.Start(); err != nil {
		gate.Stop()
		return nil, fmt.Errorf("failed to start %s: %w", p.binary, err)
	}
	p.logger.Info("🔄 Claude Code started: session=%s role=%s model=%s gate_port=%d",
		sessionID, cfg.Role, cfg.Model, gate.Port())

	s := &claudeSession{
		id:         sessionID,
		cmd:        cmd,
		stdin:      stdin,
		gate:       gate,
		configPath: configPath,
		events:     make(chan session.Event, 256),
		waitDone:   make(chan struct{}),
		logger:     p.logger,
	}
	go s.consume(stdout)
	return s, nil
}

// buildArgs constructs the command line for a long-running stream session.
func (p *Provider) buildArgs(cfg session.Config, sessionID, configPath string) []string {
	args := []string{
		"--print",
		"--verbose",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--session-id", sessionID,
		"--mcp-config", configPath,
		"--permission-prompt-tool", PermissionPromptTool(),
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", cfg.SystemPrompt)
	}
	if cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(cfg.MaxTurns))
	}
	if len(cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(cfg.AllowedTools, ","))
	}
	if len(cfg.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(cfg.DisallowedTools, ","))
	}
	return args
}

// writeMCPConfig writes the session's MCP config to a temp file and returns
// its path. The permission gate is always present; a role's external MCP
// endpoint, when configured, is mounted under the role name so its tools
// resolve as mcp__<role>__<verb>.
func writeMCPConfig(gate *GateServer, cfg session.Config) (string, error) {
	servers := map[string]any{
		gateServerName: map[string]any{
			"type": "http",
			"url":  gate.URL(),
			"headers": map[string]string{
				"Authorization": "Bearer " + gate.Token(),
			},
		},
	}
	if cfg.MCPEndpoint != "" && cfg.Role != "" {
		servers[string(cfg.Role)] = map[string]any{
			"type": "http",
			"url":  cfg.MCPEndpoint,
		}
	}
	config := map[string]any{"mcpServers": servers}
	data, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("failed to marshal MCP config: %w", err)
	}

	f, err := os.CreateTemp("", "tandem-mcp-*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create MCP config: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write MCP config: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to close MCP config: %w", err)
	}
	return filepath.Clean(f.Name()), nil
}

// stderrLogger forwards subprocess stderr to debug logging.
type stderrLogger struct {
	logger *logx.Logger
}

func (l *stderrLogger) Write(p []byte) (int, error) {
	if text := strings.TrimSpace(string(p)); text != "" {
		l.logger.Debug("claude stderr: %s", text)
	}
	return len(p), nil
}

// userMessage is the stream-json stdin frame for a user prompt.
type userMessage struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

type claudeSession struct {
	id         string
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	gate       *GateServer
	configPath string
	events     chan session.Event
	waitDone   chan struct{}
	logger     *logx.Logger

	mu     sync.Mutex
	closed bool
}

// consume parses the subprocess stdout into the event stream.
func (s *claudeSession) consume(stdout io.Reader) {
	parser := NewStreamParser(func(ev session.Event) {
		if ev.SessionID == "" {
			ev.SessionID = s.id
		}
		s.events <- ev
	}, s.logger)

	if err := parser.ParseReader(stdout); err != nil {
		s.logger.Warn("claude stream: %v", err)
	}
	if err := s.cmd.Wait(); err != nil {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			s.logger.Warn("claude exited: %v", err)
		}
	}
	close(s.waitDone)
	close(s.events)
}

// SendPrompt writes one user message frame to stdin.
func (s *claudeSession) SendPrompt(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return proto.ErrSessionClosed
	}

	var msg userMessage
	msg.Type = "user"
	msg.Message.Role = "user"
	msg.Message.Content = append(msg.Message.Content, struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{Type: "text", Text: text})

	data, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("failed to marshal prompt: %w", err)
	}
	data = append(data, '\n')
	if _, err := s.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write prompt: %w", err)
	}
	return nil
}

// Events implements session.Session.
func (s *claudeSession) Events() <-chan session.Event {
	return s.events
}

// Interrupt sends SIGINT to abort the in-flight turn.
func (s *claudeSession) Interrupt() error {
	if s.cmd.Process == nil {
		return nil
	}
	if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
		return fmt.Errorf("failed to interrupt claude: %w", err)
	}
	return nil
}

// Close ends the subprocess and cleans up the gate. The process gets a grace
// period after stdin closes before being killed.
func (s *claudeSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.stdin.Close(); err != nil {
		s.logger.Debug("stdin close: %v", err)
	}

	// A closed stdin lets the process exit on its own; kill on timeout.
	select {
	case <-s.waitDone:
	case <-time.After(5 * time.Second):
		s.logger.Warn("claude did not exit, killing")
		if err := s.cmd.Process.Kill(); err != nil {
			s.logger.Warn("kill: %v", err)
		}
		<-s.waitDone
	}

	s.gate.Stop()
	if s.configPath != "" {
		os.Remove(s.configPath)
	}
	s.logger.Info("✅ Claude Code session closed: %s", s.id)
	return nil
}
