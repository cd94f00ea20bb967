// Package anthropic implements a session backed directly by the Anthropic
// Messages API. Unlike the claude-code provider there is no agent subprocess;
// this package runs the tool loop itself, executing workspace tools locally
// and routing reviewable mutations through the permission guard.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"tandem/pkg/logx"
	"tandem/pkg/proto"
	"tandem/pkg/provider/mcptools"
	"tandem/pkg/provider/workspace"
	"tandem/pkg/session"
)

const (
	// EnvAPIKey is the environment variable holding the API key.
	EnvAPIKey = "ANTHROPIC_API_KEY"

	defaultModel    = "claude-sonnet-4-0"
	defaultMaxTurns = 30
	maxTokens       = 8192
)

// Provider opens API-backed sessions.
type Provider struct {
	logger *logx.Logger
}

// New creates the provider.
func New(logger *logx.Logger) *Provider {
	if logger == nil {
		logger = logx.NewLogger("anthropic")
	}
	return &Provider{logger: logger}
}

// Name implements session.Provider.
func (p *Provider) Name() string { return "anthropic" }

// Open implements session.Provider.
func (p *Provider) Open(_ context.Context, cfg session.Config) (session.Session, error) {
	apiKey := os.Getenv(EnvAPIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%s is not set", EnvAPIKey)
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	logger := cfg.Logger
	if logger == nil {
		logger = p.logger
	}

	s := &apiSession{
		cfg:      cfg,
		client:   anthropic.NewClient(option.WithAPIKey(apiKey)),
		logger:   logger,
		tools:    buildTools(cfg),
		events:   make(chan session.Event, 256),
		closedCh: make(chan struct{}),
	}
	return s, nil
}

// apiSession drives one conversation. Prompt turns are serialized; within a
// turn the session loops model call, tool execution, tool results until the
// model stops calling tools or the turn cap is hit.
type apiSession struct {
	cfg    session.Config
	client anthropic.Client
	logger *logx.Logger
	tools  []anthropic.ToolUnionParam

	events   chan session.Event
	closedCh chan struct{}
	wg       sync.WaitGroup

	turnMu  sync.Mutex
	history []anthropic.MessageParam

	mu         sync.Mutex
	closed     bool
	turnCancel context.CancelFunc
}

// SendPrompt implements session.Session. The turn runs in the background;
// progress arrives on Events.
func (s *apiSession) SendPrompt(_ context.Context, text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return proto.ErrSessionClosed
	}
	turnCtx, cancel := context.WithCancel(context.Background())
	s.turnCancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.turnMu.Lock()
		defer s.turnMu.Unlock()
		s.history = append(s.history, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
		s.runTurn(turnCtx)
	}()
	return nil
}

// Events implements session.Session.
func (s *apiSession) Events() <-chan session.Event { return s.events }

// Interrupt implements session.Session.
func (s *apiSession) Interrupt() error {
	s.mu.Lock()
	cancel := s.turnCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Close implements session.Session.
func (s *apiSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closedCh)
	cancel := s.turnCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	close(s.events)
	return nil
}

func (s *apiSession) emit(ev session.Event) {
	select {
	case s.events <- ev:
	case <-s.closedCh:
	}
}

// runTurn performs the agent loop for one prompt turn. It always terminates
// with a result event so controllers reach quiescence.
func (s *apiSession) runTurn(ctx context.Context) {
	var lastText string

	for turn := 0; turn < s.cfg.MaxTurns; turn++ {
		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(s.cfg.Model),
			Messages:  s.history,
			MaxTokens: maxTokens,
		}
		if s.cfg.SystemPrompt != "" {
			params.System = []anthropic.TextBlockParam{{
				Text: s.cfg.SystemPrompt,
				Type: "text",
			}}
		}
		if len(s.tools) > 0 {
			params.Tools = s.tools
		}

		resp, err := s.client.Messages.New(ctx, params)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Debug("⏳ Turn interrupted")
				s.emit(session.ResultEvent(false, "interrupted"))
				return
			}
			s.logger.Error("❌ API call failed: %v", err)
			s.emit(session.ResultEvent(false, fmt.Sprintf("api error: %v", err)))
			return
		}

		blocks, toolUses, text := convertResponse(resp)
		if text != "" {
			lastText = text
		}
		s.emit(session.Event{
			Type:      session.EventAssistant,
			SessionID: resp.ID,
			Message: &session.AgentMessage{
				ID:      resp.ID,
				Role:    "assistant",
				Model:   string(resp.Model),
				Content: blocks,
			},
		})
		s.history = append(s.history, assistantParam(blocks))

		if len(toolUses) == 0 {
			s.emit(session.ResultEvent(true, lastText))
			return
		}

		resultBlocks := make([]anthropic.ContentBlockParamUnion, 0, len(toolUses))
		for _, use := range toolUses {
			content, isError := s.executeTool(ctx, use)
			s.emit(session.ToolResultEvent(use.ID, content, isError))
			resultBlocks = append(resultBlocks, anthropic.NewToolResultBlock(use.ID, content, isError))
		}
		s.history = append(s.history, anthropic.NewUserMessage(resultBlocks...))
	}

	s.logger.Warn("⚠️ Turn cap of %d model calls reached", s.cfg.MaxTurns)
	s.emit(session.SystemEvent(session.SubtypeTurnLimitReached))
	s.emit(session.ResultEvent(false, "turn limit reached"))
}

// executeTool resolves one tool_use block: role command tools are
// acknowledged without executing, reviewable mutations pass through the
// guard, everything else runs against the workspace.
func (s *apiSession) executeTool(ctx context.Context, use session.ContentBlock) (string, bool) {
	if mcptools.IsCommandTool(use.Name) {
		return "ok", false
	}

	input := use.Input
	if proto.IsReviewableTool(use.Name) && s.cfg.CanUseTool != nil {
		result, err := s.cfg.CanUseTool(ctx, use.Name, input, session.GuardOptions{ProviderCallID: use.ID})
		if err != nil {
			return fmt.Sprintf("permission check failed: %v", err), true
		}
		if !result.Allowed {
			reason := result.Reason
			if reason == "" {
				reason = "denied"
			}
			return fmt.Sprintf("Permission denied: %s", reason), true
		}
		if result.UpdatedInput != nil {
			input = result.UpdatedInput
		}
	}

	out, err := workspace.Run(ctx, s.cfg.WorkDir, use.Name, input)
	if err != nil {
		return err.Error(), true
	}
	return out, false
}

// convertResponse maps API content blocks to session blocks, returning the
// tool_use blocks and the concatenated text separately.
func convertResponse(resp *anthropic.Message) ([]session.ContentBlock, []session.ContentBlock, string) {
	var blocks []session.ContentBlock
	var toolUses []session.ContentBlock
	var texts []string

	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			textBlock := block.AsText()
			blocks = append(blocks, session.ContentBlock{Type: session.BlockText, Text: textBlock.Text})
			texts = append(texts, textBlock.Text)
		case "tool_use":
			toolUseBlock := block.AsToolUse()
			var input map[string]any
			if err := json.Unmarshal(toolUseBlock.Input, &input); err != nil {
				input = map[string]any{}
			}
			cb := session.ContentBlock{
				Type:  session.BlockToolUse,
				ID:    toolUseBlock.ID,
				Name:  toolUseBlock.Name,
				Input: input,
			}
			blocks = append(blocks, cb)
			toolUses = append(toolUses, cb)
		}
	}
	return blocks, toolUses, strings.Join(texts, "\n")
}

// assistantParam rebuilds the assistant message for the history from the
// session blocks we emitted.
func assistantParam(blocks []session.ContentBlock) anthropic.MessageParam {
	var content []anthropic.ContentBlockParamUnion
	for _, block := range blocks {
		switch block.Type {
		case session.BlockText:
			content = append(content, anthropic.NewTextBlock(block.Text))
		case session.BlockToolUse:
			content = append(content, anthropic.NewToolUseBlock(block.ID, block.Input, block.Name))
		}
	}
	if len(content) == 0 {
		content = append(content, anthropic.NewTextBlock(""))
	}
	return anthropic.NewAssistantMessage(content...)
}

// buildTools assembles the tool list: workspace tools filtered by the
// session's allow and deny lists, plus the role command tools.
func buildTools(cfg session.Config) []anthropic.ToolUnionParam {
	var specs []workspace.Spec
	for _, spec := range workspace.Specs() {
		if toolPermitted(cfg, spec.Name) {
			specs = append(specs, spec)
		}
	}
	specs = append(specs, mcptools.ForRole(cfg.Role)...)

	tools := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		toolParam := anthropic.ToolParam{
			Name: spec.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Type:       "object",
				Properties: spec.Properties,
				Required:   spec.Required,
			},
		}
		tools = append(tools, anthropic.ToolUnionParamOfTool(toolParam.InputSchema, toolParam.Name))
	}
	return tools
}

func toolPermitted(cfg session.Config, name string) bool {
	for _, deny := range cfg.DisallowedTools {
		if deny == name {
			return false
		}
	}
	if cfg.AllowedTools == nil {
		return true
	}
	for _, allow := range cfg.AllowedTools {
		if allow == name {
			return true
		}
	}
	return false
}
