// Package openai implements the "opencode" provider binding on top of the
// OpenAI Responses API. Like the anthropic provider it runs the tool loop
// itself; the conversation is carried as a flattened transcript because the
// Responses API is called statelessly.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"tandem/pkg/logx"
	"tandem/pkg/proto"
	"tandem/pkg/provider/mcptools"
	"tandem/pkg/provider/workspace"
	"tandem/pkg/session"
)

const (
	// EnvAPIKey is the environment variable holding the API key.
	EnvAPIKey = "OPENAI_API_KEY"

	defaultModel    = "gpt-5"
	defaultMaxTurns = 30
	maxOutputTokens = 8192
)

// Provider opens Responses-API-backed sessions.
type Provider struct {
	logger *logx.Logger
}

// New creates the provider.
func New(logger *logx.Logger) *Provider {
	if logger == nil {
		logger = logx.NewLogger("opencode")
	}
	return &Provider{logger: logger}
}

// Name implements session.Provider. The binding identifier is "opencode".
func (p *Provider) Name() string { return "opencode" }

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
		client:   openai.NewClient(option.WithAPIKey(apiKey)),
		logger:   logger,
		tools:    buildTools(cfg),
		events:   make(chan session.Event, 256),
		closedCh: make(chan struct{}),
	}
	return s, nil
}

type apiSession struct {
	cfg    session.Config
	client openai.Client
	logger *logx.Logger
	tools  []responses.ToolUnionParam

	events   chan session.Event
	closedCh chan struct{}
	wg       sync.WaitGroup

	turnMu     sync.Mutex
	transcript []string

	mu         sync.Mutex
	closed     bool
	turnCancel context.CancelFunc
}

// SendPrompt implements session.Session.
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
		s.transcript = append(s.transcript, "User: "+text)
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

func (s *apiSession) runTurn(ctx context.Context) {
	var lastText string

	for turn := 0; turn < s.cfg.MaxTurns; turn++ {
		params := responses.ResponseNewParams{
			Model:           s.cfg.Model,
			MaxOutputTokens: openai.Int(maxOutputTokens),
			Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(s.flatten())},
		}
		if len(s.tools) > 0 {
			params.Tools = s.tools
		}

		resp, err := s.client.Responses.New(ctx, params)
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

		text := resp.OutputText()
		if text != "" {
			lastText = text
			s.transcript = append(s.transcript, "Assistant: "+text)
		}

		var blocks []session.ContentBlock
		if text != "" {
			blocks = append(blocks, session.ContentBlock{Type: session.BlockText, Text: text})
		}

		var toolUses []session.ContentBlock
		for i := range resp.Output {
			item := &resp.Output[i]
			if item.Type != "function_call" {
				continue
			}
			funcItem := item.AsFunctionCall()
			var input map[string]any
			if funcItem.Arguments != "" {
				if err := json.Unmarshal([]byte(funcItem.Arguments), &input); err != nil {
					s.logger.Warn("⚠️ Unparseable arguments for %s call %s", funcItem.Name, funcItem.CallID)
					continue
				}
			}
			cb := session.ContentBlock{
				Type:  session.BlockToolUse,
				ID:    funcItem.CallID,
				Name:  funcItem.Name,
				Input: input,
			}
			blocks = append(blocks, cb)
			toolUses = append(toolUses, cb)
		}

		if len(blocks) > 0 {
			s.emit(session.Event{
				Type:      session.EventAssistant,
				SessionID: resp.ID,
				Message: &session.AgentMessage{
					ID:      resp.ID,
					Role:    "assistant",
					Model:   s.cfg.Model,
					Content: blocks,
				},
			})
		}

		if len(toolUses) == 0 {
			s.emit(session.ResultEvent(true, lastText))
			return
		}

		for _, use := range toolUses {
			content, isError := s.executeTool(ctx, use)
			s.emit(session.ToolResultEvent(use.ID, content, isError))
			status := "result"
			if isError {
				status = "error"
			}
			s.transcript = append(s.transcript, fmt.Sprintf("Tool %s (%s): %s", status, use.Name, content))
		}
	}

	s.logger.Warn("⚠️ Turn cap of %d model calls reached", s.cfg.MaxTurns)
	s.emit(session.SystemEvent(session.SubtypeTurnLimitReached))
	s.emit(session.ResultEvent(false, "turn limit reached"))
}

// flatten renders the conversation for the stateless Responses call.
func (s *apiSession) flatten() string {
	var parts []string
	if s.cfg.SystemPrompt != "" {
		parts = append(parts, "System: "+s.cfg.SystemPrompt)
	}
	parts = append(parts, s.transcript...)
	return strings.Join(parts, "\n\n")
}

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

// buildTools converts workspace and role command tools to function tools.
func buildTools(cfg session.Config) []responses.ToolUnionParam {
	var specs []workspace.Spec
	for _, spec := range workspace.Specs() {
		if toolPermitted(cfg, spec.Name) {
			specs = append(specs, spec)
		}
	}
	specs = append(specs, mcptools.ForRole(cfg.Role)...)

	tools := make([]responses.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, responses.ToolUnionParam{
			OfFunction: &responses.FunctionToolParam{
				Name:        spec.Name,
				Description: openai.String(spec.Description),
				Parameters: openai.FunctionParameters(map[string]any{
					"type":       "object",
					"properties": spec.Properties,
					"required":   spec.Required,
				}),
			},
		})
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
