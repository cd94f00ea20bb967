package claudecode

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"tandem/pkg/logx"
	"tandem/pkg/session"
)

// streamLine is one line of Claude Code's stream-json output.
type streamLine struct {
	Type      string         `json:"type"`
	Subtype   string         `json:"subtype,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Message   *streamMessage `json:"message,omitempty"`
	Result    string         `json:"result,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	NumTurns  int            `json:"num_turns,omitempty"`
}

type streamMessage struct {
	ID      string        `json:"id,omitempty"`
	Role    string        `json:"role,omitempty"`
	Model   string        `json:"model,omitempty"`
	Content []streamBlock `json:"content,omitempty"`
}

type streamBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// StreamParser converts Claude Code stream-json lines into session events.
type StreamParser struct {
	onEvent   func(session.Event)
	logger    *logx.Logger
	lineCount int
}

// NewStreamParser creates a parser delivering events to the callback.
func NewStreamParser(onEvent func(session.Event), logger *logx.Logger) *StreamParser {
	if logger == nil {
		logger = logx.NewLogger("claude-parser")
	}
	return &StreamParser{onEvent: onEvent, logger: logger}
}

// ParseLine parses one line. Unparseable lines are logged and skipped.
func (p *StreamParser) ParseLine(line string) *session.Event {
	p.lineCount++
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	var raw streamLine
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		p.logger.Debug("stream parse error: %v", err)
		return nil
	}

	ev := p.convert(&raw, line)
	if ev == nil {
		return nil
	}
	if p.onEvent != nil {
		p.onEvent(*ev)
	}
	return ev
}

// ParseReader parses lines until the reader is exhausted.
func (p *StreamParser) ParseReader(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	// Tool inputs can make single lines large.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	for scanner.Scan() {
		p.ParseLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return logx.Wrap(err, "stream scanner")
	}
	return nil
}

// LineCount returns the number of lines seen.
func (p *StreamParser) LineCount() int {
	return p.lineCount
}

func (p *StreamParser) convert(raw *streamLine, line string) *session.Event {
	switch raw.Type {
	case "assistant", "user":
		if raw.Message == nil {
			return nil
		}
		ev := session.Event{
			Type:      session.EventAssistant,
			SessionID: raw.SessionID,
			Message:   &session.AgentMessage{ID: raw.Message.ID, Role: raw.Message.Role, Model: raw.Message.Model},
			Raw:       line,
		}
		if raw.Type == "user" {
			ev.Type = session.EventUser
		}
		for _, block := range raw.Message.Content {
			switch block.Type {
			case "text":
				ev.Message.Content = append(ev.Message.Content, session.ContentBlock{
					Type: session.BlockText,
					Text: block.Text,
				})
			case "tool_use":
				ev.Message.Content = append(ev.Message.Content, session.ContentBlock{
					Type:  session.BlockToolUse,
					ID:    block.ID,
					Name:  block.Name,
					Input: block.Input,
				})
			case "tool_result":
				ev.Message.Content = append(ev.Message.Content, session.ContentBlock{
					Type:      session.BlockToolResult,
					ToolUseID: block.ToolUseID,
					Content:   string(block.Content),
					IsError:   block.IsError,
				})
			}
		}
		return &ev

	case "system":
		return &session.Event{
			Type:      session.EventSystem,
			SessionID: raw.SessionID,
			Subtype:   raw.Subtype,
			Raw:       line,
		}

	case "result":
		ev := session.ResultEvent(!raw.IsError, raw.Result)
		ev.SessionID = raw.SessionID
		ev.Subtype = raw.Subtype
		ev.Raw = line
		if raw.Subtype == "error_max_turns" {
			ev.Subtype = session.SubtypeTurnLimitReached
		}
		if ev.Result != nil {
			ev.Result.NumTurns = raw.NumTurns
		}
		return &ev

	default:
		return nil
	}
}
