package session

// Event types on the session stream.
const (
	EventAssistant = "assistant"
	EventUser      = "user"
	EventSystem    = "system"
	EventResult    = "result"
)

// System event subtypes.
const (
	SubtypeTurnLimitReached  = "turn_limit_reached"
	SubtypeConversationEnded = "conversation_ended"
)

// Content block types within an assistant or user message.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Event is one typed message from a session stream.
type Event struct {
	// Type is one of the Event* constants.
	Type string `json:"type"`

	// SessionID is the backend's session identifier, recorded on first
	// occurrence.
	SessionID string `json:"session_id,omitempty"`

	// Subtype carries system event detail such as turn_limit_reached.
	Subtype string `json:"subtype,omitempty"`

	// Message holds the content of assistant and user events.
	Message *AgentMessage `json:"message,omitempty"`

	// Result holds the terminal result of a turn (for type="result").
	Result *TurnResult `json:"result,omitempty"`

	// Raw is the raw JSON line for diagnostics.
	Raw string `json:"-"`
}

// AgentMessage is the payload of an assistant or user event.
type AgentMessage struct {
	ID      string         `json:"id,omitempty"`
	Role    string         `json:"role,omitempty"`
	Model   string         `json:"model,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
}

// ContentBlock is one ordered part of a message: text, a tool invocation,
// or a tool result.
type ContentBlock struct {
	Type string `json:"type"`

	// Text content (type="text").
	Text string `json:"text,omitempty"`

	// Tool invocation (type="tool_use").
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// Tool result (type="tool_result").
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TurnResult is the terminal event of a prompt turn.
type TurnResult struct {
	Success  bool   `json:"success,omitempty"`
	Message  string `json:"message,omitempty"`
	IsError  bool   `json:"is_error,omitempty"`
	NumTurns int    `json:"num_turns,omitempty"`
}

// TextEvent builds an assistant event carrying a single text block.
func TextEvent(text string) Event {
	return Event{
		Type: EventAssistant,
		Message: &AgentMessage{
			Role:    "assistant",
			Content: []ContentBlock{{Type: BlockText, Text: text}},
		},
	}
}

// ToolUseEvent builds an assistant event carrying a single tool_use block.
func ToolUseEvent(id, name string, input map[string]any) Event {
	return Event{
		Type: EventAssistant,
		Message: &AgentMessage{
			Role:    "assistant",
			Content: []ContentBlock{{Type: BlockToolUse, ID: id, Name: name, Input: input}},
		},
	}
}

// ToolResultEvent builds a user event carrying a single tool_result block.
func ToolResultEvent(toolUseID, content string, isError bool) Event {
	return Event{
		Type: EventUser,
		Message: &AgentMessage{
			Role:    "user",
			Content: []ContentBlock{{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}},
		},
	}
}

// ResultEvent builds a terminal turn result event.
func ResultEvent(success bool, message string) Event {
	return Event{
		Type:   EventResult,
		Result: &TurnResult{Success: success, Message: message},
	}
}

// SystemEvent builds a system event with the given subtype.
func SystemEvent(subtype string) Event {
	return Event{Type: EventSystem, Subtype: subtype}
}

// TextContent extracts all text blocks from an event, joined by newlines.
func (e *Event) TextContent() string {
	if e.Message == nil {
		return ""
	}
	var out string
	for i := range e.Message.Content {
		block := &e.Message.Content[i]
		if block.Type == BlockText && block.Text != "" {
			if out != "" {
				out += "\n"
			}
			out += block.Text
		}
	}
	return out
}

// ToolUses extracts all tool_use blocks from an event.
func (e *Event) ToolUses() []ContentBlock {
	if e.Message == nil {
		return nil
	}
	var uses []ContentBlock
	for i := range e.Message.Content {
		if e.Message.Content[i].Type == BlockToolUse {
			uses = append(uses, e.Message.Content[i])
		}
	}
	return uses
}

// ToolResults extracts all tool_result blocks from an event.
func (e *Event) ToolResults() []ContentBlock {
	if e.Message == nil {
		return nil
	}
	var results []ContentBlock
	for i := range e.Message.Content {
		if e.Message.Content[i].Type == BlockToolResult {
			results = append(results, e.Message.Content[i])
		}
	}
	return results
}
