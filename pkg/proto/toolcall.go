package proto

import (
	"fmt"
	"time"
)

// ToolStatus is the review status of a tracked tool call.
type ToolStatus string

const (
	// ToolStatusPending means the call awaits a Navigator decision.
	ToolStatusPending ToolStatus = "pending"
	// ToolStatusApproved means the Navigator allowed the call.
	ToolStatusApproved ToolStatus = "approved"
	// ToolStatusDenied means the Navigator (or a synthetic deny) blocked it.
	ToolStatusDenied ToolStatus = "denied"
	// ToolStatusDisplayed means the resolved call has been rendered.
	ToolStatusDisplayed ToolStatus = "displayed"
)

// String implements the Stringer interface.
func (s ToolStatus) String() string {
	return string(s)
}

// IsTerminal reports whether the status is final.
func (s ToolStatus) IsTerminal() bool {
	return s == ToolStatusApproved || s == ToolStatusDenied || s == ToolStatusDisplayed
}

// ParseToolStatus converts a string to a ToolStatus with validation.
func ParseToolStatus(s string) (ToolStatus, error) {
	switch ToolStatus(s) {
	case ToolStatusPending, ToolStatusApproved, ToolStatusDenied, ToolStatusDisplayed:
		return ToolStatus(s), nil
	default:
		return "", fmt.Errorf("invalid tool status: %s", s)
	}
}

// ToolCall is one tracked tool attempt by an agent.
type ToolCall struct {
	ToolID              string         `json:"tool_id"`
	ToolName            string         `json:"tool_name"`
	Input               map[string]any `json:"input,omitempty"`
	SessionRole         Role           `json:"session_role"`
	Timestamp           time.Time      `json:"timestamp"`
	Status              ToolStatus     `json:"status"`
	ReviewComment       string         `json:"review_comment,omitempty"`
	ProviderCallID      string         `json:"provider_call_id,omitempty"`
	PermissionRequestID string         `json:"permission_request_id,omitempty"`
}

// reviewableTools is the closed set of tool names that mutate persistent
// state. Everything else bypasses the permission gate.
var reviewableTools = map[string]bool{
	"Write":        true,
	"Edit":         true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

// IsReviewableTool reports whether a tool name requires Navigator approval.
func IsReviewableTool(name string) bool {
	return reviewableTools[name]
}

// ReviewableTools returns the reviewable tool names.
func ReviewableTools() []string {
	return []string{"Write", "Edit", "MultiEdit", "NotebookEdit"}
}

// ToolSummary renders the one-line transcript entry for a tool attempt,
// naming the file or command it targets when the input carries one.
func ToolSummary(toolName string, input map[string]any) string {
	target := ""
	for _, key := range []string{"file_path", "path", "notebook_path", "command", "pattern"} {
		if v, ok := input[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				target = s
				break
			}
		}
	}
	if target == "" {
		return fmt.Sprintf("Tool: %s", toolName)
	}
	return fmt.Sprintf("Tool: %s - %s", toolName, target)
}
