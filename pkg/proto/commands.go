package proto

import "strings"

// Canonical MCP tool names. These are stable and form part of the external
// contract with the agent backends.
const (
	ToolNavigatorApprove    = "mcp__navigator__navigatorApprove"
	ToolNavigatorDeny       = "mcp__navigator__navigatorDeny"
	ToolNavigatorCodeReview = "mcp__navigator__navigatorCodeReview"
	ToolNavigatorComplete   = "mcp__navigator__navigatorComplete"
	ToolDriverRequestReview = "mcp__driver__driverRequestReview"
	ToolDriverRequestGuide  = "mcp__driver__driverRequestGuidance"
)

// Legacy prefixes accepted for backward compatibility and mapped to the
// canonical forms.
const (
	legacyNavigatorPrefix   = "pair-navigator_"
	legacyDriverPrefix      = "pair-driver_"
	canonicalNavPrefix      = "mcp__navigator__"
	canonicalDriverPrefix   = "mcp__driver__"
	verbNavigatorApprove    = "navigatorApprove"
	verbNavigatorDeny       = "navigatorDeny"
	verbNavigatorCodeReview = "navigatorCodeReview"
	verbNavigatorComplete   = "navigatorComplete"
	verbDriverReview        = "driverRequestReview"
	verbDriverGuidance      = "driverRequestGuidance"
)

// NavigatorVerb discriminates NavigatorCommand variants.
type NavigatorVerb string

const (
	NavigatorApprove    NavigatorVerb = "approve"
	NavigatorDeny       NavigatorVerb = "deny"
	NavigatorCodeReview NavigatorVerb = "code_review"
	NavigatorComplete   NavigatorVerb = "complete"
)

// NavigatorCommand is a structured Navigator decision parsed from a tool
// call on the session stream.
type NavigatorCommand struct {
	Verb      NavigatorVerb `json:"verb"`
	RequestID string        `json:"request_id,omitempty"`
	Comment   string        `json:"comment,omitempty"`
	Pass      bool          `json:"pass,omitempty"`
	Summary   string        `json:"summary,omitempty"`
}

// DriverVerb discriminates DriverCommand variants.
type DriverVerb string

const (
	DriverRequestReview   DriverVerb = "request_review"
	DriverRequestGuidance DriverVerb = "request_guidance"
)

// DriverCommand is a structured Driver request parsed from a tool call on
// the session stream.
type DriverCommand struct {
	Verb    DriverVerb `json:"verb"`
	Context string     `json:"context,omitempty"`
}

// navigatorVerb maps a tool name, canonical or legacy, to its verb.
// Unknown names stay unknown; they never error.
func navigatorVerb(toolName string) (string, bool) {
	switch {
	case strings.HasPrefix(toolName, canonicalNavPrefix):
		return strings.TrimPrefix(toolName, canonicalNavPrefix), true
	case strings.HasPrefix(toolName, legacyNavigatorPrefix):
		return strings.TrimPrefix(toolName, legacyNavigatorPrefix), true
	default:
		return "", false
	}
}

func driverVerb(toolName string) (string, bool) {
	switch {
	case strings.HasPrefix(toolName, canonicalDriverPrefix):
		return strings.TrimPrefix(toolName, canonicalDriverPrefix), true
	case strings.HasPrefix(toolName, legacyDriverPrefix):
		return strings.TrimPrefix(toolName, legacyDriverPrefix), true
	default:
		return "", false
	}
}

// ParseNavigatorCommand coerces a tool call into a NavigatorCommand.
// Returns false for tool names outside the Navigator vocabulary.
func ParseNavigatorCommand(toolName string, input map[string]any) (*NavigatorCommand, bool) {
	verb, ok := navigatorVerb(toolName)
	if !ok {
		return nil, false
	}

	switch verb {
	case verbNavigatorApprove:
		return &NavigatorCommand{
			Verb:      NavigatorApprove,
			RequestID: stringArg(input, "requestId"),
			Comment:   stringArg(input, "comment"),
		}, true
	case verbNavigatorDeny:
		return &NavigatorCommand{
			Verb:      NavigatorDeny,
			RequestID: stringArg(input, "requestId"),
			Comment:   stringArg(input, "comment"),
		}, true
	case verbNavigatorCodeReview:
		return &NavigatorCommand{
			Verb:    NavigatorCodeReview,
			Comment: stringArg(input, "comment"),
			Pass:    boolArg(input, "pass"),
		}, true
	case verbNavigatorComplete:
		return &NavigatorCommand{
			Verb:    NavigatorComplete,
			Summary: stringArg(input, "summary"),
		}, true
	default:
		return nil, false
	}
}

// ParseDriverCommand coerces a tool call into a DriverCommand.
// Returns false for tool names outside the Driver vocabulary.
func ParseDriverCommand(toolName string, input map[string]any) (*DriverCommand, bool) {
	verb, ok := driverVerb(toolName)
	if !ok {
		return nil, false
	}

	switch verb {
	case verbDriverReview:
		return &DriverCommand{
			Verb:    DriverRequestReview,
			Context: stringArg(input, "context"),
		}, true
	case verbDriverGuidance:
		return &DriverCommand{
			Verb:    DriverRequestGuidance,
			Context: stringArg(input, "context"),
		}, true
	default:
		return nil, false
	}
}

func stringArg(input map[string]any, key string) string {
	if input == nil {
		return ""
	}
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}

func boolArg(input map[string]any, key string) bool {
	if input == nil {
		return false
	}
	switch v := input[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}
