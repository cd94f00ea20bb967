// Package mcptools declares the role-specific command tools offered to
// SDK-backed sessions. The names form the external contract parsed by the
// controllers.
package mcptools

import (
	"strings"

	"tandem/pkg/proto"
	"tandem/pkg/provider/workspace"
)

// ForRole returns the command tool specs for a session role.
func ForRole(role proto.Role) []workspace.Spec {
	switch role {
	case proto.RoleArchitect:
		return []workspace.Spec{{
			Name:        "exit_plan_mode",
			Description: "Finishes planning and submits the implementation plan.",
			Properties: map[string]any{
				"plan": map[string]any{"type": "string", "description": "The numbered implementation plan."},
			},
			Required: []string{"plan"},
		}}

	case proto.RoleDriver:
		return []workspace.Spec{
			{
				Name:        proto.ToolDriverRequestReview,
				Description: "Requests a final code review of the completed implementation.",
				Properties: map[string]any{
					"context": map[string]any{"type": "string", "description": "Summary of what was implemented."},
				},
			},
			{
				Name:        proto.ToolDriverRequestGuide,
				Description: "Asks the Navigator for guidance when stuck.",
				Properties: map[string]any{
					"context": map[string]any{"type": "string", "description": "What you are stuck on."},
				},
				Required: []string{"context"},
			},
		}

	case proto.RoleNavigator:
		return []workspace.Spec{
			{
				Name:        proto.ToolNavigatorApprove,
				Description: "Approves the pending permission request.",
				Properties: map[string]any{
					"requestId": map[string]any{"type": "string"},
					"comment":   map[string]any{"type": "string"},
				},
			},
			{
				Name:        proto.ToolNavigatorDeny,
				Description: "Denies the pending permission request with a reason.",
				Properties: map[string]any{
					"requestId": map[string]any{"type": "string"},
					"comment":   map[string]any{"type": "string"},
				},
				Required: []string{"comment"},
			},
			{
				Name:        proto.ToolNavigatorCodeReview,
				Description: "Delivers the final review verdict.",
				Properties: map[string]any{
					"comment": map[string]any{"type": "string"},
					"pass":    map[string]any{"type": "boolean"},
				},
				Required: []string{"comment", "pass"},
			},
			{
				Name:        proto.ToolNavigatorComplete,
				Description: "Marks the task complete with a summary.",
				Properties: map[string]any{
					"summary": map[string]any{"type": "string"},
				},
				Required: []string{"summary"},
			},
		}
	}
	return nil
}

// IsCommandTool reports whether a tool name is a role command rather than a
// workspace action. Command tools get synthetic success results; their
// meaning is carried by the event stream.
func IsCommandTool(name string) bool {
	return strings.HasPrefix(name, "mcp__") ||
		strings.HasPrefix(name, "pair-") ||
		name == "exit_plan_mode"
}
