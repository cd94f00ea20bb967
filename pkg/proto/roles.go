// Package proto defines the shared vocabulary of the orchestration engine:
// roles, phases, messages, tracked tool calls, permission requests, and the
// structured commands agents emit through their well-known tools.
package proto

import "fmt"

// Role identifies which seat of the pairing session an agent occupies.
type Role string

const (
	// RoleArchitect is the planning-only agent invoked once per run.
	RoleArchitect Role = "architect"
	// RoleDriver is the agent that writes code.
	RoleDriver Role = "driver"
	// RoleNavigator is the agent that reviews file mutations and completed work.
	RoleNavigator Role = "navigator"
)

// String implements the Stringer interface.
func (r Role) String() string {
	return string(r)
}

// ParseRole converts a string to a Role with validation.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleArchitect, RoleDriver, RoleNavigator:
		return Role(s), nil
	default:
		return "", fmt.Errorf("invalid role: %s", s)
	}
}
