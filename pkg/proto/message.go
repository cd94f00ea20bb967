package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is a single transcript entry produced by an agent session.
// Messages are emitted once and never mutated.
type Message struct {
	Role        string    `json:"role"` // user, assistant, system
	SessionRole Role      `json:"session_role"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewMessage creates a timestamped message.
func NewMessage(role string, sessionRole Role, content string) Message {
	return Message{
		Role:        role,
		SessionRole: sessionRole,
		Content:     content,
		Timestamp:   time.Now().UTC(),
	}
}

// ToJSON serializes the message for the event log.
func (m *Message) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// MessageFromJSON deserializes a message from the event log.
func MessageFromJSON(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &m, nil
}
