package broker

import (
	"strings"
	"sync"

	"tandem/pkg/proto"
)

// Buffer is the rolling ordered list of Driver outputs awaiting the next
// forward-to-Navigator event. It is owned by the orchestrator, not the
// Driver session: the controller appends, and only the broker gate and the
// loop's review/guidance forwards flush it.
type Buffer struct {
	mu    sync.Mutex
	lines []string
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// AppendText records one assistant text line.
func (b *Buffer) AppendText(text string) {
	if text == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, text)
}

// AppendToolSummary records the one-line summary of a tool attempt.
func (b *Buffer) AppendToolSummary(toolName string, input map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, proto.ToolSummary(toolName, input))
}

// Flush atomically empties the buffer and returns its contents as a single
// transcript string. No new text entering after the flush can appear in the
// returned transcript, and no segment is ever returned twice.
func (b *Buffer) Flush() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.lines) == 0 {
		return ""
	}
	out := strings.Join(b.lines, "\n")
	b.lines = nil
	return out
}

// Len returns the number of buffered lines.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}
