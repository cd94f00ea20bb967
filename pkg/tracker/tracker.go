// Package tracker assigns stable identifiers to tool calls and correlates
// them with permission requests and review outcomes.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tandem/pkg/logx"
	"tandem/pkg/proto"
)

// DefaultDisplayTimeout bounds how long a display path waits to pair a tool
// call with its review outcome.
const DefaultDisplayTimeout = 2 * time.Second

// DefaultRetention is how long terminal tool calls are kept before GC.
const DefaultRetention = 5 * time.Minute

// ReviewOutcome is the terminal decision recorded for a tool call.
type ReviewOutcome struct {
	Approved bool
	Comment  string
}

type entry struct {
	call    proto.ToolCall
	outcome *ReviewOutcome
	waiters []chan ReviewOutcome
}

// Tracker holds the in-memory tool call indexes. It is owned by the loop
// and passed into the broker; it never reaches into other components.
type Tracker struct {
	mu        sync.Mutex
	counter   uint64
	calls     map[string]*entry // toolId -> entry
	byRequest map[string]string // permissionRequestId -> toolId
	byCallID  map[string]string // providerCallId -> toolId
	logger    *logx.Logger
}

// New creates an empty tracker.
func New(logger *logx.Logger) *Tracker {
	if logger == nil {
		logger = logx.NewLogger("tracker")
	}
	return &Tracker{
		calls:     make(map[string]*entry),
		byRequest: make(map[string]string),
		byCallID:  make(map[string]string),
		logger:    logger,
	}
}

// Register allocates a tool id for an attempted tool call. IDs are unique
// per run and strictly increasing.
func (t *Tracker) Register(toolName string, input map[string]any, role proto.Role) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counter++
	toolID := fmt.Sprintf("TOOL_%06d", t.counter)

	t.calls[toolID] = &entry{
		call: proto.ToolCall{
			ToolID:      toolID,
			ToolName:    toolName,
			Input:       input,
			SessionRole: role,
			Timestamp:   time.Now().UTC(),
			Status:      proto.ToolStatusPending,
		},
	}

	t.logger.DebugDomain("tracker", "registered %s (%s, role=%s)", toolID, toolName, role)
	return toolID
}

// AssociateCallID links the backend's own call id to a tracked tool call.
func (t *Tracker) AssociateCallID(toolID, providerCallID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.calls[toolID]
	if !ok {
		return fmt.Errorf("unknown tool id %s", toolID)
	}
	e.call.ProviderCallID = providerCallID
	t.byCallID[providerCallID] = toolID
	return nil
}

// AssociatePermissionRequest links a broker request id to a tracked tool
// call. The request id, once set, uniquely indexes back to this call.
func (t *Tracker) AssociatePermissionRequest(toolID, requestID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.calls[toolID]
	if !ok {
		return fmt.Errorf("unknown tool id %s", toolID)
	}
	e.call.PermissionRequestID = requestID
	t.byRequest[requestID] = toolID
	return nil
}

// LookupByRequest resolves a permission request id to its tool call.
func (t *Tracker) LookupByRequest(requestID string) (proto.ToolCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	toolID, ok := t.byRequest[requestID]
	if !ok {
		return proto.ToolCall{}, false
	}
	e, ok := t.calls[toolID]
	if !ok {
		return proto.ToolCall{}, false
	}
	return e.call, true
}

// Lookup returns a snapshot of a tracked tool call.
func (t *Tracker) Lookup(toolID string) (proto.ToolCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.calls[toolID]
	if !ok {
		return proto.ToolCall{}, false
	}
	return e.call, true
}

// RecordReview transitions a tool call to its terminal status and wakes any
// blocked waiters. Recording the same outcome again is idempotent: terminal
// state stays terminal and waiters re-resolve with the stored outcome.
func (t *Tracker) RecordReview(toolID string, approved bool, comment string) {
	t.mu.Lock()
	e, ok := t.calls[toolID]
	if !ok {
		t.mu.Unlock()
		t.logger.Warn("review recorded for unknown tool id %s", toolID)
		return
	}

	if e.outcome == nil {
		e.outcome = &ReviewOutcome{Approved: approved, Comment: comment}
		if approved {
			e.call.Status = proto.ToolStatusApproved
		} else {
			e.call.Status = proto.ToolStatusDenied
		}
		e.call.ReviewComment = comment
	}

	outcome := *e.outcome
	waiters := e.waiters
	e.waiters = nil
	t.mu.Unlock()

	for _, ch := range waiters {
		ch <- outcome
		close(ch)
	}
}

// MarkDisplayed records that a resolved tool call has been rendered.
func (t *Tracker) MarkDisplayed(toolID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.calls[toolID]; ok && e.call.Status.IsTerminal() {
		e.call.Status = proto.ToolStatusDisplayed
	}
}

// WaitForReview resolves immediately if the tool call is already terminal;
// otherwise it suspends until RecordReview or the timeout. Returns nil on
// timeout or cancellation. Concurrent waiters on the same tool id all
// observe the same outcome.
func (t *Tracker) WaitForReview(ctx context.Context, toolID string, timeout time.Duration) *ReviewOutcome {
	if timeout <= 0 {
		timeout = DefaultDisplayTimeout
	}

	t.mu.Lock()
	e, ok := t.calls[toolID]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	if e.outcome != nil {
		outcome := *e.outcome
		t.mu.Unlock()
		return &outcome
	}

	ch := make(chan ReviewOutcome, 1)
	e.waiters = append(e.waiters, ch)
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-ch:
		return &outcome
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// ClearOlderThan garbage-collects terminal tool calls older than the given
// age and returns how many were removed.
func (t *Tracker) ClearOlderThan(age time.Duration) int {
	if age <= 0 {
		age = DefaultRetention
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().UTC().Add(-age)
	removed := 0
	for toolID, e := range t.calls {
		if !e.call.Status.IsTerminal() || e.call.Timestamp.After(cutoff) {
			continue
		}
		if e.call.PermissionRequestID != "" {
			delete(t.byRequest, e.call.PermissionRequestID)
		}
		if e.call.ProviderCallID != "" {
			delete(t.byCallID, e.call.ProviderCallID)
		}
		delete(t.calls, toolID)
		removed++
	}
	return removed
}

// Snapshot returns a copy of all tracked tool calls for observability.
func (t *Tracker) Snapshot() []proto.ToolCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]proto.ToolCall, 0, len(t.calls))
	for _, e := range t.calls {
		out = append(out, e.call)
	}
	return out
}

// Len returns the number of tracked tool calls.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
