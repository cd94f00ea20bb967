package tracker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/pkg/proto"
)

func TestRegisterIDsMonotonic(t *testing.T) {
	tr := New(nil)

	first := tr.Register("Edit", map[string]any{"file_path": "a.go"}, proto.RoleDriver)
	second := tr.Register("Write", nil, proto.RoleDriver)
	third := tr.Register("Read", nil, proto.RoleNavigator)

	assert.Equal(t, "TOOL_000001", first)
	assert.Equal(t, "TOOL_000002", second)
	assert.Equal(t, "TOOL_000003", third)

	call, ok := tr.Lookup(first)
	require.True(t, ok)
	assert.Equal(t, proto.ToolStatusPending, call.Status)
	assert.Equal(t, proto.RoleDriver, call.SessionRole)
}

func TestAssociations(t *testing.T) {
	tr := New(nil)
	toolID := tr.Register("Edit", nil, proto.RoleDriver)

	require.NoError(t, tr.AssociateCallID(toolID, "call_abc"))
	require.NoError(t, tr.AssociatePermissionRequest(toolID, "req_123"))

	call, ok := tr.LookupByRequest("req_123")
	require.True(t, ok)
	assert.Equal(t, toolID, call.ToolID)
	assert.Equal(t, "call_abc", call.ProviderCallID)

	_, ok = tr.LookupByRequest("req_unknown")
	assert.False(t, ok)

	assert.Error(t, tr.AssociateCallID("TOOL_999999", "x"))
	assert.Error(t, tr.AssociatePermissionRequest("TOOL_999999", "y"))
}

func TestWaitForReviewImmediate(t *testing.T) {
	tr := New(nil)
	toolID := tr.Register("Write", nil, proto.RoleDriver)
	tr.RecordReview(toolID, true, "Looks good")

	outcome := tr.WaitForReview(context.Background(), toolID, time.Second)
	require.NotNil(t, outcome)
	assert.True(t, outcome.Approved)
	assert.Equal(t, "Looks good", outcome.Comment)
}

func TestWaitForReviewBlocksUntilRecord(t *testing.T) {
	tr := New(nil)
	toolID := tr.Register("Edit", nil, proto.RoleDriver)

	done := make(chan *ReviewOutcome, 1)
	go func() {
		done <- tr.WaitForReview(context.Background(), toolID, 2*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	tr.RecordReview(toolID, false, "needs aria-label")

	select {
	case outcome := <-done:
		require.NotNil(t, outcome)
		assert.False(t, outcome.Approved)
		assert.Equal(t, "needs aria-label", outcome.Comment)
	case <-time.After(time.Second):
		t.Fatal("waiter did not resolve")
	}
}

func TestWaitForReviewTimeout(t *testing.T) {
	tr := New(nil)
	toolID := tr.Register("Edit", nil, proto.RoleDriver)

	start := time.Now()
	outcome := tr.WaitForReview(context.Background(), toolID, 50*time.Millisecond)
	assert.Nil(t, outcome)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConcurrentWaitersObserveSameOutcome(t *testing.T) {
	tr := New(nil)
	toolID := tr.Register("MultiEdit", nil, proto.RoleDriver)

	const waiters = 8
	results := make([]*ReviewOutcome, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = tr.WaitForReview(context.Background(), toolID, 2*time.Second)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	tr.RecordReview(toolID, true, "ok")
	wg.Wait()

	for i, outcome := range results {
		require.NotNil(t, outcome, "waiter %d timed out", i)
		assert.True(t, outcome.Approved)
		assert.Equal(t, "ok", outcome.Comment)
	}
}

// Recording a second review on a terminal call must not flip the outcome.
func TestRecordReviewIdempotent(t *testing.T) {
	tr := New(nil)
	toolID := tr.Register("Write", nil, proto.RoleDriver)

	tr.RecordReview(toolID, false, "denied first")
	tr.RecordReview(toolID, true, "approved later")

	call, ok := tr.Lookup(toolID)
	require.True(t, ok)
	assert.Equal(t, proto.ToolStatusDenied, call.Status)
	assert.Equal(t, "denied first", call.ReviewComment)

	outcome := tr.WaitForReview(context.Background(), toolID, time.Second)
	require.NotNil(t, outcome)
	assert.False(t, outcome.Approved)
}

func TestMarkDisplayed(t *testing.T) {
	tr := New(nil)
	toolID := tr.Register("Edit", nil, proto.RoleDriver)

	// Pending calls are not displayable.
	tr.MarkDisplayed(toolID)
	call, _ := tr.Lookup(toolID)
	assert.Equal(t, proto.ToolStatusPending, call.Status)

	tr.RecordReview(toolID, true, "")
	tr.MarkDisplayed(toolID)
	call, _ = tr.Lookup(toolID)
	assert.Equal(t, proto.ToolStatusDisplayed, call.Status)
}

func TestClearOlderThan(t *testing.T) {
	tr := New(nil)

	old := tr.Register("Edit", nil, proto.RoleDriver)
	require.NoError(t, tr.AssociatePermissionRequest(old, "req_old"))
	tr.RecordReview(old, true, "")

	pendingOld := tr.Register("Write", nil, proto.RoleDriver)

	// Backdate both entries past the retention window.
	tr.mu.Lock()
	tr.calls[old].call.Timestamp = time.Now().UTC().Add(-10 * time.Minute)
	tr.calls[pendingOld].call.Timestamp = time.Now().UTC().Add(-10 * time.Minute)
	tr.mu.Unlock()

	fresh := tr.Register("Edit", nil, proto.RoleDriver)
	tr.RecordReview(fresh, false, "")

	removed := tr.ClearOlderThan(5 * time.Minute)
	assert.Equal(t, 1, removed, "only terminal old entries are collected")

	_, ok := tr.Lookup(old)
	assert.False(t, ok)
	_, ok = tr.LookupByRequest("req_old")
	assert.False(t, ok, "request index entry must be removed")
	_, ok = tr.Lookup(pendingOld)
	assert.True(t, ok, "pending calls survive GC")
	_, ok = tr.Lookup(fresh)
	assert.True(t, ok)
}

func TestSnapshotIsCopy(t *testing.T) {
	tr := New(nil)
	for i := 0; i < 3; i++ {
		tr.Register(fmt.Sprintf("Tool%d", i), nil, proto.RoleDriver)
	}

	snap := tr.Snapshot()
	require.Len(t, snap, 3)
	snap[0].Status = proto.ToolStatusDenied

	for _, call := range tr.Snapshot() {
		assert.Equal(t, proto.ToolStatusPending, call.Status)
	}
}
