// Package broker implements the permission gate every Driver file-mutation
// passes through. Gated calls suspend until the Navigator resolves them, a
// timeout fires, or the run is cancelled.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tandem/pkg/logx"
	"tandem/pkg/proto"
	"tandem/pkg/session"
	"tandem/pkg/tracker"
)

// DefaultPermissionTimeout bounds how long a gated call waits for the
// Navigator before a synthetic deny.
const DefaultPermissionTimeout = 15 * time.Second

// Reviewer forwards a permission request to the Navigator and returns its
// decision. The navigator controller implements this; the indirection keeps
// the broker free of a dependency on the controller.
type Reviewer interface {
	ReviewPermission(ctx context.Context, req *proto.PermissionRequest) (*proto.PermissionResult, error)
}

type pendingRequest struct {
	req      *proto.PermissionRequest
	resultCh chan *proto.PermissionResult
	created  time.Time
}

// Broker owns the pendingRequests map and the per-request timers.
type Broker struct {
	buffer   *Buffer
	tracker  *tracker.Tracker
	reviewer Reviewer
	timeout  time.Duration
	logger   *logx.Logger

	// OnResolve, when set, observes every resolution for instrumentation.
	// Outcome is one of approve, deny, timeout, cancelled, shutdown.
	OnResolve func(requestID, tool, outcome string, latency time.Duration)

	mu       sync.Mutex // guards reviewer and pending
	pending  map[string]*pendingRequest
	shutdown chan struct{}
}

// New creates a broker. The reviewer may be set later via SetReviewer; the
// navigator controller does not exist yet when the broker is built.
func New(buf *Buffer, tr *tracker.Tracker, timeout time.Duration, logger *logx.Logger) *Broker {
	if timeout <= 0 {
		timeout = DefaultPermissionTimeout
	}
	if logger == nil {
		logger = logx.NewLogger("broker")
	}
	return &Broker{
		buffer:   buf,
		tracker:  tr,
		timeout:  timeout,
		logger:   logger,
		pending:  make(map[string]*pendingRequest),
		shutdown: make(chan struct{}),
	}
}

// SetReviewer wires the Navigator-side resolver.
func (b *Broker) SetReviewer(r Reviewer) {
	b.mu.Lock()
	b.reviewer = r
	b.mu.Unlock()
}

// CanUseTool is the permission guard handed to the Driver provider. Non
// reviewable tools pass straight through. Reviewable ones flush the Driver
// buffer into a PermissionRequest, forward it to the Navigator, and suspend
// until resolution, timeout, or cancellation.
func (b *Broker) CanUseTool(ctx context.Context, toolName string, input map[string]any, opts session.GuardOptions) (*proto.PermissionResult, error) {
	if !proto.IsReviewableTool(toolName) {
		return proto.AllowResult(input, ""), nil
	}

	start := time.Now()

	toolID := opts.ToolID
	if toolID == "" && b.tracker != nil {
		toolID = b.tracker.Register(toolName, input, proto.RoleDriver)
	}
	if toolID != "" && opts.ProviderCallID != "" && b.tracker != nil {
		if err := b.tracker.AssociateCallID(toolID, opts.ProviderCallID); err != nil {
			b.logger.Warn("call id association failed: %v", err)
		}
	}

	requestID := "req_" + uuid.New().String()
	transcript := ""
	if b.buffer != nil {
		transcript = b.buffer.Flush()
	}

	req := &proto.PermissionRequest{
		RequestID:        requestID,
		DriverTranscript: transcript,
		ToolName:         toolName,
		Input:            input,
		ToolID:           toolID,
	}

	if toolID != "" && b.tracker != nil {
		if err := b.tracker.AssociatePermissionRequest(toolID, requestID); err != nil {
			b.logger.Warn("request association failed: %v", err)
		}
	}

	pending := &pendingRequest{
		req:      req,
		resultCh: make(chan *proto.PermissionResult, 1),
		created:  start,
	}

	b.mu.Lock()
	select {
	case <-b.shutdown:
		b.mu.Unlock()
		return proto.DenyResult("System shutdown"), nil
	default:
	}
	b.pending[requestID] = pending
	b.mu.Unlock()

	b.logger.Info("📤 Forwarding permission request %s (%s) to navigator", requestID, toolName)
	go b.forward(ctx, req)

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	var result *proto.PermissionResult
	var outcome string

	select {
	case res := <-pending.resultCh:
		result = res
		if res.Allowed {
			outcome = "approve"
		} else {
			outcome = "deny"
		}

	case <-timer.C:
		timeoutErr := &proto.PermissionTimeoutError{RequestID: requestID, Timeout: b.timeout}
		b.logger.Warn("⏳ Permission request %s timed out: %v", requestID, timeoutErr)
		result = proto.DenyResult(timeoutErr.Error())
		outcome = "timeout"
		b.remove(requestID)

	case <-ctx.Done():
		b.remove(requestID)
		b.observe(requestID, toolName, "cancelled", start)
		return nil, fmt.Errorf("permission request %s: %w", requestID, proto.ErrCancelled)

	case <-b.shutdown:
		b.remove(requestID)
		result = proto.DenyResult("System shutdown")
		outcome = "shutdown"
	}

	if toolID != "" && b.tracker != nil {
		comment := result.Comment
		if !result.Allowed {
			comment = result.Reason
		}
		b.tracker.RecordReview(toolID, result.Allowed, comment)
	}

	b.observe(requestID, toolName, outcome, start)
	b.logger.Info("📥 Permission request %s resolved: allowed=%v", requestID, result.Allowed)

	if result.Allowed && result.UpdatedInput == nil {
		result.UpdatedInput = input
	}
	return result, nil
}

// forward runs the Navigator review on its own goroutine and routes the
// decision back through Resolve, so that timeout and cancellation keep
// working even when the Navigator is stuck.
func (b *Broker) forward(ctx context.Context, req *proto.PermissionRequest) {
	b.mu.Lock()
	reviewer := b.reviewer
	b.mu.Unlock()

	if reviewer == nil {
		b.Resolve(req.RequestID, proto.DenyResult("no navigator attached"))
		return
	}

	result, err := reviewer.ReviewPermission(ctx, req)
	if err != nil {
		var malformed *proto.PermissionMalformedError
		if errors.As(err, &malformed) {
			b.logger.Warn("permission request %s malformed: %v", req.RequestID, err)
			b.Resolve(req.RequestID, proto.DenyResult(malformed.Error()))
			return
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, proto.ErrCancelled) {
			return // CanUseTool unwinds via its own cancellation arm
		}
		b.logger.Error("permission review failed for %s: %v", req.RequestID, err)
		b.Resolve(req.RequestID, proto.DenyResult(fmt.Sprintf("navigator review failed: %v", err)))
		return
	}
	b.Resolve(req.RequestID, result)
}

// Resolve routes a decision to the waiter for requestID. A request id absent
// from the map is an orphan: logged and dropped, the caller times out
// normally. Returns whether a waiter was resolved.
func (b *Broker) Resolve(requestID string, result *proto.PermissionResult) bool {
	b.mu.Lock()
	pending, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Warn("⚠️ Orphan permission result for %s, ignoring", requestID)
		return false
	}

	pending.resultCh <- result
	return true
}

// ResolveCommand routes an approve/deny NavigatorCommand observed outside a
// focused permission turn. Commands without a request id, or with an unknown
// one, are orphans.
func (b *Broker) ResolveCommand(cmd *proto.NavigatorCommand) bool {
	switch cmd.Verb {
	case proto.NavigatorApprove:
		return b.Resolve(cmd.RequestID, proto.AllowResult(nil, cmd.Comment))
	case proto.NavigatorDeny:
		reason := cmd.Comment
		if reason == "" {
			reason = "denied by navigator"
		}
		return b.Resolve(cmd.RequestID, proto.DenyResult(reason))
	default:
		return false
	}
}

// remove drops a pending entry without resolving its channel.
func (b *Broker) remove(requestID string) {
	b.mu.Lock()
	delete(b.pending, requestID)
	b.mu.Unlock()
}

// PendingCount returns the number of outstanding permission requests.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Shutdown fails every outstanding permission request with "System shutdown"
// and refuses new ones. Safe to call more than once.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	select {
	case <-b.shutdown:
		b.mu.Unlock()
		return
	default:
	}
	close(b.shutdown)
	pending := b.pending
	b.pending = make(map[string]*pendingRequest)
	b.mu.Unlock()

	for requestID, p := range pending {
		b.logger.Info("failing pending permission request %s: shutdown", requestID)
		p.resultCh <- proto.DenyResult("System shutdown")
	}
}

func (b *Broker) observe(requestID, tool, outcome string, start time.Time) {
	if b.OnResolve != nil {
		b.OnResolve(requestID, tool, outcome, time.Since(start))
	}
}
