// Package navigator wraps the long-running Navigator session and converts
// its tool calls into committed NavigatorCommand batches.
package navigator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"tandem/pkg/logx"
	"tandem/pkg/proto"
	"tandem/pkg/session"
)

const initPrompt = `You are the Navigator in a pair-programming session. Your Driver implements
the plan below; you review every file modification before it is applied and,
when asked, audit the completed work.

Respond to permission requests by calling exactly one of %s or %s.
Deliver review verdicts with %s. Do not edit files yourself.

Task:
%s

Plan:
%s

Acknowledge briefly. Do not call any tools yet.`

const reviewPreamble = `The Driver believes the implementation is ready. Audit the work below and
deliver your verdict with a single %s call (pass plus a comment).`

const guidancePreamble = `The Driver is asking for guidance. Read its progress below and reply with
your advice as plain text.`

const permissionPreamble = `The Driver wants to run a tool that modifies files. Review the request and
respond by calling exactly one of %s or %s with requestId %q.`

// staged is a command observed on the stream that has not necessarily been
// acknowledged by a tool_result yet.
type staged struct {
	toolUseID string
	cmd       proto.NavigatorCommand
	committed bool
}

// Controller owns the Navigator session consumer task.
type Controller struct {
	sess   session.Session
	logger *logx.Logger

	// onMessage receives transcript messages for observability.
	onMessage func(proto.Message)

	// turnMu serializes prompt turns; permission reviews and driver-message
	// forwarding share one session.
	turnMu sync.Mutex

	mu        sync.Mutex
	batch     []staged
	turnTexts []string
	turnDone  chan struct{}
	streamErr error
	started   bool
	stopped   bool

	consumerDone chan struct{}
}

// New creates a controller over an open Navigator session.
func New(sess session.Session, logger *logx.Logger) *Controller {
	if logger == nil {
		logger = logx.NewLogger("navigator")
	}
	return &Controller{
		sess:         sess,
		logger:       logger,
		turnDone:     make(chan struct{}, 1),
		consumerDone: make(chan struct{}),
	}
}

// SetMessageSink registers an observer for transcript messages.
func (c *Controller) SetMessageSink(sink func(proto.Message)) {
	c.onMessage = sink
}

// Initialize primes the session with task and plan. No commands are expected
// in this turn; any that appear are discarded.
func (c *Controller) Initialize(ctx context.Context, task, plan string) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("navigator already initialized")
	}
	c.started = true
	c.mu.Unlock()

	go c.consume()

	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	prompt := fmt.Sprintf(initPrompt,
		proto.ToolNavigatorApprove, proto.ToolNavigatorDeny, proto.ToolNavigatorCodeReview,
		task, plan)
	if err := c.sess.SendPrompt(ctx, prompt); err != nil {
		return fmt.Errorf("failed to initialize navigator: %w", err)
	}
	if _, err := c.drainTurn(ctx); err != nil {
		return err
	}
	c.logger.Info("✅ Navigator initialized")
	return nil
}

// ProcessDriverMessage forwards driver output and returns the batch of
// commands the Navigator committed to in its response turn.
func (c *Controller) ProcessDriverMessage(ctx context.Context, text string, isReview bool) ([]proto.NavigatorCommand, error) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	preamble := guidancePreamble
	if isReview {
		preamble = fmt.Sprintf(reviewPreamble, proto.ToolNavigatorCodeReview)
	}
	prompt := preamble + "\n\n" + text

	c.logger.Info("📤 Forwarding driver message to navigator (review=%v, %d chars)", isReview, len(text))
	c.beginTurn()
	if err := c.sess.SendPrompt(ctx, prompt); err != nil {
		return nil, fmt.Errorf("failed to forward driver message: %w", err)
	}
	return c.drainTurn(ctx)
}

// RequestStrictReview re-prompts for a verdict after an empty review batch.
func (c *Controller) RequestStrictReview(ctx context.Context) ([]proto.NavigatorCommand, error) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	prompt := fmt.Sprintf(
		"Your previous response contained no verdict. Reply with exactly one %s tool call and nothing else.",
		proto.ToolNavigatorCodeReview)
	c.beginTurn()
	if err := c.sess.SendPrompt(ctx, prompt); err != nil {
		return nil, fmt.Errorf("failed to re-prompt navigator: %w", err)
	}
	return c.drainTurn(ctx)
}

// ReviewPermission implements broker.Reviewer: it injects a single permission
// prompt and expects exactly one approve or deny. Code-review commands in
// this context are ignored.
func (c *Controller) ReviewPermission(ctx context.Context, req *proto.PermissionRequest) (*proto.PermissionResult, error) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	prompt := fmt.Sprintf(permissionPreamble, proto.ToolNavigatorApprove, proto.ToolNavigatorDeny, req.RequestID)
	prompt += "\n\n" + proto.ToolSummary(req.ToolName, req.Input)
	if detail, err := json.MarshalIndent(req.Input, "", "  "); err == nil {
		prompt += "\nInput:\n" + string(detail)
	}
	if req.DriverTranscript != "" {
		prompt += "\n\nDriver progress since the last checkpoint:\n" + req.DriverTranscript
	}

	c.beginTurn()
	if err := c.sess.SendPrompt(ctx, prompt); err != nil {
		return nil, fmt.Errorf("failed to send permission prompt: %w", err)
	}
	batch, err := c.drainTurn(ctx)
	if err != nil {
		return nil, err
	}

	for _, cmd := range batch {
		switch cmd.Verb {
		case proto.NavigatorApprove:
			return proto.AllowResult(req.Input, cmd.Comment), nil
		case proto.NavigatorDeny:
			return proto.DenyResult(cmd.Comment), nil
		}
	}
	return nil, &proto.PermissionMalformedError{RequestID: req.RequestID, Detail: "no approve/deny observed"}
}

// consume is the Navigator session consumer task.
func (c *Controller) consume() {
	defer close(c.consumerDone)

	sawResult := false
	for ev := range c.sess.Events() {
		switch ev.Type {
		case session.EventAssistant:
			if text := ev.TextContent(); text != "" {
				c.mu.Lock()
				c.turnTexts = append(c.turnTexts, text)
				c.mu.Unlock()
				c.emit(proto.NewMessage("assistant", proto.RoleNavigator, text))
			}
			for _, use := range ev.ToolUses() {
				if cmd, ok := proto.ParseNavigatorCommand(use.Name, use.Input); ok {
					c.mu.Lock()
					c.batch = append(c.batch, staged{toolUseID: use.ID, cmd: *cmd})
					c.mu.Unlock()
				}
			}

		case session.EventUser:
			for _, res := range ev.ToolResults() {
				c.commit(res.ToolUseID)
			}

		case session.EventSystem:
			if ev.Subtype == session.SubtypeTurnLimitReached {
				c.logger.Warn("navigator hit turn limit")
				sawResult = true
				c.signalTurnDone()
			}

		case session.EventResult:
			sawResult = true
			c.signalTurnDone()
		}
	}

	c.mu.Lock()
	if !sawResult && !c.stopped {
		c.streamErr = &proto.ProviderTransportError{
			Role: proto.RoleNavigator,
			Err:  fmt.Errorf("stream closed with no result"),
		}
	}
	c.mu.Unlock()
	c.signalTurnDone()
}

func (c *Controller) commit(toolUseID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.batch {
		if c.batch[i].toolUseID == toolUseID {
			c.batch[i].committed = true
		}
	}
}

// beginTurn clears per-turn text and any stale quiescence token before a new
// prompt goes out. A turn that signals twice, turn_limit_reached followed by
// its result, would otherwise leave a token that ends the next turn early.
func (c *Controller) beginTurn() {
	c.mu.Lock()
	c.turnTexts = nil
	c.mu.Unlock()

	select {
	case <-c.turnDone:
	default:
	}
}

func (c *Controller) signalTurnDone() {
	select {
	case c.turnDone <- struct{}{}:
	default:
	}
}

// LastTurnTexts returns the assistant text from the most recent turn.
func (c *Controller) LastTurnTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.turnTexts...)
}

// drainTurn waits for the turn's result and returns the committed commands
// in stream order. Staged commands without a tool_result are dropped.
func (c *Controller) drainTurn(ctx context.Context) ([]proto.NavigatorCommand, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("navigator turn: %w", proto.ErrCancelled)
	case <-c.turnDone:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.streamErr != nil {
		return nil, c.streamErr
	}

	var batch []proto.NavigatorCommand
	dropped := 0
	for _, s := range c.batch {
		if s.committed {
			batch = append(batch, s.cmd)
		} else {
			dropped++
		}
	}
	c.batch = nil
	if dropped > 0 {
		c.logger.Warn("⚠️ Dropped %d uncommitted navigator command(s)", dropped)
	}
	return batch, nil
}

// Stop interrupts and ends the session. Safe to call more than once.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	if err := c.sess.Interrupt(); err != nil {
		c.logger.Warn("navigator interrupt: %v", err)
	}
	if err := c.sess.Close(); err != nil {
		return fmt.Errorf("failed to close navigator session: %w", err)
	}
	if started {
		select {
		case <-c.consumerDone:
		case <-time.After(2 * time.Second):
			c.logger.Warn("navigator consumer did not drain in time")
		}
	}
	c.logger.Info("✅ Navigator stopped")
	return nil
}

func (c *Controller) emit(msg proto.Message) {
	if c.onMessage != nil {
		c.onMessage(msg)
	}
}
