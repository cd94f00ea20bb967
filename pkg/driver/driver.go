// Package driver wraps the long-running Driver session and translates its
// stream into buffered transcript lines and structured DriverCommands.
package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tandem/pkg/broker"
	"tandem/pkg/logx"
	"tandem/pkg/proto"
	"tandem/pkg/session"
)

const rolePrompt = `You are the Driver in a pair-programming session. Implement the plan step
by step. Every file modification you attempt is reviewed by your Navigator
before it is applied; a denial comes back with a comment you must address.

When the implementation is ready, call the %s tool.
If you are stuck, call the %s tool with a description of the problem.`

// Controller owns the Driver session consumer task.
type Controller struct {
	sess   session.Session
	buffer *broker.Buffer
	logger *logx.Logger

	// onMessage receives transcript messages for observability.
	onMessage func(proto.Message)
	// onToolUse observes reviewable tool attempts for display pairing.
	onToolUse func(name string, input map[string]any, providerCallID string)

	mu           sync.Mutex
	commands     []proto.DriverCommand
	turnTexts    []string
	pendingTools int
	turnDone     chan struct{}
	streamErr    error
	started      bool
	stopped      bool

	consumerDone chan struct{}
}

// New creates a controller over an open Driver session. The buffer is the
// orchestrator-owned DriverBuffer shared with the permission broker.
func New(sess session.Session, buf *broker.Buffer, logger *logx.Logger) *Controller {
	if logger == nil {
		logger = logx.NewLogger("driver")
	}
	return &Controller{
		sess:         sess,
		buffer:       buf,
		logger:       logger,
		turnDone:     make(chan struct{}, 1),
		consumerDone: make(chan struct{}),
	}
}

// SetMessageSink registers an observer for transcript messages.
func (c *Controller) SetMessageSink(sink func(proto.Message)) {
	c.onMessage = sink
}

// SetToolUseObserver registers an observer for tool attempts on the stream.
func (c *Controller) SetToolUseObserver(obs func(name string, input map[string]any, providerCallID string)) {
	c.onToolUse = obs
}

// StartImplementation sends the plan plus the fixed role prompt and begins
// consuming the stream.
func (c *Controller) StartImplementation(ctx context.Context, plan string) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("driver already started")
	}
	c.started = true
	c.mu.Unlock()

	go c.consume()

	prompt := fmt.Sprintf(rolePrompt, proto.ToolDriverRequestReview, proto.ToolDriverRequestGuide)
	prompt += "\n\nPlan:\n" + plan
	if err := c.sess.SendPrompt(ctx, prompt); err != nil {
		return fmt.Errorf("failed to start driver: %w", err)
	}
	c.logger.Info("🔄 Driver implementation started")
	return nil
}

// consume is the Driver session consumer task: it reads the provider stream
// and publishes into the controller-owned state.
func (c *Controller) consume() {
	defer close(c.consumerDone)

	sawResult := false
	for ev := range c.sess.Events() {
		switch ev.Type {
		case session.EventAssistant:
			if text := ev.TextContent(); text != "" {
				c.buffer.AppendText(text)
				c.mu.Lock()
				c.turnTexts = append(c.turnTexts, text)
				c.mu.Unlock()
				c.emit(proto.NewMessage("assistant", proto.RoleDriver, text))
			}
			for _, use := range ev.ToolUses() {
				c.handleToolUse(use)
			}

		case session.EventUser:
			for _, res := range ev.ToolResults() {
				c.mu.Lock()
				if c.pendingTools > 0 {
					c.pendingTools--
				}
				c.mu.Unlock()
				_ = res
			}

		case session.EventSystem:
			if ev.Subtype == session.SubtypeTurnLimitReached {
				c.logger.Warn("driver hit turn limit")
				sawResult = true
				c.signalTurnDone()
			}

		case session.EventResult:
			sawResult = true
			c.signalTurnDone()
		}
	}

	c.mu.Lock()
	stopped := c.stopped
	if !sawResult && !stopped {
		c.streamErr = &proto.ProviderTransportError{
			Role: proto.RoleDriver,
			Err:  fmt.Errorf("stream closed with no result"),
		}
	}
	c.mu.Unlock()
	c.signalTurnDone()
}

func (c *Controller) handleToolUse(use session.ContentBlock) {
	if cmd, ok := proto.ParseDriverCommand(use.Name, use.Input); ok {
		c.logger.Info("📥 Driver command: %s", cmd.Verb)
		c.mu.Lock()
		c.commands = append(c.commands, *cmd)
		c.mu.Unlock()

		// A review request suspends the turn on the spot: no edit later in
		// the same turn may reach the permission gate.
		if cmd.Verb == proto.DriverRequestReview {
			if err := c.sess.Interrupt(); err != nil {
				c.logger.Warn("driver interrupt on review request: %v", err)
			}
		}
		return
	}

	// Ordinary tool: summarized into the transcript buffer. The permission
	// gate for reviewable tools runs provider-side via the guard.
	c.buffer.AppendToolSummary(use.Name, use.Input)
	c.mu.Lock()
	c.pendingTools++
	c.mu.Unlock()

	if c.onToolUse != nil {
		c.onToolUse(use.Name, use.Input, use.ID)
	}
}

func (c *Controller) signalTurnDone() {
	select {
	case c.turnDone <- struct{}{}:
	default:
	}
}

// AwaitTurn blocks until the current Driver turn reaches quiescence (a
// terminal result on the stream) and returns the assistant text emitted in
// this turn.
func (c *Controller) AwaitTurn(ctx context.Context) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("driver turn: %w", proto.ErrCancelled)
	case <-c.turnDone:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.streamErr != nil {
		return nil, c.streamErr
	}
	texts := c.turnTexts
	c.turnTexts = nil
	return texts, nil
}

// ContinueWithFeedback sends a user message and drains until the next
// quiescence point, returning the assistant text emitted in this turn.
func (c *Controller) ContinueWithFeedback(ctx context.Context, text string) ([]string, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, proto.ErrSessionClosed
	}
	c.turnTexts = nil
	c.mu.Unlock()

	if err := c.sess.SendPrompt(ctx, text); err != nil {
		return nil, fmt.Errorf("failed to send driver feedback: %w", err)
	}
	return c.AwaitTurn(ctx)
}

// GetAndClearCommands returns and clears the DriverCommands observed since
// the last call.
func (c *Controller) GetAndClearCommands() []proto.DriverCommand {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmds := c.commands
	c.commands = nil
	return cmds
}

// LastTurnTexts returns a copy of the text captured in the current turn
// without clearing it.
func (c *Controller) LastTurnTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.turnTexts...)
}

// InterruptTurn aborts the in-flight turn and discards its captured output.
// The session stays open for further prompts.
func (c *Controller) InterruptTurn() error {
	if err := c.sess.Interrupt(); err != nil {
		return fmt.Errorf("failed to interrupt driver turn: %w", err)
	}
	c.mu.Lock()
	c.turnTexts = nil
	c.mu.Unlock()
	c.logger.Info("⏳ Driver turn interrupted")
	return nil
}

// Stop interrupts and ends the session. Any further assistant output is
// discarded. Safe to call more than once.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	if err := c.sess.Interrupt(); err != nil {
		c.logger.Warn("driver interrupt: %v", err)
	}
	if err := c.sess.Close(); err != nil {
		return fmt.Errorf("failed to close driver session: %w", err)
	}

	// Wait for the consumer task to drain.
	select {
	case <-c.consumerDone:
	case <-time.After(2 * time.Second):
		c.logger.Warn("driver consumer did not drain in time")
	}
	c.logger.Info("✅ Driver stopped")
	return nil
}

func (c *Controller) emit(msg proto.Message) {
	if c.onMessage != nil {
		c.onMessage(msg)
	}
}
