// Package loop runs the top-level implementation state machine over the
// Architect, Driver, and Navigator controllers.
package loop

import (
	"context"
	"errors"
	"strings"
	"time"

	"tandem/pkg/broker"
	"tandem/pkg/logx"
	"tandem/pkg/proto"
)

// Fixed prompts the loop sends to the Driver.
const (
	ContinuePrompt         = "Please continue."
	GuidanceContinuePrompt = "Continue with your implementation based on the guidance provided."
	ReviewFallbackComment  = "Please address the review comments and continue."
	reviewNudgePrompt      = "If the implementation is finished, call the " + proto.ToolDriverRequestReview + " tool now."
)

// completionPhrases drive the completion-intent heuristic. Matching is
// case-insensitive substring.
var completionPhrases = []string{
	"implementation is complete",
	"i have completed",
	"finished implementation",
	"ready for review",
	"request a review",
	"should now request a review",
	"please review my work",
}

const (
	DefaultMaxReviewRetries = 5
	DefaultRetryBackoff     = time.Second
	defaultStallSleep       = 500 * time.Millisecond
)

// Planner produces the implementation plan.
type Planner interface {
	CreatePlan(ctx context.Context, task string) (string, error)
}

// Driver is the loop's view of the Driver controller.
type Driver interface {
	StartImplementation(ctx context.Context, plan string) error
	AwaitTurn(ctx context.Context) ([]string, error)
	ContinueWithFeedback(ctx context.Context, text string) ([]string, error)
	GetAndClearCommands() []proto.DriverCommand
	InterruptTurn() error
	Stop() error
}

// Navigator is the loop's view of the Navigator controller.
type Navigator interface {
	Initialize(ctx context.Context, task, plan string) error
	ProcessDriverMessage(ctx context.Context, text string, isReview bool) ([]proto.NavigatorCommand, error)
	RequestStrictReview(ctx context.Context) ([]proto.NavigatorCommand, error)
	LastTurnTexts() []string
	Stop() error
}

// Gate is the loop's view of the permission broker.
type Gate interface {
	ResolveCommand(cmd *proto.NavigatorCommand) bool
	Shutdown()
}

// ExitHook receives the final state and summary (or failure reason).
type ExitHook func(final proto.State, summary string)

// Config carries the loop's tunables.
type Config struct {
	Task             string
	HardLimit        time.Duration
	MaxReviewRetries int
	RetryBackoff     time.Duration
	StallSleep       time.Duration
}

// Loop owns SessionState and sequences the run. All phase and state
// mutations happen on the loop task.
type Loop struct {
	cfg       Config
	planner   Planner
	driver    Driver
	navigator Navigator
	gate      Gate
	buffer    *broker.Buffer
	state     *SessionState
	logger    *logx.Logger

	// OnExit, when set, is called exactly once with the final outcome.
	OnExit ExitHook
	// OnPhaseChange observes phase transitions for metrics and persistence.
	OnPhaseChange func(from, to proto.Phase)
	// OnReviewVerdict observes every extracted review verdict.
	OnReviewVerdict func(pass bool, comment string)

	nudged bool
}

// New wires a loop. Zero tunables fall back to defaults.
func New(cfg Config, planner Planner, drv Driver, nav Navigator, gate Gate, buf *broker.Buffer, logger *logx.Logger) *Loop {
	if cfg.HardLimit <= 0 {
		cfg.HardLimit = 30 * time.Minute
	}
	if cfg.MaxReviewRetries <= 0 {
		cfg.MaxReviewRetries = DefaultMaxReviewRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.StallSleep <= 0 {
		cfg.StallSleep = defaultStallSleep
	}
	if logger == nil {
		logger = logx.NewLogger("loop")
	}
	return &Loop{
		cfg:       cfg,
		planner:   planner,
		driver:    drv,
		navigator: nav,
		gate:      gate,
		buffer:    buf,
		state:     NewSessionState(),
		logger:    logger,
	}
}

// State exposes the loop's root aggregate for observers.
func (l *Loop) State() *SessionState {
	return l.state
}

// Run executes the full lifecycle and blocks until a terminal state.
// The returned error is non-nil only for FAILED runs.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.transition(proto.StatePlanning); err != nil {
		return err
	}
	l.state.SetActivity("Creating implementation plan")

	plan, err := l.planner.CreatePlan(ctx, l.cfg.Task)
	if err != nil {
		return l.fail(l.failureReason(err), err)
	}
	l.state.SetPlan(plan)
	l.logger.Info("✅ Plan created (%d chars)", len(plan))

	if err := l.navigator.Initialize(ctx, l.cfg.Task, plan); err != nil {
		return l.fail(l.failureReason(err), err)
	}

	if err := l.setPhase(proto.PhaseExecution); err != nil {
		return l.fail("invalid transition", err)
	}
	if err := l.transition(proto.StateExecuting); err != nil {
		return err
	}
	l.state.SetDeadline(time.Now().Add(l.cfg.HardLimit))

	if err := l.driver.StartImplementation(ctx, plan); err != nil {
		return l.fail(l.failureReason(err), err)
	}

	return l.execute(ctx)
}

// execute is the EXECUTING/REVIEWING inner loop. Each iteration handles one
// completed driver turn: review and guidance branches drain the follow-up
// turn themselves and hand its texts to the next iteration. Every turn in
// the loop runs under one deadline-scoped context so no driver or navigator
// turn outlives the hard limit.
func (l *Loop) execute(ctx context.Context) error {
	runCtx, cancel := context.WithDeadline(ctx, l.state.Deadline())
	defer cancel()

	texts, err := l.awaitDriver(runCtx)
	for {
		if err != nil {
			if errors.Is(err, proto.ErrDeadlineReached) {
				return l.complete(proto.ErrDeadlineReached.Error())
			}
			if l.state.State() == proto.StateFailed {
				// A branch already handled teardown.
				return err
			}
			return l.fail(l.failureReason(err), err)
		}
		if time.Now().After(l.state.Deadline()) {
			return l.complete(proto.ErrDeadlineReached.Error())
		}

		cmds := l.driver.GetAndClearCommands()
		if len(cmds) > 0 {
			l.nudged = false
		}

		if cmd, ok := findDriverCommand(cmds, proto.DriverRequestReview); ok {
			var done bool
			done, texts, err = l.review(runCtx, cmd)
			if done {
				return err
			}
			continue
		}

		if cmd, ok := findDriverCommand(cmds, proto.DriverRequestGuidance); ok {
			texts, err = l.guidance(runCtx, cmd)
			continue
		}

		prompt := ContinuePrompt
		switch {
		case len(texts) == 0:
			l.state.SetActivity("Driver stalled, prompting to continue")
		case matchesCompletionIntent(texts) && !l.nudged:
			// One-shot nudge per stall cycle.
			l.nudged = true
			prompt = reviewNudgePrompt
			l.state.SetActivity("Nudging driver to request review")
		default:
			l.sleep(runCtx, l.cfg.StallSleep)
			l.state.SetActivity("Driver working")
		}

		texts, err = l.continueDriver(runCtx, prompt)
	}
}

// awaitDriver waits for driver quiescence on the deadline-scoped context.
func (l *Loop) awaitDriver(ctx context.Context) ([]string, error) {
	texts, err := l.driver.AwaitTurn(ctx)
	return texts, mapDeadline(ctx, err)
}

// continueDriver sends the driver a prompt and drains the resulting turn.
func (l *Loop) continueDriver(ctx context.Context, prompt string) ([]string, error) {
	texts, err := l.driver.ContinueWithFeedback(ctx, prompt)
	return texts, mapDeadline(ctx, err)
}

// mapDeadline converts a turn cancelled by the run deadline into
// ErrDeadlineReached. Caller cancellation passes through unchanged.
func mapDeadline(ctx context.Context, err error) error {
	if err != nil && errors.Is(err, proto.ErrCancelled) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return proto.ErrDeadlineReached
	}
	return err
}

// review runs the REVIEWING state: driver suspended, navigator audits.
// done reports that the run reached a terminal state; otherwise texts carry
// the driver's follow-up turn for the main loop.
func (l *Loop) review(ctx context.Context, cmd proto.DriverCommand) (bool, []string, error) {
	if err := l.driver.InterruptTurn(); err != nil {
		l.logger.Warn("driver interrupt before review: %v", err)
	}
	if err := l.setPhase(proto.PhaseReview); err != nil {
		return false, nil, l.fail("invalid transition", err)
	}
	if err := l.transition(proto.StateReviewing); err != nil {
		return false, nil, l.fail("invalid transition", err)
	}
	l.state.SetActivity("Navigator reviewing completed work")

	payload := l.reviewPayload(cmd)
	batch, err := l.navigator.ProcessDriverMessage(ctx, payload, true)
	if err != nil {
		if err = mapDeadline(ctx, err); errors.Is(err, proto.ErrDeadlineReached) {
			return false, nil, err
		}
		return false, nil, l.fail(l.failureReason(err), err)
	}

	verdict, ok := l.extractVerdict(batch)
	attempts := 0
	for !ok && attempts < l.cfg.MaxReviewRetries {
		attempts++
		l.logger.Warn("⚠️ Empty review batch, re-prompting (attempt %d/%d)", attempts, l.cfg.MaxReviewRetries)
		l.sleep(ctx, l.cfg.RetryBackoff)
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return false, nil, proto.ErrDeadlineReached
			}
			return false, nil, l.fail("cancelled", ctx.Err())
		}
		batch, err = l.navigator.RequestStrictReview(ctx)
		if err != nil {
			if err = mapDeadline(ctx, err); errors.Is(err, proto.ErrDeadlineReached) {
				return false, nil, err
			}
			return false, nil, l.fail(l.failureReason(err), err)
		}
		verdict, ok = l.extractVerdict(batch)
	}

	if !ok {
		// Exhausted retries: transient failure, back to executing.
		l.logger.Warn("⚠️ Navigator returned no verdict after %d attempts", attempts)
		texts, err := l.backToExecution(ctx, ContinuePrompt)
		return false, texts, err
	}

	if l.OnReviewVerdict != nil {
		l.OnReviewVerdict(verdict.Pass, verdict.Comment)
	}

	if verdict.Pass {
		summary := verdict.Comment
		if summary == "" {
			summary = verdict.Summary
		}
		return true, nil, l.complete(summary)
	}

	comment := verdict.Comment
	if comment == "" {
		comment = ReviewFallbackComment
	}
	l.logger.Info("🔄 Review failed, feeding comments back to driver")
	texts, err := l.backToExecution(ctx, comment)
	return false, texts, err
}

// backToExecution re-enters EXECUTING, sends the driver its next prompt, and
// drains the resulting turn for the main loop.
func (l *Loop) backToExecution(ctx context.Context, prompt string) ([]string, error) {
	if err := l.setPhase(proto.PhaseExecution); err != nil {
		return nil, l.fail("invalid transition", err)
	}
	if err := l.transition(proto.StateExecuting); err != nil {
		return nil, l.fail("invalid transition", err)
	}
	l.state.SetActivity("Driver addressing review feedback")

	texts, err := l.continueDriver(ctx, prompt)
	if err != nil {
		if errors.Is(err, proto.ErrDeadlineReached) {
			return nil, err
		}
		return nil, l.fail(l.failureReason(err), err)
	}
	return texts, nil
}

// guidance forwards buffered driver content, relays the navigator's advice,
// and drains the driver's follow-up turn.
func (l *Loop) guidance(ctx context.Context, cmd proto.DriverCommand) ([]string, error) {
	l.state.SetActivity("Navigator providing guidance")

	payload := cmd.Context
	if flushed := l.buffer.Flush(); flushed != "" {
		if payload != "" {
			payload += "\n\n"
		}
		payload += flushed
	}
	if _, err := l.navigator.ProcessDriverMessage(ctx, payload, false); err != nil {
		if err = mapDeadline(ctx, err); errors.Is(err, proto.ErrDeadlineReached) {
			return nil, err
		}
		return nil, l.fail(l.failureReason(err), err)
	}

	prompt := GuidanceContinuePrompt
	if advice := strings.TrimSpace(strings.Join(l.navigator.LastTurnTexts(), "\n")); advice != "" {
		prompt = advice + "\n\n" + GuidanceContinuePrompt
	}
	texts, err := l.continueDriver(ctx, prompt)
	if err != nil {
		if errors.Is(err, proto.ErrDeadlineReached) {
			return nil, err
		}
		return nil, l.fail(l.failureReason(err), err)
	}
	return texts, nil
}

// reviewPayload assembles the transcript forwarded for a code review: the
// flushed buffer plus the driver's own summary.
func (l *Loop) reviewPayload(cmd proto.DriverCommand) string {
	var parts []string
	if cmd.Context != "" {
		parts = append(parts, "Driver summary: "+cmd.Context)
	}
	if flushed := l.buffer.Flush(); flushed != "" {
		parts = append(parts, flushed)
	}
	return strings.Join(parts, "\n\n")
}

// matchesCompletionIntent reports whether recent driver text reads like a
// finished implementation that forgot to request a review.
func matchesCompletionIntent(texts []string) bool {
	joined := strings.ToLower(strings.Join(texts, "\n"))
	for _, phrase := range completionPhrases {
		if strings.Contains(joined, phrase) {
			return true
		}
	}
	return false
}

// extractVerdict scans a batch for the authoritative review outcome. Stray
// approve/deny commands are routed to the broker, where unknown request ids
// are dropped. When both a code_review and a complete appear, the later one
// in stream order wins.
func (l *Loop) extractVerdict(batch []proto.NavigatorCommand) (proto.NavigatorCommand, bool) {
	var verdict proto.NavigatorCommand
	found := false
	for _, cmd := range batch {
		switch cmd.Verb {
		case proto.NavigatorApprove, proto.NavigatorDeny:
			c := cmd
			if !l.gate.ResolveCommand(&c) {
				l.logger.Warn("⚠️ Stray %s command outside a permission turn", cmd.Verb)
			}
		case proto.NavigatorCodeReview:
			verdict = cmd
			found = true
		case proto.NavigatorComplete:
			verdict = cmd
			verdict.Pass = true
			if verdict.Comment == "" {
				verdict.Comment = cmd.Summary
			}
			found = true
		}
	}
	return verdict, found
}

// complete tears down with a final summary.
func (l *Loop) complete(summary string) error {
	if err := l.transition(proto.StateComplete); err != nil {
		return err
	}
	if l.state.Phase() != proto.PhaseComplete {
		if err := l.setPhase(proto.PhaseComplete); err != nil {
			l.logger.Warn("phase finalize: %v", err)
		}
	}
	l.state.SetActivity("Complete")
	l.teardown()
	l.logger.Info("✅ Run complete: %s", summary)
	if l.OnExit != nil {
		l.OnExit(proto.StateComplete, summary)
	}
	return nil
}

// fail tears down with a failure reason. Returns the causing error.
func (l *Loop) fail(reason string, cause error) error {
	if err := l.transition(proto.StateFailed); err != nil {
		l.logger.Error("transition to FAILED: %v", err)
	}
	l.state.SetActivity("Failed: " + reason)
	l.teardown()
	l.logger.Error("❌ Run failed: %s (%v)", reason, cause)
	if l.OnExit != nil {
		l.OnExit(proto.StateFailed, reason)
	}
	return cause
}

// teardown stops controllers and fails outstanding permission requests.
func (l *Loop) teardown() {
	if err := l.driver.Stop(); err != nil {
		l.logger.Warn("driver stop: %v", err)
	}
	if err := l.navigator.Stop(); err != nil {
		l.logger.Warn("navigator stop: %v", err)
	}
	l.gate.Shutdown()
}

func (l *Loop) transition(next proto.State) error {
	if err := l.state.SetState(next); err != nil {
		return logx.Errorf("invalid state transition to %s: %w", next, err)
	}
	l.logger.Info("🔄 State: %s", next)
	return nil
}

func (l *Loop) setPhase(next proto.Phase) error {
	from := l.state.Phase()
	if err := l.state.SetPhase(next); err != nil {
		return err
	}
	if l.OnPhaseChange != nil {
		l.OnPhaseChange(from, next)
	}
	return nil
}

func (l *Loop) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// failureReason maps an error to the exit-hook reason string.
func (l *Loop) failureReason(err error) string {
	switch {
	case errors.Is(err, proto.ErrCancelled):
		return "cancelled"
	case errors.Is(err, proto.ErrDeadlineReached):
		return proto.ErrDeadlineReached.Error()
	default:
		var failure *proto.ArchitectFailureError
		if errors.As(err, &failure) {
			return failure.Reason
		}
		return err.Error()
	}
}

func findDriverCommand(cmds []proto.DriverCommand, verb proto.DriverVerb) (proto.DriverCommand, bool) {
	for _, cmd := range cmds {
		if cmd.Verb == verb {
			return cmd, true
		}
	}
	return proto.DriverCommand{}, false
}

var _ Gate = (*broker.Broker)(nil)
