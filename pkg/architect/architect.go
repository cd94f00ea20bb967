// Package architect runs the single-shot planning session that seeds the
// implementation loop.
package architect

import (
	"context"
	"fmt"
	"strings"

	"tandem/pkg/logx"
	"tandem/pkg/proto"
	"tandem/pkg/session"
)

// PlanToolName is the distinguished tool one provider family calls to
// finish planning.
const PlanToolName = "exit_plan_mode"

// PlanSentinel is the free-text line the other provider family emits to
// finish planning.
const PlanSentinel = "PLAN COMPLETE"

const systemPrompt = `You are the Architect in a pair-programming session. Your only job is to
produce a short, numbered implementation plan for the given task. You may
read the project but must not modify anything.

Finish by either calling the exit_plan_mode tool with your plan in the
"plan" argument, or by writing your plan followed by a line containing
exactly PLAN COMPLETE.`

// Architect opens one planning session per CreatePlan call.
type Architect struct {
	provider session.Provider
	model    string
	workDir  string
	maxTurns int
	logger   *logx.Logger

	// onMessage, when set, receives transcript messages for observability.
	onMessage func(proto.Message)
}

// New creates an Architect bound to a provider.
func New(provider session.Provider, model, workDir string, maxTurns int, logger *logx.Logger) *Architect {
	if logger == nil {
		logger = logx.NewLogger("architect")
	}
	return &Architect{
		provider: provider,
		model:    model,
		workDir:  workDir,
		maxTurns: maxTurns,
		logger:   logger,
	}
}

// SetMessageSink registers an observer for transcript messages.
func (a *Architect) SetMessageSink(sink func(proto.Message)) {
	a.onMessage = sink
}

// CreatePlan runs the planning session and returns the plan text.
// The session runs in a read-only permission mode: the guard denies every
// reviewable tool.
func (a *Architect) CreatePlan(ctx context.Context, task string) (string, error) {
	sess, err := a.provider.Open(ctx, session.Config{
		Role:            proto.RoleArchitect,
		Model:           a.model,
		SystemPrompt:    systemPrompt,
		MaxTurns:        a.maxTurns,
		WorkDir:         a.workDir,
		DisallowedTools: proto.ReviewableTools(),
		CanUseTool:      denyMutations,
		Logger:          a.logger,
	})
	if err != nil {
		return "", fmt.Errorf("failed to open architect session: %w", err)
	}
	defer func() {
		if closeErr := sess.Close(); closeErr != nil {
			a.logger.Warn("architect session close: %v", closeErr)
		}
	}()

	prompt := fmt.Sprintf("Task:\n%s\n\nProduce the implementation plan now.", task)
	if err := sess.SendPrompt(ctx, prompt); err != nil {
		return "", fmt.Errorf("failed to send planning prompt: %w", err)
	}

	return a.consume(ctx, sess)
}

// consume reads the stream until a plan appears or the session ends.
// Once the plan is found, remaining events are drained but ignored.
func (a *Architect) consume(ctx context.Context, sess session.Session) (string, error) {
	var textParts []string
	plan := ""
	turnLimited := false

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("planning: %w", proto.ErrCancelled)
		case ev, ok := <-sess.Events():
			if !ok {
				return a.finish(plan, textParts, turnLimited)
			}

			switch ev.Type {
			case session.EventAssistant:
				if text := ev.TextContent(); text != "" {
					textParts = append(textParts, text)
					a.emit(proto.NewMessage("assistant", proto.RoleArchitect, text))
					if plan == "" {
						if p, ok := extractSentinelPlan(textParts); ok {
							plan = p
							a.logger.Info("✅ Plan captured via sentinel (%d chars)", len(plan))
						}
					}
				}
				for _, use := range ev.ToolUses() {
					if use.Name == PlanToolName && plan == "" {
						if p, ok := use.Input["plan"].(string); ok && strings.TrimSpace(p) != "" {
							plan = strings.TrimSpace(p)
							a.logger.Info("✅ Plan captured via %s (%d chars)", PlanToolName, len(plan))
						}
					}
				}

			case session.EventSystem:
				if ev.Subtype == session.SubtypeTurnLimitReached {
					turnLimited = true
				}

			case session.EventResult:
				if plan != "" {
					return plan, nil
				}
			}
		}
	}
}

func (a *Architect) finish(plan string, textParts []string, turnLimited bool) (string, error) {
	if plan != "" {
		return plan, nil
	}
	if p, ok := extractSentinelPlan(textParts); ok {
		return p, nil
	}
	if turnLimited {
		return "", &proto.ArchitectFailureError{Reason: "turn limit"}
	}
	return "", &proto.ArchitectFailureError{Reason: "no plan created"}
}

func (a *Architect) emit(msg proto.Message) {
	if a.onMessage != nil {
		a.onMessage(msg)
	}
}

// extractSentinelPlan returns the accumulated text up to the sentinel line
// when one is present.
func extractSentinelPlan(textParts []string) (string, bool) {
	joined := strings.Join(textParts, "\n")
	idx := strings.Index(joined, PlanSentinel)
	if idx < 0 {
		return "", false
	}
	plan := strings.TrimSpace(joined[:idx])
	if plan == "" {
		return "", false
	}
	return plan, true
}

// denyMutations is the architect's permission guard: planning sessions may
// not mutate anything.
func denyMutations(_ context.Context, toolName string, input map[string]any, _ session.GuardOptions) (*proto.PermissionResult, error) {
	if proto.IsReviewableTool(toolName) {
		return proto.DenyResult("planning sessions are read-only"), nil
	}
	return proto.AllowResult(input, ""), nil
}
