package driver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/pkg/broker"
	"tandem/pkg/proto"
	"tandem/pkg/session"
	"tandem/pkg/session/sessiontest"
)

func newController(script sessiontest.Script) (*Controller, *sessiontest.Session, *broker.Buffer) {
	sess := sessiontest.NewSession(session.Config{Role: proto.RoleDriver}, script)
	buf := broker.NewBuffer()
	return New(sess, buf, nil), sess, buf
}

func TestStartCapturesTextAndReachesQuiescence(t *testing.T) {
	ctrl, sess, buf := newController(func(_ context.Context, s *sessiontest.Session, _ string) {
		s.Emit(session.TextEvent("Reading the header component."))
		s.Emit(session.ToolUseEvent("tu_1", "Read", map[string]any{"file_path": "header.tsx"}))
		s.Emit(session.TextEvent("Found the right spot."))
		s.Emit(session.ResultEvent(true, ""))
	})
	defer sess.Close()

	require.NoError(t, ctrl.StartImplementation(context.Background(), "1. Add a logout button."))

	texts, err := ctrl.AwaitTurn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Reading the header component.", "Found the right spot."}, texts)

	// The buffer accumulated text and tool summaries in stream order.
	assert.Equal(t, "Reading the header component.\nTool: Read - header.tsx\nFound the right spot.", buf.Flush())

	prompts := sess.Prompts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "1. Add a logout button.")
	assert.Contains(t, prompts[0], proto.ToolDriverRequestReview)
}

func TestDriverCommandsCapturedNotBuffered(t *testing.T) {
	ctrl, sess, buf := newController(func(_ context.Context, s *sessiontest.Session, _ string) {
		s.Emit(session.TextEvent("Done with the change."))
		s.Emit(session.ToolUseEvent("tu_1", proto.ToolDriverRequestReview, nil))
		s.Emit(session.ResultEvent(true, ""))
	})
	defer sess.Close()

	require.NoError(t, ctrl.StartImplementation(context.Background(), "plan"))
	_, err := ctrl.AwaitTurn(context.Background())
	require.NoError(t, err)

	cmds := ctrl.GetAndClearCommands()
	require.Len(t, cmds, 1)
	assert.Equal(t, proto.DriverRequestReview, cmds[0].Verb)
	assert.Empty(t, ctrl.GetAndClearCommands(), "commands are cleared on read")

	// Role-tool calls never show up as transcript tool summaries.
	assert.NotContains(t, buf.Flush(), "Tool:")
}

func TestLegacyCommandNamesCoerced(t *testing.T) {
	ctrl, sess, _ := newController(func(_ context.Context, s *sessiontest.Session, _ string) {
		s.Emit(session.ToolUseEvent("tu_1", "pair-driver_requestGuidance", map[string]any{
			"context": "Unsure which router file to edit",
		}))
		s.Emit(session.ResultEvent(true, ""))
	})
	defer sess.Close()

	require.NoError(t, ctrl.StartImplementation(context.Background(), "plan"))
	_, err := ctrl.AwaitTurn(context.Background())
	require.NoError(t, err)

	cmds := ctrl.GetAndClearCommands()
	require.Len(t, cmds, 1)
	assert.Equal(t, proto.DriverRequestGuidance, cmds[0].Verb)
	assert.Equal(t, "Unsure which router file to edit", cmds[0].Context)
}

func TestReviewRequestSuspendsTurnImmediately(t *testing.T) {
	ctrl, sess, _ := newController(func(_ context.Context, s *sessiontest.Session, _ string) {
		s.Emit(session.TextEvent("Everything is in place."))
		s.Emit(session.ToolUseEvent("tu_1", proto.ToolDriverRequestReview, map[string]any{
			"context": "Added the logout button",
		}))
		// The interrupted turn ends with a failed result.
		s.Emit(session.ResultEvent(false, "interrupted"))
	})
	defer sess.Close()

	require.NoError(t, ctrl.StartImplementation(context.Background(), "plan"))
	_, err := ctrl.AwaitTurn(context.Background())
	require.NoError(t, err)

	assert.True(t, sess.Interrupted(), "review request must abort the in-flight turn")

	cmds := ctrl.GetAndClearCommands()
	require.Len(t, cmds, 1)
	assert.Equal(t, proto.DriverRequestReview, cmds[0].Verb)
	assert.Equal(t, "Added the logout button", cmds[0].Context)
}

func TestContinueWithFeedbackReturnsTurnTexts(t *testing.T) {
	ctrl, sess, _ := newController(func(_ context.Context, s *sessiontest.Session, prompt string) {
		if s.Turn() == 1 {
			s.Emit(session.TextEvent("first turn"))
		} else {
			s.Emit(session.TextEvent("addressed: " + prompt))
		}
		s.Emit(session.ResultEvent(true, ""))
	})
	defer sess.Close()

	require.NoError(t, ctrl.StartImplementation(context.Background(), "plan"))
	_, err := ctrl.AwaitTurn(context.Background())
	require.NoError(t, err)

	texts, err := ctrl.ContinueWithFeedback(context.Background(), "Please address the review comments and continue.")
	require.NoError(t, err)
	require.Len(t, texts, 1)
	assert.Equal(t, "addressed: Please address the review comments and continue.", texts[0])
}

func TestAwaitTurnCancellation(t *testing.T) {
	ctrl, sess, _ := newController(func(_ context.Context, s *sessiontest.Session, _ string) {
		s.Emit(session.TextEvent("working..."))
		// Never reaches a result.
	})
	defer sess.Close()

	require.NoError(t, ctrl.StartImplementation(context.Background(), "plan"))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := ctrl.AwaitTurn(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, proto.ErrCancelled))
}

func TestStreamClosedWithoutResultIsTransportError(t *testing.T) {
	ctrl, sess, _ := newController(func(_ context.Context, s *sessiontest.Session, _ string) {
		s.Emit(session.TextEvent("partial"))
		s.EndStream()
	})
	_ = sess

	require.NoError(t, ctrl.StartImplementation(context.Background(), "plan"))

	_, err := ctrl.AwaitTurn(context.Background())
	require.Error(t, err)

	var transport *proto.ProviderTransportError
	require.True(t, errors.As(err, &transport))
	assert.Equal(t, proto.RoleDriver, transport.Role)
}

func TestStopInterruptsAndCloses(t *testing.T) {
	ctrl, sess, _ := newController(func(_ context.Context, s *sessiontest.Session, _ string) {
		s.Emit(session.TextEvent("mid-turn output"))
		s.Emit(session.ResultEvent(true, ""))
	})

	require.NoError(t, ctrl.StartImplementation(context.Background(), "plan"))
	_, err := ctrl.AwaitTurn(context.Background())
	require.NoError(t, err)

	require.NoError(t, ctrl.Stop())
	assert.True(t, sess.Interrupted())

	// Stop is idempotent and further feedback is refused.
	require.NoError(t, ctrl.Stop())
	_, err = ctrl.ContinueWithFeedback(context.Background(), "more")
	assert.True(t, errors.Is(err, proto.ErrSessionClosed))
}

func TestMessageSinkObservesAssistantText(t *testing.T) {
	ctrl, sess, _ := newController(func(_ context.Context, s *sessiontest.Session, _ string) {
		s.Emit(session.TextEvent("observable"))
		s.Emit(session.ResultEvent(true, ""))
	})
	defer sess.Close()

	var got []proto.Message
	ctrl.SetMessageSink(func(m proto.Message) { got = append(got, m) })

	require.NoError(t, ctrl.StartImplementation(context.Background(), "plan"))
	_, err := ctrl.AwaitTurn(context.Background())
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "observable", got[0].Content)
	assert.Equal(t, proto.RoleDriver, got[0].SessionRole)
}
