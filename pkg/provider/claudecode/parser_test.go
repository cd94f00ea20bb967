package claudecode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/pkg/session"
)

func TestParseAssistantText(t *testing.T) {
	parser := NewStreamParser(nil, nil)

	line := `{"type":"assistant","session_id":"sess_1","message":{"id":"msg_1","role":"assistant","content":[{"type":"text","text":"Adding the logout button."}]}}`
	ev := parser.ParseLine(line)
	require.NotNil(t, ev)
	assert.Equal(t, session.EventAssistant, ev.Type)
	assert.Equal(t, "sess_1", ev.SessionID)
	assert.Equal(t, "Adding the logout button.", ev.TextContent())
}

func TestParseToolUse(t *testing.T) {
	parser := NewStreamParser(nil, nil)

	line := `{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu_1","name":"Edit","input":{"file_path":"header.tsx","old_string":"Login","new_string":"Login | Logout"}}]}}`
	ev := parser.ParseLine(line)
	require.NotNil(t, ev)

	uses := ev.ToolUses()
	require.Len(t, uses, 1)
	assert.Equal(t, "tu_1", uses[0].ID)
	assert.Equal(t, "Edit", uses[0].Name)
	assert.Equal(t, "header.tsx", uses[0].Input["file_path"])
}

func TestParseToolResult(t *testing.T) {
	parser := NewStreamParser(nil, nil)

	line := `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu_1","content":"ok","is_error":false}]}}`
	ev := parser.ParseLine(line)
	require.NotNil(t, ev)
	assert.Equal(t, session.EventUser, ev.Type)

	results := ev.ToolResults()
	require.Len(t, results, 1)
	assert.Equal(t, "tu_1", results[0].ToolUseID)
	assert.False(t, results[0].IsError)
}

func TestParseResult(t *testing.T) {
	parser := NewStreamParser(nil, nil)

	line := `{"type":"result","subtype":"success","session_id":"sess_1","result":"done","num_turns":3}`
	ev := parser.ParseLine(line)
	require.NotNil(t, ev)
	assert.Equal(t, session.EventResult, ev.Type)
	require.NotNil(t, ev.Result)
	assert.True(t, ev.Result.Success)
	assert.Equal(t, 3, ev.Result.NumTurns)
}

func TestParseMaxTurnsMapsToTurnLimit(t *testing.T) {
	parser := NewStreamParser(nil, nil)

	ev := parser.ParseLine(`{"type":"result","subtype":"error_max_turns","is_error":true}`)
	require.NotNil(t, ev)
	assert.Equal(t, session.SubtypeTurnLimitReached, ev.Subtype)
	assert.False(t, ev.Result.Success)
}

func TestParseSkipsGarbageAndBlankLines(t *testing.T) {
	var events []session.Event
	parser := NewStreamParser(func(ev session.Event) { events = append(events, ev) }, nil)

	assert.Nil(t, parser.ParseLine(""))
	assert.Nil(t, parser.ParseLine("not json"))
	assert.Nil(t, parser.ParseLine(`{"type":"unknown_kind"}`))
	assert.Empty(t, events)
	assert.Equal(t, 3, parser.LineCount())
}

func TestParseReaderDeliversInOrder(t *testing.T) {
	var events []session.Event
	parser := NewStreamParser(func(ev session.Event) { events = append(events, ev) }, nil)

	stream := strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"sess_1"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"working"}]}}`,
		`{"type":"result","subtype":"success","result":"ok"}`,
	}, "\n")

	require.NoError(t, parser.ParseReader(strings.NewReader(stream)))
	require.Len(t, events, 3)
	assert.Equal(t, session.EventSystem, events[0].Type)
	assert.Equal(t, session.EventAssistant, events[1].Type)
	assert.Equal(t, session.EventResult, events[2].Type)
}
