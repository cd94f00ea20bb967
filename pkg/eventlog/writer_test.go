package eventlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndReadBack(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Write(Entry{Role: "driver", Kind: KindMessage, Text: "Adding the logout button."}))
	require.NoError(t, w.Write(Entry{
		Role:   "driver",
		Kind:   KindToolUse,
		Tool:   "Edit",
		Detail: map[string]any{"file_path": "header.tsx"},
	}))

	entries, err := ReadEntries(w.CurrentLogFile())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, KindMessage, entries[0].Kind)
	assert.Equal(t, "Adding the logout button.", entries[0].Text)
	assert.Equal(t, "Edit", entries[1].Tool)
	assert.Equal(t, "header.tsx", entries[1].Detail["file_path"])
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestCurrentLogFileUsesDateStamp(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	expected := filepath.Join(dir, "events-"+time.Now().Format("2006-01-02")+".jsonl")
	assert.Equal(t, expected, w.CurrentLogFile())
}

func TestWriteAfterCloseReopens(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// A closed writer rotates on the next write rather than failing.
	require.NoError(t, w.Write(Entry{Kind: KindPhase, Text: "execution"}))
	require.NoError(t, w.Close())
}

func TestListLogFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "events-2026-08-23.jsonl"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "events-2026-08-24.jsonl"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644))

	files, err := ListLogFiles(dir)
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestReadEntriesSkipsBlankLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events-2026-08-24.jsonl")
	content := `{"ts":"2026-08-24T10:00:00Z","kind":"message","text":"hi"}` + "\n\n" +
		`{"ts":"2026-08-24T10:00:01Z","kind":"exit","text":"done"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	entries, err := ReadEntries(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, KindExit, entries[1].Kind)
}
