// Package workspace executes the Driver's file and shell tools locally for
// SDK-backed providers that have no agent runtime of their own.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Spec describes one tool offered to the model.
type Spec struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// Specs returns the workspace tool set. The mutation tools in this list are
// the ones the permission gate reviews.
func Specs() []Spec {
	return []Spec{
		{
			Name:        "Read",
			Description: "Reads a file from the workspace.",
			Properties: map[string]any{
				"file_path": map[string]any{"type": "string", "description": "Path relative to the workspace root."},
			},
			Required: []string{"file_path"},
		},
		{
			Name:        "Write",
			Description: "Creates or overwrites a file in the workspace.",
			Properties: map[string]any{
				"file_path": map[string]any{"type": "string"},
				"content":   map[string]any{"type": "string"},
			},
			Required: []string{"file_path", "content"},
		},
		{
			Name:        "Edit",
			Description: "Replaces an exact string in a file.",
			Properties: map[string]any{
				"file_path":  map[string]any{"type": "string"},
				"old_string": map[string]any{"type": "string"},
				"new_string": map[string]any{"type": "string"},
			},
			Required: []string{"file_path", "old_string", "new_string"},
		},
		{
			Name:        "Bash",
			Description: "Runs a shell command in the workspace.",
			Properties: map[string]any{
				"command": map[string]any{"type": "string"},
			},
			Required: []string{"command"},
		},
	}
}

// bashTimeout bounds a single shell command.
const bashTimeout = 2 * time.Minute

// Run executes one tool call rooted at workDir. The returned string is the
// tool result content; errors are tool failures the model should see.
func Run(ctx context.Context, workDir, name string, input map[string]any) (string, error) {
	switch name {
	case "Read":
		return runRead(workDir, input)
	case "Write":
		return runWrite(workDir, input)
	case "Edit":
		return runEdit(workDir, input)
	case "Bash":
		return runBash(ctx, workDir, input)
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

// resolve joins and confines a path to the workspace root.
func resolve(workDir, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("file_path is required")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}
	path = filepath.Clean(path)
	root := filepath.Clean(workDir)
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return path, nil
}

func stringField(input map[string]any, key string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}

func runRead(workDir string, input map[string]any) (string, error) {
	path, err := resolve(workDir, stringField(input, "file_path"))
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

func runWrite(workDir string, input map[string]any) (string, error) {
	path, err := resolve(workDir, stringField(input, "file_path"))
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	content := stringField(input, "content")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), stringField(input, "file_path")), nil
}

func runEdit(workDir string, input map[string]any) (string, error) {
	path, err := resolve(workDir, stringField(input, "file_path"))
	if err != nil {
		return "", err
	}
	oldStr := stringField(input, "old_string")
	newStr := stringField(input, "new_string")
	if oldStr == "" {
		return "", fmt.Errorf("old_string is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	content := string(data)
	count := strings.Count(content, oldStr)
	if count == 0 {
		return "", fmt.Errorf("old_string not found in %s", stringField(input, "file_path"))
	}
	if count > 1 {
		return "", fmt.Errorf("old_string matches %d times in %s, must be unique", count, stringField(input, "file_path"))
	}

	content = strings.Replace(content, oldStr, newStr, 1)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return fmt.Sprintf("Edited %s", stringField(input, "file_path")), nil
}

func runBash(ctx context.Context, workDir string, input map[string]any) (string, error) {
	command := stringField(input, "command")
	if command == "" {
		return "", fmt.Errorf("command is required")
	}

	ctx, cancel := context.WithTimeout(ctx, bashTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("command failed: %w\n%s", err, string(out))
	}
	return string(out), nil
}
