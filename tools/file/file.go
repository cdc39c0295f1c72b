// Package file provides file read/write within a sandboxed workspace.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/palomabot/paloma"
)

// Tool provides file access restricted to a workspace directory.
type Tool struct {
	workspacePath string
}

var _ paloma.Tool = (*Tool)(nil)

// New creates a file Tool restricted to workspacePath.
func New(workspacePath string) *Tool {
	return &Tool{workspacePath: workspacePath}
}

func (t *Tool) Definitions() []paloma.ToolDefinition {
	return []paloma.ToolDefinition{
		{
			Name:        "file_read",
			Description: "Read a file from the workspace. Returns the file content (truncated to 8000 chars if large).",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"}},"required":["path"]}`),
			Category:    "file",
		},
		{
			Name:        "file_write",
			Description: "Write content to a file in the workspace. Creates parent directories if needed.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"},"content":{"type":"string","description":"Content to write"}},"required":["path","content"]}`),
			Category:    "file",
		},
		{
			Name:        "file_list",
			Description: "List files in a workspace directory.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory path relative to workspace (default root)"}}}`),
			Category:    "file",
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (paloma.ToolResult, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return paloma.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	resolved, err := t.resolvePath(params.Path)
	if err != nil {
		return paloma.ToolResult{Error: err.Error()}, nil
	}

	switch name {
	case "file_read":
		return t.read(resolved)
	case "file_write":
		return t.write(resolved, params.Content)
	case "file_list":
		return t.list(resolved)
	default:
		return paloma.ToolResult{Error: "unknown tool: " + name}, nil
	}
}

func (t *Tool) read(path string) (paloma.ToolResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return paloma.ToolResult{Error: err.Error()}, nil
	}
	content := string(data)
	if len(content) > 8000 {
		content = content[:8000] + "\n... (truncated)"
	}
	return paloma.ToolResult{Content: content}, nil
}

func (t *Tool) write(path, content string) (paloma.ToolResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return paloma.ToolResult{Error: err.Error()}, nil
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return paloma.ToolResult{Error: err.Error()}, nil
	}
	return paloma.ToolResult{Content: fmt.Sprintf("wrote %d bytes to %s", len(content), path)}, nil
}

func (t *Tool) list(path string) (paloma.ToolResult, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return paloma.ToolResult{Error: err.Error()}, nil
	}
	var sb strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			sb.WriteString(e.Name() + "/\n")
		} else {
			sb.WriteString(e.Name() + "\n")
		}
	}
	if sb.Len() == 0 {
		return paloma.ToolResult{Content: "(empty directory)"}, nil
	}
	return paloma.ToolResult{Content: sb.String()}, nil
}

// resolvePath joins rel to the workspace and rejects escapes.
func (t *Tool) resolvePath(rel string) (string, error) {
	if rel == "" {
		return t.workspacePath, nil
	}
	resolved := filepath.Clean(filepath.Join(t.workspacePath, rel))
	root := filepath.Clean(t.workspacePath)
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", rel)
	}
	return resolved, nil
}
