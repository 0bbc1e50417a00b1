// Package file provides the file_operations tool, sandboxed to a workspace
// directory.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/calderahq/caldera"
)

const maxReadChars = 8000

// Tool reads, writes and lists files inside a workspace directory. Paths are
// relative to the workspace; traversal outside it is rejected.
type Tool struct {
	workspace string
}

// New creates a file_operations tool restricted to workspace.
func New(workspace string) *Tool {
	return &Tool{workspace: filepath.Clean(workspace)}
}

func (t *Tool) Definition() caldera.ToolDefinition {
	return caldera.ToolDefinition{
		Name:        "file_operations",
		Description: "Read, write, list or delete files in the agent workspace.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"operation":{"type":"string","enum":["read","write","list","delete"],"description":"Operation to perform"},
			"path":{"type":"string","description":"Path relative to the workspace"},
			"content":{"type":"string","description":"Content for write"}
		},"required":["operation"]}`),
	}
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage) (caldera.ToolResult, error) {
	var params struct {
		Operation string `json:"operation"`
		Path      string `json:"path"`
		Content   string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return caldera.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	path, err := t.resolve(params.Path)
	if err != nil {
		return caldera.ToolResult{Error: err.Error()}, nil
	}

	switch params.Operation {
	case "read":
		return t.read(path)
	case "write":
		return t.write(path, params.Content)
	case "list":
		return t.list(path)
	case "delete":
		return t.delete(path)
	default:
		return caldera.ToolResult{Error: "unknown operation: " + params.Operation}, nil
	}
}

func (t *Tool) resolve(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	resolved := filepath.Join(t.workspace, path)
	if resolved != t.workspace && !strings.HasPrefix(resolved, t.workspace+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return resolved, nil
}

func (t *Tool) read(path string) (caldera.ToolResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return caldera.ToolResult{Error: "read: " + err.Error()}, nil
	}
	content := string(data)
	if len(content) > maxReadChars {
		content = content[:maxReadChars] + "\n... (truncated)"
	}
	return caldera.ToolResult{Content: content}, nil
}

func (t *Tool) write(path, content string) (caldera.ToolResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return caldera.ToolResult{Error: "mkdir: " + err.Error()}, nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return caldera.ToolResult{Error: "write: " + err.Error()}, nil
	}
	return caldera.ToolResult{Content: fmt.Sprintf("wrote %d bytes to %s", len(content), filepath.Base(path))}, nil
}

func (t *Tool) list(path string) (caldera.ToolResult, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return caldera.ToolResult{Error: "list: " + err.Error()}, nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return caldera.ToolResult{Content: strings.Join(names, "\n")}, nil
}

func (t *Tool) delete(path string) (caldera.ToolResult, error) {
	if path == t.workspace {
		return caldera.ToolResult{Error: "refusing to delete the workspace root"}, nil
	}
	if err := os.Remove(path); err != nil {
		return caldera.ToolResult{Error: "delete: " + err.Error()}, nil
	}
	return caldera.ToolResult{Content: "deleted " + filepath.Base(path)}, nil
}

var _ caldera.Tool = (*Tool)(nil)
