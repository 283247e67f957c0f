package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/harunnryd/kiroku/internal/event"
	toolcore "github.com/harunnryd/kiroku/internal/tool"
)

// WriteFileTool creates or overwrites a file.
type WriteFileTool struct{}

func (t *WriteFileTool) Name() string {
	return "write_file"
}

func (t *WriteFileTool) Description() string {
	return "Write content to a file, creating parent directories as needed. Overwrites existing content."
}

func (t *WriteFileTool) ToolAnnotations() toolcore.Annotations {
	return toolcore.Annotations{Destructive: true, Idempotent: true}
}

func (t *WriteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "File path, absolute or relative to the project directory",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Full file content to write",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, call event.ToolCall, execCtx toolcore.ExecutionContext) (event.ToolResult, error) {
	_ = ctx

	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return event.ToolResult{}, fmt.Errorf("invalid input: %w", err)
	}

	path := args.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(execCtx.WorkDir, path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return event.ToolResult{}, fmt.Errorf("create parent dirs for %s: %w", args.Path, err)
	}
	if err := os.WriteFile(path, []byte(args.Content), 0644); err != nil {
		return event.ToolResult{}, fmt.Errorf("write %s: %w", args.Path, err)
	}

	return event.ToolResult{
		ID:      call.ID,
		Content: []event.ContentBlock{event.TextBlock(fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path))},
	}, nil
}
