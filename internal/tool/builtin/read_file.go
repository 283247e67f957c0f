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

// ReadFileTool reads a file relative to the execution working directory.
type ReadFileTool struct{}

func (t *ReadFileTool) Name() string {
	return "read_file"
}

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file. Paths are resolved against the project directory."
}

func (t *ReadFileTool) ToolAnnotations() toolcore.Annotations {
	return toolcore.Annotations{ReadOnly: true, Idempotent: true}
}

func (t *ReadFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "File path, absolute or relative to the project directory",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, call event.ToolCall, execCtx toolcore.ExecutionContext) (event.ToolResult, error) {
	_ = ctx

	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return event.ToolResult{}, fmt.Errorf("invalid input: %w", err)
	}

	path := args.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(execCtx.WorkDir, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return event.ToolResult{}, fmt.Errorf("read %s: %w", args.Path, err)
	}

	return event.ToolResult{
		ID:      call.ID,
		Content: []event.ContentBlock{event.TextBlock(string(data))},
	}, nil
}
