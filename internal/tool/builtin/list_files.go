package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/harunnryd/kiroku/internal/event"
	toolcore "github.com/harunnryd/kiroku/internal/tool"
)

// ListFilesTool lists directory entries.
type ListFilesTool struct{}

func (t *ListFilesTool) Name() string {
	return "list_files"
}

func (t *ListFilesTool) Description() string {
	return "List the entries of a directory. Directories are suffixed with a slash."
}

func (t *ListFilesTool) ToolAnnotations() toolcore.Annotations {
	return toolcore.Annotations{ReadOnly: true, Idempotent: true}
}

func (t *ListFilesTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory path, defaults to the project directory",
			},
		},
	}
}

func (t *ListFilesTool) Execute(ctx context.Context, call event.ToolCall, execCtx toolcore.ExecutionContext) (event.ToolResult, error) {
	_ = ctx

	var args struct {
		Path string `json:"path"`
	}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return event.ToolResult{}, fmt.Errorf("invalid input: %w", err)
		}
	}

	path := args.Path
	if path == "" {
		path = "."
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(execCtx.WorkDir, path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return event.ToolResult{}, fmt.Errorf("list %s: %w", args.Path, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	return event.ToolResult{
		ID:      call.ID,
		Content: []event.ContentBlock{event.TextBlock(strings.Join(names, "\n"))},
	}, nil
}
