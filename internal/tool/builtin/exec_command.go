package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/harunnryd/kiroku/internal/event"
	toolcore "github.com/harunnryd/kiroku/internal/tool"
)

// ExecCommandTool runs a shell command in the workspace and captures its
// combined output. Output is truncated at MaxOutputSize to keep tool results
// bounded.
type ExecCommandTool struct {
	Timeout       time.Duration
	MaxOutputSize int
}

func (t *ExecCommandTool) Name() string {
	return "exec_command"
}

func (t *ExecCommandTool) Description() string {
	return "Execute a shell command in the project directory and return its output."
}

func (t *ExecCommandTool) ToolAnnotations() toolcore.Annotations {
	return toolcore.Annotations{Destructive: true}
}

func (t *ExecCommandTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Command line to execute",
			},
		},
		"required": []interface{}{"command"},
	}
}

func (t *ExecCommandTool) Execute(ctx context.Context, call event.ToolCall, execCtx toolcore.ExecutionContext) (event.ToolResult, error) {
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return event.ToolResult{}, fmt.Errorf("invalid input: %w", err)
	}
	if strings.TrimSpace(args.Command) == "" {
		return event.ToolResult{}, fmt.Errorf("command must not be empty")
	}

	parts, err := shlex.Split(args.Command)
	if err != nil {
		return event.ToolResult{}, fmt.Errorf("parse command: %w", err)
	}
	if len(parts) == 0 {
		return event.ToolResult{}, fmt.Errorf("command must not be empty")
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, parts[0], parts[1:]...)
	cmd.Dir = execCtx.WorkDir
	cmd.Env = execCtx.Environ()
	if execCtx.TempDir != "" {
		cmd.Env = append(cmd.Env, "TMPDIR="+execCtx.TempDir)
	}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	runErr := cmd.Run()

	output := buf.String()
	truncated := false
	if t.MaxOutputSize > 0 && len(output) > t.MaxOutputSize {
		output = output[:t.MaxOutputSize]
		truncated = true
	}

	if cmdCtx.Err() == context.DeadlineExceeded {
		return event.ToolResult{}, fmt.Errorf("command timed out after %s", timeout)
	}
	if runErr != nil {
		msg := fmt.Sprintf("command failed: %v", runErr)
		if output != "" {
			msg += "\n" + output
		}
		result := event.ErrorResult(call.ID, msg)
		return result, nil
	}

	if output == "" {
		output = "(no output)"
	}
	if truncated {
		output += "\n[output truncated]"
	}
	return event.ToolResult{
		ID:      call.ID,
		Content: []event.ContentBlock{event.TextBlock(output)},
	}, nil
}
