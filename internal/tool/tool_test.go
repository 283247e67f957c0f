package tool

import (
	"context"

	"github.com/harunnryd/kiroku/internal/event"
)

type namedTool struct {
	name string
}

func (s *namedTool) Name() string        { return s.name }
func (s *namedTool) Description() string { return "stub" }
func (s *namedTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (s *namedTool) Execute(_ context.Context, call event.ToolCall, _ ExecutionContext) (event.ToolResult, error) {
	return event.ToolResult{ID: call.ID}, nil
}

type annotatedTool struct {
	namedTool
}

func (s *annotatedTool) ToolAnnotations() Annotations {
	return Annotations{ReadOnly: true, Idempotent: true}
}
