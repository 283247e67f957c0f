package contract

import (
	"strings"

	"github.com/harunnryd/kiroku/internal/event"
)

// Message is one provider-ready conversation turn. Tool results carry their
// content as blocks; only provider adapters may flatten them to the wire
// format their API wants.
type Message struct {
	Role       string               `json:"role"`
	Content    string               `json:"content"`
	Blocks     []event.ContentBlock `json:"blocks,omitempty"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
	ToolCalls  []event.ToolCall     `json:"tool_calls,omitempty"`
	IsError    bool                 `json:"is_error,omitempty"`
}

type CompletionRequest struct {
	Model    string    `json:"model"`
	System   string    `json:"system,omitempty"`
	Messages []Message `json:"messages"`
	Tools    []ToolDef `json:"tools,omitempty"`
}

type ToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type CompletionResponse struct {
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	ToolCalls []event.ToolCall `json:"tool_calls,omitempty"`
}

// RenderBlocks flattens content blocks for adapters whose wire format only
// takes a string. Image and resource blocks degrade to references.
func RenderBlocks(blocks []event.ContentBlock) string {
	var sb strings.Builder
	for i, b := range blocks {
		if i > 0 {
			sb.WriteString("\n")
		}
		switch b.Type {
		case "text":
			sb.WriteString(b.Text)
		case "image":
			sb.WriteString("[image " + b.MimeType + "]")
		case "resource":
			sb.WriteString("[resource " + b.URI + "]")
		}
	}
	return sb.String()
}
