package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownEventType is returned when an event carries a type outside the
// closed set. Reconstruction fails closed on it rather than skipping data.
var ErrUnknownEventType = errors.New("unknown event type")

type Type string

const (
	TypeUserMessage      Type = "user_message"
	TypeAgentMessage     Type = "agent_message"
	TypeThinking         Type = "thinking"
	TypeToolCall         Type = "tool_call"
	TypeApprovalRequest  Type = "tool_approval_request"
	TypeApprovalResponse Type = "tool_approval_response"
	TypeToolResult       Type = "tool_result"
	TypeSystemPrompt     Type = "system_prompt"
	TypeUserSystemPrompt Type = "user_system_prompt"
	TypeCompactionMarker Type = "compaction_marker"
)

// Event is one immutable entry in a thread's log. Seq is assigned by the
// store and is the sole ordering basis within a thread.
type Event struct {
	ID        string          `json:"id"`
	ThreadID  string          `json:"thread_id"`
	Seq       int64           `json:"seq"`
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Decision is an approval outcome scoped to a (thread, tool call) pair.
type Decision string

const (
	DecisionAllowOnce    Decision = "allow_once"
	DecisionAllowSession Decision = "allow_session"
	DecisionDeny         Decision = "deny"
)

func (d Decision) Valid() bool {
	switch d {
	case DecisionAllowOnce, DecisionAllowSession, DecisionDeny:
		return true
	}
	return false
}

// ToolCall identity is ID; a given ID appears in exactly one tool_call event
// per thread.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type ToolResult struct {
	ID       string            `json:"id,omitempty"`
	Content  []ContentBlock    `json:"content"`
	IsError  bool              `json:"is_error"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ContentBlock is a tagged union. The list is never flattened internally;
// presentation layers decide how to render it.
type ContentBlock struct {
	Type     string `json:"type"` // "text", "image", "resource"
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	URI      string `json:"uri,omitempty"`
}

func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

func ErrorResult(callID, reason string) ToolResult {
	return ToolResult{
		ID:      callID,
		Content: []ContentBlock{TextBlock(reason)},
		IsError: true,
	}
}

// --- Payloads (one struct per event type) ---

type MessagePayload struct {
	Text string `json:"text"`
	// Truncated marks an agent message cut short by an abort; the streamed
	// prefix is preserved as-is.
	Truncated bool `json:"truncated,omitempty"`
}

type ThinkingPayload struct {
	Text string `json:"text"`
}

type ToolCallPayload struct {
	Call ToolCall `json:"call"`
}

type ApprovalRequestPayload struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Risk       string `json:"risk"`
	Reason     string `json:"reason,omitempty"`
}

type ApprovalResponsePayload struct {
	ToolCallID string   `json:"tool_call_id"`
	Decision   Decision `json:"decision"`
}

type ToolResultPayload struct {
	Result ToolResult `json:"result"`
}

type SystemPromptPayload struct {
	Text string `json:"text"`
}

type CompactionMarkerPayload struct {
	SourceThreadID string `json:"source_thread_id"`
	Summary        string `json:"summary"`
	EventsDropped  int    `json:"events_dropped"`
}

// DecodePayload unmarshals an event's data into its typed payload. Unknown
// types are rejected at the boundary, never defaulted.
func DecodePayload(evt Event) (any, error) {
	decode := func(v any) (any, error) {
		if len(evt.Data) == 0 {
			return v, nil
		}
		if err := json.Unmarshal(evt.Data, v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", evt.Type, err)
		}
		return v, nil
	}

	switch evt.Type {
	case TypeUserMessage, TypeAgentMessage:
		return decode(&MessagePayload{})
	case TypeThinking:
		return decode(&ThinkingPayload{})
	case TypeToolCall:
		return decode(&ToolCallPayload{})
	case TypeApprovalRequest:
		return decode(&ApprovalRequestPayload{})
	case TypeApprovalResponse:
		return decode(&ApprovalResponsePayload{})
	case TypeToolResult:
		return decode(&ToolResultPayload{})
	case TypeSystemPrompt, TypeUserSystemPrompt:
		return decode(&SystemPromptPayload{})
	case TypeCompactionMarker:
		return decode(&CompactionMarkerPayload{})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, evt.Type)
	}
}

// EncodePayload marshals a typed payload for storage.
func EncodePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}
