package thread

import (
	"fmt"
	"sort"

	"github.com/harunnryd/kiroku/internal/event"
	kirokuErrors "github.com/harunnryd/kiroku/internal/errors"
	"github.com/harunnryd/kiroku/internal/model/contract"
)

// Conversation is the reconstructed view of one thread: a provider-ready
// message sequence plus whatever work is still in flight.
type Conversation struct {
	SystemPrompt     string
	UserSystemPrompt string
	Messages         []contract.Message
	// Pending holds tool calls with no matching result yet, in call order.
	// In-flight or abandoned work: recoverable, never fatal.
	Pending []event.ToolCall
	// Thinking blocks are kept for presentation; they are not re-sent to the
	// provider.
	Thinking []string
	// Summary is set when the thread begins with a compaction marker.
	Summary string
}

// Reconstruct is a pure function over an ordered event list. Replaying the
// same events always yields the same view; an unrecognized event type fails
// the whole reconstruction rather than silently dropping data.
func Reconstruct(events []event.Event) (*Conversation, error) {
	ordered := make([]event.Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	conv := &Conversation{}
	pendingOrder := []string{}
	pending := map[string]event.ToolCall{}

	for _, evt := range ordered {
		payload, err := event.DecodePayload(evt)
		if err != nil {
			return nil, kirokuErrors.CorruptThread(fmt.Sprintf("event %s (seq %d): %v", evt.ID, evt.Seq, err))
		}

		switch p := payload.(type) {
		case *event.MessagePayload:
			switch evt.Type {
			case event.TypeUserMessage:
				conv.Messages = append(conv.Messages, contract.Message{Role: "user", Content: p.Text})
			case event.TypeAgentMessage:
				conv.Messages = append(conv.Messages, contract.Message{Role: "assistant", Content: p.Text})
			}
		case *event.ThinkingPayload:
			conv.Thinking = append(conv.Thinking, p.Text)
		case *event.SystemPromptPayload:
			if evt.Type == event.TypeUserSystemPrompt {
				conv.UserSystemPrompt = p.Text
			} else {
				conv.SystemPrompt = p.Text
			}
		case *event.ToolCallPayload:
			appendToolCall(conv, p.Call)
			pending[p.Call.ID] = p.Call
			pendingOrder = append(pendingOrder, p.Call.ID)
		case *event.ToolResultPayload:
			msg := contract.Message{
				Role:       "tool",
				ToolCallID: p.Result.ID,
				Blocks:     p.Result.Content,
				IsError:    p.Result.IsError,
			}
			conv.Messages = append(conv.Messages, msg)
			delete(pending, p.Result.ID)
		case *event.ApprovalRequestPayload, *event.ApprovalResponsePayload:
			// Governance events are part of the audit trail, not the
			// provider view.
		case *event.CompactionMarkerPayload:
			conv.Summary = p.Summary
			conv.Messages = append(conv.Messages, contract.Message{
				Role:    "user",
				Content: "[Conversation summary of earlier history]\n" + p.Summary,
			})
		default:
			return nil, kirokuErrors.CorruptThread(fmt.Sprintf("event %s: unhandled payload %T", evt.ID, payload))
		}
	}

	for _, id := range pendingOrder {
		if call, ok := pending[id]; ok {
			conv.Pending = append(conv.Pending, call)
		}
	}

	return conv, nil
}

// appendToolCall attaches a tool call to the assistant turn that emitted it.
// Concurrent calls from one provider response land on the same message even
// when other events interleave before their results arrive.
func appendToolCall(conv *Conversation, call event.ToolCall) {
	if n := len(conv.Messages); n > 0 {
		last := &conv.Messages[n-1]
		if last.Role == "assistant" {
			last.ToolCalls = append(last.ToolCalls, call)
			return
		}
	}
	conv.Messages = append(conv.Messages, contract.Message{
		Role:      "assistant",
		ToolCalls: []event.ToolCall{call},
	})
}
