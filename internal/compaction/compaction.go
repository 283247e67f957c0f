package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/harunnryd/kiroku/internal/event"
	"github.com/harunnryd/kiroku/internal/model"
	"github.com/harunnryd/kiroku/internal/model/contract"
	"github.com/harunnryd/kiroku/internal/store"
	"github.com/harunnryd/kiroku/internal/thread"
)

// Options carries the compaction tunables.
type Options struct {
	// Threshold is the fraction of ContextWindow that triggers compaction.
	Threshold     float64
	ContextWindow int
	// PreserveTail is the minimum number of recent events carried into the
	// new physical thread verbatim.
	PreserveTail  int
	SummaryPrompt string
	Model         string
}

// Manager folds a thread's older history into a provider-written summary when
// its reconstructed view approaches the model context window. The public
// thread id is remapped to a fresh physical thread seeded with the summary
// and the preserved tail; the original thread is never touched again.
type Manager struct {
	worker    *store.Worker
	router    model.ModelRouter
	estimator *thread.TokenEstimator
	opts      Options
}

func NewManager(worker *store.Worker, router model.ModelRouter, opts Options) (*Manager, error) {
	if opts.Threshold <= 0 || opts.Threshold > 1 {
		opts.Threshold = 0.8
	}
	if opts.ContextWindow <= 0 {
		return nil, fmt.Errorf("compaction: context window must be positive")
	}
	if opts.PreserveTail <= 0 {
		opts.PreserveTail = 20
	}

	return &Manager{
		worker:    worker,
		router:    router,
		estimator: thread.NewTokenEstimator(opts.Model),
		opts:      opts,
	}, nil
}

// MaybeCompact checks the thread against the token budget and compacts it
// when over. The id passed in is the public one; callers resolve it again
// afterwards and transparently land on the new physical thread.
func (m *Manager) MaybeCompact(ctx context.Context, threadID string) error {
	physical, err := m.worker.Resolve(threadID)
	if err != nil {
		return err
	}
	events, err := m.worker.ListEvents(physical)
	if err != nil {
		return err
	}
	conv, err := thread.Reconstruct(events)
	if err != nil {
		return err
	}

	budget := int(m.opts.Threshold * float64(m.opts.ContextWindow))
	estimate := m.estimator.EstimateConversation(conv)
	if estimate < budget {
		return nil
	}

	slog.Info("Compacting thread",
		"thread_id", threadID,
		"physical_id", physical,
		"estimated_tokens", estimate,
		"budget", budget,
	)
	return m.compact(ctx, threadID, physical, events)
}

func (m *Manager) compact(ctx context.Context, publicID, physical string, events []event.Event) error {
	cut := splitPoint(events, m.opts.PreserveTail)
	if cut <= 0 {
		// Everything is tail; there is no prefix worth summarizing.
		return nil
	}
	prefix, tail := events[:cut], events[cut:]

	summary, err := m.summarize(ctx, prefix)
	if err != nil {
		return fmt.Errorf("summarize thread %s: %w", publicID, err)
	}

	shadow := m.worker.CreateThread()
	if _, err := m.worker.Append(shadow, event.TypeCompactionMarker, event.CompactionMarkerPayload{
		SourceThreadID: physical,
		Summary:        summary,
		EventsDropped:  len(prefix),
	}); err != nil {
		return err
	}

	// System prompts live in the prefix more often than not; carry the latest
	// ones forward so the shadow thread keeps the same instructions.
	for _, typ := range []event.Type{event.TypeSystemPrompt, event.TypeUserSystemPrompt} {
		if data, ok := latestOfType(prefix, tail, typ); ok {
			if _, err := m.worker.Append(shadow, typ, data); err != nil {
				return err
			}
		}
	}

	for _, evt := range tail {
		if _, err := m.worker.Append(shadow, evt.Type, evt.Data); err != nil {
			return fmt.Errorf("carry event %s into shadow thread: %w", evt.ID, err)
		}
	}

	if err := m.worker.Remap(publicID, shadow); err != nil {
		return err
	}
	slog.Info("Thread compacted", "thread_id", publicID, "shadow_id", shadow, "events_dropped", len(prefix))
	return nil
}

// summarize reconstructs the prefix alone and asks the provider to fold it
// into prose.
func (m *Manager) summarize(ctx context.Context, prefix []event.Event) (string, error) {
	conv, err := thread.Reconstruct(prefix)
	if err != nil {
		return "", err
	}

	messages := append([]contract.Message{}, conv.Messages...)
	messages = append(messages, contract.Message{Role: "user", Content: m.opts.SummaryPrompt})

	resp, err := m.router.Route(ctx, m.opts.Model, contract.CompletionRequest{
		Model:    m.opts.Model,
		System:   conv.SystemPrompt,
		Messages: messages,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// splitPoint returns the index where the preserved tail begins. The boundary
// is pulled backwards until every tool_result and approval event in the tail
// has its defining tool_call or approval request inside the tail too, so the
// shadow thread never opens with orphaned pairings.
func splitPoint(events []event.Event, preserveTail int) int {
	cut := len(events) - preserveTail
	if cut <= 0 {
		return 0
	}

	for cut > 0 {
		defined := definedIDs(events[cut:])
		moved := false
		for i := cut; i < len(events); i++ {
			callID, needs := referencedCallID(events[i])
			if !needs || defined[callID] {
				continue
			}
			if def := definingIndex(events, cut, callID); def >= 0 {
				cut = def
				moved = true
				break
			}
		}
		if !moved {
			break
		}
	}
	return cut
}

// definedIDs collects tool call ids whose tool_call and approval request
// events are inside the slice.
func definedIDs(events []event.Event) map[string]bool {
	defined := make(map[string]bool)
	for _, evt := range events {
		switch evt.Type {
		case event.TypeToolCall:
			var p event.ToolCallPayload
			if json.Unmarshal(evt.Data, &p) == nil {
				defined[p.Call.ID] = true
			}
		case event.TypeApprovalRequest:
			var p event.ApprovalRequestPayload
			if json.Unmarshal(evt.Data, &p) == nil {
				defined["approval:"+p.ToolCallID] = true
			}
		}
	}
	return defined
}

// referencedCallID reports which call id an event depends on having seen
// earlier in the same thread.
func referencedCallID(evt event.Event) (string, bool) {
	switch evt.Type {
	case event.TypeToolResult:
		var p event.ToolResultPayload
		if json.Unmarshal(evt.Data, &p) == nil {
			return p.Result.ID, true
		}
	case event.TypeApprovalResponse:
		var p event.ApprovalResponsePayload
		if json.Unmarshal(evt.Data, &p) == nil {
			return "approval:" + p.ToolCallID, true
		}
	}
	return "", false
}

// definingIndex finds the event before cut that defines the referenced id.
func definingIndex(events []event.Event, cut int, refID string) int {
	for i := cut - 1; i >= 0; i-- {
		evt := events[i]
		switch evt.Type {
		case event.TypeToolCall:
			var p event.ToolCallPayload
			if json.Unmarshal(evt.Data, &p) == nil && p.Call.ID == refID {
				return i
			}
		case event.TypeApprovalRequest:
			var p event.ApprovalRequestPayload
			if json.Unmarshal(evt.Data, &p) == nil && "approval:"+p.ToolCallID == refID {
				return i
			}
		}
	}
	return -1
}

func latestOfType(prefix, tail []event.Event, typ event.Type) (json.RawMessage, bool) {
	for _, evt := range tail {
		if evt.Type == typ {
			return nil, false // tail already carries it
		}
	}
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i].Type == typ {
			return prefix[i].Data, true
		}
	}
	return nil, false
}
