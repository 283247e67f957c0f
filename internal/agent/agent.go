package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	kirokuErrors "github.com/harunnryd/kiroku/internal/errors"
	"github.com/harunnryd/kiroku/internal/event"
	"github.com/harunnryd/kiroku/internal/logger"
	"github.com/harunnryd/kiroku/internal/model"
	"github.com/harunnryd/kiroku/internal/model/contract"
	"github.com/harunnryd/kiroku/internal/pipeline"
	"github.com/harunnryd/kiroku/internal/store"
	"github.com/harunnryd/kiroku/internal/thread"
	"github.com/harunnryd/kiroku/internal/tool"
)

// State is the agent's conversation phase. Transitions are linear within a
// turn: idle -> thinking -> streaming -> tool_execution -> ... -> idle.
type State string

const (
	StateIdle          State = "idle"
	StateThinking      State = "thinking"
	StateStreaming     State = "streaming"
	StateToolExecution State = "tool_execution"
)

// Compactor decides whether a thread needs its history folded into a summary
// before the next provider call.
type Compactor interface {
	MaybeCompact(ctx context.Context, threadID string) error
}

// Config carries the per-agent tunables.
type Config struct {
	Model        string
	MaxTurns     int
	SystemPrompt string
}

// Agent owns one conversation thread. It is not reentrant: a second message
// while a turn is running comes back as ErrBusy. A process hosts many agents
// through the Manager.
type Agent struct {
	threadID string
	worker   *store.Worker
	router   model.ModelRouter
	pipe     *pipeline.Pipeline
	registry *tool.Registry
	notifier *Notifier
	compact  Compactor
	cfg      Config

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
}

func New(threadID string, worker *store.Worker, router model.ModelRouter, pipe *pipeline.Pipeline, registry *tool.Registry, notifier *Notifier, compact Compactor, cfg Config) *Agent {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 25
	}
	if notifier == nil {
		notifier = NewNotifier()
	}
	return &Agent{
		threadID: threadID,
		worker:   worker,
		router:   router,
		pipe:     pipe,
		registry: registry,
		notifier: notifier,
		compact:  compact,
		cfg:      cfg,
		state:    StateIdle,
	}
}

func (a *Agent) ThreadID() string {
	return a.threadID
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Abort cancels the running turn. Streamed output already received is
// preserved as a truncated agent message; in-flight tools are cancelled
// through the pipeline.
func (a *Agent) Abort() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (a *Agent) setState(state State) {
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
	a.notifier.Publish(Notification{
		Type:     NotificationStateChange,
		ThreadID: a.threadID,
		Text:     string(state),
	})
}

// HandleUserMessage runs one full turn: record the message, loop provider
// calls and tool batches until the provider stops asking for tools, and
// return the final assistant text.
func (a *Agent) HandleUserMessage(ctx context.Context, text string) (string, error) {
	a.mu.Lock()
	if a.state != StateIdle {
		a.mu.Unlock()
		return "", fmt.Errorf("thread %s: %w", a.threadID, kirokuErrors.ErrBusy)
	}
	turnCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.state = StateThinking
	a.mu.Unlock()

	defer func() {
		cancel()
		a.mu.Lock()
		a.cancel = nil
		a.mu.Unlock()
		a.setState(StateIdle)
	}()
	a.notifier.Publish(Notification{Type: NotificationStateChange, ThreadID: a.threadID, Text: string(StateThinking)})

	physical, err := a.worker.Resolve(a.threadID)
	if err != nil {
		return "", err
	}
	userEvt, err := a.worker.Append(physical, event.TypeUserMessage, event.MessagePayload{Text: text})
	if err != nil {
		return "", fmt.Errorf("record user message: %w", err)
	}
	turnCtx = logger.WithThreadID(logger.WithTraceID(turnCtx, userEvt.ID), a.threadID)

	if a.compact != nil {
		if err := a.compact.MaybeCompact(turnCtx, a.threadID); err != nil {
			// Compaction failing never blocks the turn; the provider call
			// may still fit.
			slog.Warn("Compaction check failed", "thread_id", a.threadID, "error", err)
		}
		if physical, err = a.worker.Resolve(a.threadID); err != nil {
			return "", err
		}
	}

	for turn := 0; turn < a.cfg.MaxTurns; turn++ {
		resp, partial, err := a.callProvider(turnCtx, physical)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return a.abortTurn(physical, partial)
			}
			return "", kirokuErrors.MapError(err)
		}

		if resp.Thinking != "" {
			if _, err := a.worker.Append(physical, event.TypeThinking, event.ThinkingPayload{Text: resp.Thinking}); err != nil {
				return "", err
			}
		}
		if resp.Content != "" {
			if _, err := a.worker.Append(physical, event.TypeAgentMessage, event.MessagePayload{Text: resp.Content}); err != nil {
				return "", err
			}
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		for _, call := range resp.ToolCalls {
			if _, err := a.worker.Append(physical, event.TypeToolCall, event.ToolCallPayload{Call: call}); err != nil {
				return "", err
			}
		}

		a.setState(StateToolExecution)
		results, err := a.pipe.ExecuteBatch(turnCtx, physical, resp.ToolCalls)
		if err != nil {
			return "", err
		}
		for i := range results {
			a.notifier.Publish(Notification{
				Type:     NotificationToolResult,
				ThreadID: a.threadID,
				Result:   &results[i],
			})
		}

		if turnCtx.Err() != nil {
			return a.abortTurn(physical, "")
		}
		a.setState(StateThinking)
	}

	return "", kirokuErrors.Internal(fmt.Sprintf("thread %s: turn limit (%d) reached without a final response", a.threadID, a.cfg.MaxTurns))
}

// callProvider reconstructs the thread and streams one completion. The
// accumulated partial text is returned alongside any error so an abort can
// preserve it.
func (a *Agent) callProvider(ctx context.Context, physical string) (*contract.CompletionResponse, string, error) {
	events, err := a.worker.ListEvents(physical)
	if err != nil {
		return nil, "", err
	}
	conv, err := thread.Reconstruct(events)
	if err != nil {
		return nil, "", err
	}

	req := contract.CompletionRequest{
		Model:    a.cfg.Model,
		System:   a.composeSystem(conv),
		Messages: conv.Messages,
	}
	for _, descriptor := range a.registry.GetDescriptors() {
		req.Tools = append(req.Tools, descriptor.Definition)
	}

	a.setState(StateStreaming)
	var partial strings.Builder
	resp, err := a.router.RouteStream(ctx, a.cfg.Model, req, func(delta string) {
		partial.WriteString(delta)
		a.notifier.Publish(Notification{
			Type:     NotificationStreamDelta,
			ThreadID: a.threadID,
			Text:     delta,
		})
	})
	if err != nil {
		return nil, partial.String(), err
	}
	return resp, partial.String(), nil
}

// abortTurn records whatever streamed before the cancel as a truncated
// agent message and surfaces the cancellation.
func (a *Agent) abortTurn(physical, partial string) (string, error) {
	if partial != "" {
		if _, err := a.worker.Append(physical, event.TypeAgentMessage, event.MessagePayload{Text: partial, Truncated: true}); err != nil {
			slog.Error("Failed to record truncated message after abort", "thread_id", a.threadID, "error", err)
		}
	}
	return partial, context.Canceled
}

func (a *Agent) composeSystem(conv *thread.Conversation) string {
	system := conv.SystemPrompt
	if system == "" {
		system = a.cfg.SystemPrompt
	}
	if conv.UserSystemPrompt != "" {
		if system != "" {
			system += "\n\n"
		}
		system += conv.UserSystemPrompt
	}
	return system
}
