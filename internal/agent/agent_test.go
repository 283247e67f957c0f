package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kirokuErrors "github.com/harunnryd/kiroku/internal/errors"
	"github.com/harunnryd/kiroku/internal/event"
	"github.com/harunnryd/kiroku/internal/model"
	"github.com/harunnryd/kiroku/internal/model/contract"
	"github.com/harunnryd/kiroku/internal/model/modeltest"
	"github.com/harunnryd/kiroku/internal/pipeline"
	"github.com/harunnryd/kiroku/internal/store"
	"github.com/harunnryd/kiroku/internal/thread"
	"github.com/harunnryd/kiroku/internal/tool"
)

const testModel = "scripted-model"

type echoTool struct {
	block chan struct{} // when set, Execute waits for ctx or the channel
}

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "echo" }
func (e *echoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (e *echoTool) ToolAnnotations() tool.Annotations { return tool.Annotations{ReadOnly: true} }
func (e *echoTool) Execute(ctx context.Context, call event.ToolCall, _ tool.ExecutionContext) (event.ToolResult, error) {
	if e.block != nil {
		select {
		case <-ctx.Done():
			return event.ToolResult{}, ctx.Err()
		case <-e.block:
		}
	}
	var args struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(call.Arguments, &args)
	return event.ToolResult{ID: call.ID, Content: []event.ContentBlock{event.TextBlock(args.Text)}}, nil
}

type agentFixture struct {
	worker   *store.Worker
	provider *modeltest.ScriptedProvider
	agent    *Agent
	threadID string
}

func newAgentFixture(t *testing.T, tools []tool.Tool, responses ...modeltest.Response) *agentFixture {
	t.Helper()

	worker, err := store.NewWorker("agent-test", t.TempDir(), store.RuntimeConfig{})
	require.NoError(t, err)
	worker.Start()
	t.Cleanup(worker.Stop)

	provider := modeltest.NewScriptedProvider(responses...)
	router := model.NewStaticRouter(testModel, map[string]model.Provider{testModel: provider})

	registry := tool.NewRegistry()
	for _, tl := range tools {
		registry.Register(tl)
	}

	grants, err := pipeline.NewGrantStore(t.TempDir(), time.Hour)
	require.NoError(t, err)
	broker := pipeline.NewApprovalBroker(worker, grants, nil, nil, nil)
	pipe := pipeline.New(worker, registry, broker, pipeline.Options{
		ProjectRoot:  t.TempDir(),
		AbandonGrace: 200 * time.Millisecond,
	})

	threadID := worker.CreateThread()
	ag := New(threadID, worker, router, pipe, registry, NewNotifier(), nil, Config{
		Model:    testModel,
		MaxTurns: 5,
	})
	return &agentFixture{worker: worker, provider: provider, agent: ag, threadID: threadID}
}

func (f *agentFixture) eventTypes(t *testing.T) []event.Type {
	t.Helper()
	events, err := f.worker.ListEvents(f.threadID)
	require.NoError(t, err)
	types := make([]event.Type, len(events))
	for i, evt := range events {
		types[i] = evt.Type
	}
	return types
}

func TestPlainTurnRecordsMessages(t *testing.T) {
	f := newAgentFixture(t, nil, modeltest.Response{
		Completion: contract.CompletionResponse{Content: "hi there"},
	})

	reply, err := f.agent.HandleUserMessage(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hi there", reply)
	assert.Equal(t, StateIdle, f.agent.State())

	assert.Equal(t, []event.Type{event.TypeUserMessage, event.TypeAgentMessage}, f.eventTypes(t))
}

func TestToolLoopRunsUntilFinalAnswer(t *testing.T) {
	call := event.ToolCall{ID: "t1", Name: "echo", Arguments: []byte(`{"text":"pong"}`)}
	f := newAgentFixture(t, []tool.Tool{&echoTool{}},
		modeltest.Response{Completion: contract.CompletionResponse{
			Content:   "let me check",
			ToolCalls: []event.ToolCall{call},
		}},
		modeltest.Response{Completion: contract.CompletionResponse{Content: "it said pong"}},
	)

	reply, err := f.agent.HandleUserMessage(context.Background(), "ping the tool")
	require.NoError(t, err)
	assert.Equal(t, "it said pong", reply)
	assert.Equal(t, 2, f.provider.Turns())

	types := f.eventTypes(t)
	assert.Equal(t, []event.Type{
		event.TypeUserMessage,
		event.TypeAgentMessage,
		event.TypeToolCall,
		event.TypeToolResult,
		event.TypeAgentMessage,
	}, types)

	// The second provider request carries the tool result back.
	second := f.provider.Requests[1]
	var sawToolMessage bool
	for _, msg := range second.Messages {
		if msg.Role == "tool" && msg.ToolCallID == "t1" {
			sawToolMessage = true
		}
	}
	assert.True(t, sawToolMessage)
}

func TestBusyAgentRejectsSecondMessage(t *testing.T) {
	blocker := &echoTool{block: make(chan struct{})}
	call := event.ToolCall{ID: "t1", Name: "echo", Arguments: []byte(`{"text":"x"}`)}
	f := newAgentFixture(t, []tool.Tool{blocker},
		modeltest.Response{Completion: contract.CompletionResponse{ToolCalls: []event.ToolCall{call}}},
		modeltest.Response{Completion: contract.CompletionResponse{Content: "done"}},
	)

	started := make(chan struct{})
	finished := make(chan error, 1)
	go func() {
		close(started)
		_, err := f.agent.HandleUserMessage(context.Background(), "first")
		finished <- err
	}()
	<-started

	// Wait until the first turn is inside tool execution.
	require.Eventually(t, func() bool {
		return f.agent.State() == StateToolExecution
	}, 2*time.Second, 10*time.Millisecond)

	_, err := f.agent.HandleUserMessage(context.Background(), "second")
	assert.ErrorIs(t, err, kirokuErrors.ErrBusy)

	close(blocker.block)
	require.NoError(t, <-finished)
}

func TestAbortPreservesPartialOutput(t *testing.T) {
	blocker := &echoTool{block: make(chan struct{})}
	call := event.ToolCall{ID: "t1", Name: "echo"}
	f := newAgentFixture(t, []tool.Tool{blocker},
		modeltest.Response{Completion: contract.CompletionResponse{
			Content:   "starting work",
			ToolCalls: []event.ToolCall{call},
		}},
	)

	finished := make(chan error, 1)
	go func() {
		_, err := f.agent.HandleUserMessage(context.Background(), "go")
		finished <- err
	}()

	require.Eventually(t, func() bool {
		return f.agent.State() == StateToolExecution
	}, 2*time.Second, 10*time.Millisecond)
	f.agent.Abort()

	err := <-finished
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateIdle, f.agent.State())

	// The aborted tool call still resolved to a result, and the thread
	// remains loadable.
	events, err := f.worker.ListEvents(f.threadID)
	require.NoError(t, err)
	var results int
	for _, evt := range events {
		if evt.Type == event.TypeToolResult {
			results++
		}
	}
	assert.Equal(t, 1, results)

	_, err = thread.Reconstruct(events)
	require.NoError(t, err)
}

func TestProviderErrorLeavesThreadIntact(t *testing.T) {
	f := newAgentFixture(t, nil, modeltest.Response{Err: assertableError("provider down")})

	_, err := f.agent.HandleUserMessage(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, StateIdle, f.agent.State())

	// The user message survives the failed turn and the thread still loads.
	assert.Equal(t, []event.Type{event.TypeUserMessage}, f.eventTypes(t))
	events, err := f.worker.ListEvents(f.threadID)
	require.NoError(t, err)
	_, err = thread.Reconstruct(events)
	require.NoError(t, err)
}

func TestStreamDeltasReachSubscribers(t *testing.T) {
	f := newAgentFixture(t, nil, modeltest.Response{
		Completion: contract.CompletionResponse{Content: "streamed reply"},
	})

	notifications, cancel := f.agent.notifier.Subscribe(16)
	defer cancel()

	_, err := f.agent.HandleUserMessage(context.Background(), "hello")
	require.NoError(t, err)

	deadline := time.After(time.Second)
	for {
		select {
		case n := <-notifications:
			if n.Type == NotificationStreamDelta {
				assert.Equal(t, "streamed reply", n.Text)
				return
			}
		case <-deadline:
			t.Fatal("no stream delta notification received")
		}
	}
}

func TestManagerKeysAgentsByThread(t *testing.T) {
	f := newAgentFixture(t, nil,
		modeltest.Response{Completion: contract.CompletionResponse{Content: "one"}},
	)

	mgr := NewManager(f.worker, model.NewStaticRouter(testModel, map[string]model.Provider{testModel: f.provider}), nil, tool.NewRegistry(), nil, nil, Config{Model: testModel})

	a1 := mgr.AgentFor("thread-a")
	a2 := mgr.AgentFor("thread-a")
	b := mgr.AgentFor("thread-b")
	assert.Same(t, a1, a2)
	assert.NotSame(t, a1, b)
}

type assertableError string

func (e assertableError) Error() string { return string(e) }
