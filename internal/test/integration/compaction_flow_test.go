package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/kiroku/internal/agent"
	"github.com/harunnryd/kiroku/internal/compaction"
	"github.com/harunnryd/kiroku/internal/event"
	"github.com/harunnryd/kiroku/internal/model"
	"github.com/harunnryd/kiroku/internal/model/contract"
	"github.com/harunnryd/kiroku/internal/model/modeltest"
	"github.com/harunnryd/kiroku/internal/pipeline"
	"github.com/harunnryd/kiroku/internal/scheduler"
	"github.com/harunnryd/kiroku/internal/store"
	"github.com/harunnryd/kiroku/internal/tool"
	"github.com/harunnryd/kiroku/internal/tool/builtin"
)

// A thread over budget gets compacted before the provider call, and the next
// turn proceeds against the shadow thread without caller changes.
func TestCompactionIsTransparentToTheNextTurn(t *testing.T) {
	worker, err := store.NewWorker("compact-flow", t.TempDir(), store.RuntimeConfig{})
	require.NoError(t, err)
	worker.Start()
	t.Cleanup(worker.Stop)

	provider := modeltest.NewScriptedProvider(
		// First call: the compaction summary request.
		modeltest.Response{Completion: contract.CompletionResponse{Content: "earlier: long discussion about nothing"}},
		// Second call: the actual turn.
		modeltest.Response{Completion: contract.CompletionResponse{Content: "continuing fine"}},
	)
	router := model.NewStaticRouter(testModel, map[string]model.Provider{testModel: provider})

	compactor, err := compaction.NewManager(worker, router, compaction.Options{
		Threshold:     0.5,
		ContextWindow: 200,
		PreserveTail:  4,
		SummaryPrompt: "Summarize.",
		Model:         testModel,
	})
	require.NoError(t, err)

	registry := tool.NewRegistry()
	grants, err := pipeline.NewGrantStore(t.TempDir(), time.Hour)
	require.NoError(t, err)
	broker := pipeline.NewApprovalBroker(worker, grants, nil, nil, nil)
	pipe := pipeline.New(worker, registry, broker, pipeline.Options{ProjectRoot: t.TempDir()})

	manager := agent.NewManager(worker, router, pipe, registry, nil, compactor, agent.Config{
		Model:    testModel,
		MaxTurns: 3,
	})

	threadID := worker.CreateThread()
	for i := 0; i < 30; i++ {
		_, err := worker.Append(threadID, event.TypeUserMessage, event.MessagePayload{
			Text: fmt.Sprintf("filler message %d with enough words to push the token estimate over the budget", i),
		})
		require.NoError(t, err)
	}

	reply, err := manager.HandleUserMessage(t.Context(), threadID, "keep going")
	require.NoError(t, err)
	assert.Equal(t, "continuing fine", reply)

	// The public id now resolves to the shadow thread.
	physical, err := worker.Resolve(threadID)
	require.NoError(t, err)
	require.NotEqual(t, threadID, physical)

	events, err := worker.ListEvents(physical)
	require.NoError(t, err)
	assert.Equal(t, event.TypeCompactionMarker, events[0].Type)

	// The turn's own user message and reply landed on the shadow thread.
	var texts []string
	for _, evt := range events {
		if evt.Type == event.TypeUserMessage || evt.Type == event.TypeAgentMessage {
			payload, err := event.DecodePayload(evt)
			require.NoError(t, err)
			texts = append(texts, payload.(*event.MessagePayload).Text)
		}
	}
	assert.Contains(t, texts, "keep going")
	assert.Contains(t, texts, "continuing fine")
}

// A maintenance sweep must not remap a thread whose turn is blocked on an
// approval: the agent resolved its physical thread at turn start and the
// approval waiter is keyed to it, so a remap underneath the turn would strand
// every later append (and the decision itself) on the superseded log.
func TestSweepLeavesThreadWithPendingApprovalAlone(t *testing.T) {
	worker, err := store.NewWorker("sweep-race", t.TempDir(), store.RuntimeConfig{})
	require.NoError(t, err)
	worker.Start()
	t.Cleanup(worker.Stop)

	provider := modeltest.NewScriptedProvider(
		modeltest.Response{Completion: contract.CompletionResponse{
			ToolCalls: []event.ToolCall{{
				ID:        "t1",
				Name:      "write_file",
				Arguments: []byte(`{"path":"out.txt","content":"hello"}`),
			}},
		}},
		modeltest.Response{Completion: contract.CompletionResponse{Content: "written"}},
		// The summary request for the post-turn sweep.
		modeltest.Response{Completion: contract.CompletionResponse{Content: "earlier: filler"}},
	)
	router := model.NewStaticRouter(testModel, map[string]model.Provider{testModel: provider})

	compactor, err := compaction.NewManager(worker, router, compaction.Options{
		Threshold:     0.5,
		ContextWindow: 200,
		PreserveTail:  4,
		SummaryPrompt: "Summarize.",
		Model:         testModel,
	})
	require.NoError(t, err)

	registry := tool.NewRegistry()
	require.NoError(t, builtin.RegisterAll(registry, builtinConfig()))

	notifier := agent.NewNotifier()
	grants, err := pipeline.NewGrantStore(t.TempDir(), time.Hour)
	require.NoError(t, err)
	broker := pipeline.NewApprovalBroker(worker, grants, nil, nil, func(req pipeline.ApprovalRequest) {
		notifier.Publish(agent.Notification{
			Type:     agent.NotificationApprovalRequest,
			ThreadID: req.ThreadID,
			Approval: &req.Payload,
		})
	})
	pipe := pipeline.New(worker, registry, broker, pipeline.Options{
		ProjectRoot: t.TempDir(),
		ToolTimeout: 10 * time.Second,
	})

	// The agent runs without its own compactor so the thread stays over
	// budget until the sweeper looks at it.
	manager := agent.NewManager(worker, router, pipe, registry, notifier, nil, agent.Config{
		Model:    testModel,
		MaxTurns: 3,
	})
	sweeper := scheduler.NewSweeper(worker, compactor, nil, manager.TurnLocks(), "@every 1h")

	threadID := worker.CreateThread()
	for i := 0; i < 30; i++ {
		_, err := worker.Append(threadID, event.TypeUserMessage, event.MessagePayload{
			Text: fmt.Sprintf("filler message %d with enough words to push the token estimate over the budget", i),
		})
		require.NoError(t, err)
	}

	notifications, cancel := notifier.Subscribe(16)
	defer cancel()

	turnDone := make(chan string, 1)
	go func() {
		reply, err := manager.HandleUserMessage(context.Background(), threadID, "write hello to out.txt")
		if err != nil {
			turnDone <- "turn failed: " + err.Error()
			return
		}
		turnDone <- reply
	}()

	var callID string
	deadline := time.After(5 * time.Second)
	for callID == "" {
		select {
		case n := <-notifications:
			if n.Type == agent.NotificationApprovalRequest {
				callID = n.Approval.ToolCallID
			}
		case <-deadline:
			t.Fatal("no approval request arrived")
		}
	}

	// The sweep fires while the turn is parked on the approval.
	sweeper.Sweep()
	physical, err := worker.Resolve(threadID)
	require.NoError(t, err)
	assert.Equal(t, threadID, physical, "a thread mid-turn keeps its physical id")

	// The user's decision still reaches the waiter and the turn completes.
	require.NoError(t, broker.SubmitDecision(threadID, callID, event.DecisionAllowOnce))
	select {
	case reply := <-turnDone:
		assert.Equal(t, "written", reply)
	case <-time.After(10 * time.Second):
		t.Fatal("turn did not finish after approval")
	}

	// Idle now: the same sweep compacts, and the reply survives the remap.
	sweeper.Sweep()
	physical, err = worker.Resolve(threadID)
	require.NoError(t, err)
	require.NotEqual(t, threadID, physical, "idle over-budget threads still compact")

	events, err := worker.ListEvents(physical)
	require.NoError(t, err)
	var texts []string
	for _, evt := range events {
		if evt.Type == event.TypeAgentMessage {
			payload, err := event.DecodePayload(evt)
			require.NoError(t, err)
			texts = append(texts, payload.(*event.MessagePayload).Text)
		}
	}
	assert.Contains(t, texts, "written")
}
