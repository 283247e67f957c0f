package integration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/kiroku/internal/event"
	"github.com/harunnryd/kiroku/internal/thread"
)

// A process that dies mid-turn leaves tool calls without results. After
// restart the thread loads, the pending work is visible, and the turn can
// continue.
func TestCrashMidToolExecutionIsRecoverable(t *testing.T) {
	e := setup(t, nil)
	threadID := e.worker.CreateThread()

	_, err := e.worker.Append(threadID, event.TypeUserMessage, event.MessagePayload{Text: "delete the temp dir"})
	require.NoError(t, err)
	_, err = e.worker.Append(threadID, event.TypeToolCall, event.ToolCallPayload{
		Call: event.ToolCall{ID: "t1", Name: "exec_command", Arguments: []byte(`{"command":"rm -r tmp"}`)},
	})
	require.NoError(t, err)
	// Crash here: no tool_result ever recorded.

	worker := e.reopen(t)

	events, err := worker.ListEvents(threadID)
	require.NoError(t, err)
	conv, err := thread.Reconstruct(events)
	require.NoError(t, err)

	require.Len(t, conv.Pending, 1)
	assert.Equal(t, "t1", conv.Pending[0].ID)

	// The recovered process can resolve the orphan with a cancelled result
	// and move on.
	_, err = worker.Append(threadID, event.TypeToolResult, event.ToolResultPayload{
		Result: event.ErrorResult("t1", "interrupted by restart"),
	})
	require.NoError(t, err)

	events, err = worker.ListEvents(threadID)
	require.NoError(t, err)
	conv, err = thread.Reconstruct(events)
	require.NoError(t, err)
	assert.Empty(t, conv.Pending)
}

// An approval that was pending when the process died can still be decided
// after restart; the decision lands in the log even with no waiter alive.
func TestCrashWithPendingApprovalIsDecidable(t *testing.T) {
	e := setup(t, nil)
	threadID := e.worker.CreateThread()

	_, err := e.worker.Append(threadID, event.TypeToolCall, event.ToolCallPayload{
		Call: event.ToolCall{ID: "t1", Name: "write_file"},
	})
	require.NoError(t, err)
	_, err = e.worker.Append(threadID, event.TypeApprovalRequest, event.ApprovalRequestPayload{
		ToolCallID: "t1", ToolName: "write_file", Risk: "destructive",
	})
	require.NoError(t, err)

	e.reopen(t)

	// Rebuild the broker against the reopened store, as startup would.
	pending, err := e.broker.Pending(threadID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "t1", pending[0].ToolCallID)

	require.NoError(t, e.broker.SubmitDecision(threadID, "t1", event.DecisionDeny))

	pending, err = e.broker.Pending(threadID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// The most recently updated thread is the resume target across restarts.
func TestResumeMostRecentThreadAfterRestart(t *testing.T) {
	e := setup(t, nil)

	first := e.worker.CreateThread()
	_, err := e.worker.Append(first, event.TypeUserMessage, event.MessagePayload{Text: "one"})
	require.NoError(t, err)

	second := e.worker.CreateThread()
	_, err = e.worker.Append(second, event.TypeUserMessage, event.MessagePayload{Text: "two"})
	require.NoError(t, err)

	worker := e.reopen(t)
	assert.Equal(t, second, worker.LatestThreadID())
}
