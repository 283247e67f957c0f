package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harunnryd/kiroku/internal/agent"
	"github.com/harunnryd/kiroku/internal/config"
	"github.com/harunnryd/kiroku/internal/event"
	"github.com/harunnryd/kiroku/internal/model"
	"github.com/harunnryd/kiroku/internal/model/modeltest"
	"github.com/harunnryd/kiroku/internal/pipeline"
	"github.com/harunnryd/kiroku/internal/store"
	"github.com/harunnryd/kiroku/internal/tool"
	"github.com/harunnryd/kiroku/internal/tool/builtin"
)

const testModel = "scripted-model"

// env is a full runtime wired against a scripted provider: real store on
// disk, real pipeline, real builtin tools, no network.
type env struct {
	root      string
	worker    *store.Worker
	provider  *modeltest.ScriptedProvider
	notifier  *agent.Notifier
	broker    *pipeline.ApprovalBroker
	grants    *pipeline.GrantStore
	autoAllow []string
	manager   *agent.Manager
	project   string
}

func setup(t *testing.T, autoAllow []string, responses ...modeltest.Response) *env {
	t.Helper()

	e := &env{
		root:     t.TempDir(),
		project:  t.TempDir(),
		provider: modeltest.NewScriptedProvider(responses...),
		notifier: agent.NewNotifier(),
	}

	worker, err := store.NewWorker("integration", e.root, store.RuntimeConfig{})
	require.NoError(t, err)
	worker.Start()
	t.Cleanup(worker.Stop)
	e.worker = worker

	registry := tool.NewRegistry()
	require.NoError(t, builtin.RegisterAll(registry, builtinConfig()))

	grants, err := pipeline.NewGrantStore(t.TempDir(), time.Hour)
	require.NoError(t, err)
	e.grants = grants
	e.autoAllow = autoAllow
	e.broker = pipeline.NewApprovalBroker(worker, grants, autoAllow, nil, func(req pipeline.ApprovalRequest) {
		e.notifier.Publish(agent.Notification{
			Type:     agent.NotificationApprovalRequest,
			ThreadID: req.ThreadID,
			Approval: &req.Payload,
		})
	})

	pipe := pipeline.New(worker, registry, e.broker, pipeline.Options{
		ProjectRoot:  e.project,
		ToolTimeout:  10 * time.Second,
		AbandonGrace: time.Second,
		MaxParallel:  4,
	})

	router := model.NewStaticRouter(testModel, map[string]model.Provider{testModel: e.provider})
	e.manager = agent.NewManager(worker, router, pipe, registry, e.notifier, nil, agent.Config{
		Model:    testModel,
		MaxTurns: 5,
	})
	return e
}

// reopen restarts the store on the same workspace, as after a crash, and
// rebuilds the approval broker against it the way startup would.
func (e *env) reopen(t *testing.T) *store.Worker {
	t.Helper()
	e.worker.Stop()

	worker, err := store.NewWorker("integration", e.root, store.RuntimeConfig{})
	require.NoError(t, err)
	worker.Start()
	t.Cleanup(worker.Stop)
	e.worker = worker
	e.broker = pipeline.NewApprovalBroker(worker, e.grants, e.autoAllow, nil, nil)
	return worker
}

// approveAll answers every approval request with the given decision.
func (e *env) approveAll(decision event.Decision) func() {
	notifications, cancel := e.notifier.Subscribe(64)
	go func() {
		for n := range notifications {
			if n.Type != agent.NotificationApprovalRequest {
				continue
			}
			go func(threadID, callID string) {
				_ = e.broker.SubmitDecision(threadID, callID, decision)
			}(n.ThreadID, n.Approval.ToolCallID)
		}
	}()
	return cancel
}

func builtinConfig() config.ToolsConfig {
	return config.ToolsConfig{
		Exec:  config.ExecToolConfig{Timeout: "10s", MaxOutputSize: 64 * 1024},
		Fetch: config.FetchToolConfig{Timeout: "5s", MaxContentLength: 64 * 1024},
	}
}

func (e *env) run(t *testing.T, threadID, text string) string {
	t.Helper()
	reply, err := e.manager.HandleUserMessage(context.Background(), threadID, text)
	require.NoError(t, err)
	return reply
}
