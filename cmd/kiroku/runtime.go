package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/harunnryd/kiroku/internal/agent"
	"github.com/harunnryd/kiroku/internal/compaction"
	"github.com/harunnryd/kiroku/internal/config"
	"github.com/harunnryd/kiroku/internal/model"
	"github.com/harunnryd/kiroku/internal/pipeline"
	"github.com/harunnryd/kiroku/internal/scheduler"
	"github.com/harunnryd/kiroku/internal/store"
	"github.com/harunnryd/kiroku/internal/tool"
	"github.com/harunnryd/kiroku/internal/tool/builtin"
)

// runtimeComponents wires the full stack: store, providers, tools, pipeline,
// agents, and the maintenance sweeper.
type runtimeComponents struct {
	cfg      *config.Config
	worker   *store.Worker
	router   model.ModelRouter
	registry *tool.Registry
	notifier *agent.Notifier
	broker   *pipeline.ApprovalBroker
	pipe     *pipeline.Pipeline
	manager  *agent.Manager
	sweeper  *scheduler.Sweeper
}

func buildRuntime(cfg *config.Config) (*runtimeComponents, error) {
	lockTimeout, err := config.DurationOrDefault(cfg.Store.LockTimeout, config.DefaultStoreLockTimeout)
	if err != nil {
		return nil, fmt.Errorf("store.lock_timeout: %w", err)
	}
	lockRetry, err := config.DurationOrDefault(cfg.Store.LockRetry, config.DefaultStoreLockRetry)
	if err != nil {
		return nil, fmt.Errorf("store.lock_retry: %w", err)
	}

	worker, err := store.NewWorker(cfg.Workspace.ID, cfg.Workspace.RootPath, store.RuntimeConfig{
		LockTimeout:  lockTimeout,
		LockRetry:    lockRetry,
		LockMaxRetry: cfg.Store.LockMaxRetry,
		InboxSize:    cfg.Store.InboxSize,
	})
	if err != nil {
		return nil, err
	}
	worker.Start()

	router, err := model.NewModelRouter(cfg.Models)
	if err != nil {
		worker.Stop()
		return nil, err
	}

	registry := tool.NewRegistry()
	if err := builtin.RegisterAll(registry, cfg.Tools); err != nil {
		worker.Stop()
		return nil, err
	}

	grantTTL, err := config.DurationOrDefault(cfg.Governance.SessionGrantTTL, config.DefaultGovernanceSessionTTL)
	if err != nil {
		worker.Stop()
		return nil, fmt.Errorf("governance.session_grant_ttl: %w", err)
	}
	governanceDir, err := store.GetGovernanceDir(cfg.Workspace.ID, cfg.Workspace.RootPath)
	if err != nil {
		slog.Warn("Governance dir unresolvable, session grants will not persist", "error", err)
		governanceDir = ""
	}
	grants, err := pipeline.NewGrantStore(governanceDir, grantTTL)
	if err != nil {
		worker.Stop()
		return nil, err
	}

	notifier := agent.NewNotifier()
	broker := pipeline.NewApprovalBroker(worker, grants, cfg.Governance.AutoAllow, cfg.Governance.AlwaysDeny, func(req pipeline.ApprovalRequest) {
		notifier.Publish(agent.Notification{
			Type:     agent.NotificationApprovalRequest,
			ThreadID: req.ThreadID,
			Approval: &req.Payload,
		})
	})

	toolTimeout, err := config.DurationOrDefault(cfg.Pipeline.ToolTimeout, config.DefaultPipelineToolTimeout)
	if err != nil {
		worker.Stop()
		return nil, fmt.Errorf("pipeline.tool_timeout: %w", err)
	}
	abandonGrace, err := config.DurationOrDefault(cfg.Pipeline.AbandonGrace, config.DefaultPipelineAbandonGrace)
	if err != nil {
		worker.Stop()
		return nil, fmt.Errorf("pipeline.abandon_grace: %w", err)
	}
	pipe := pipeline.New(worker, registry, broker, pipeline.Options{
		ProjectRoot:  cfg.Workspace.ProjectPath,
		Env:          os.Environ(),
		ToolTimeout:  toolTimeout,
		AbandonGrace: abandonGrace,
		MaxParallel:  cfg.Pipeline.MaxParallelTools,
	})

	var compactor *compaction.Manager
	if cfg.Compaction.Enabled {
		compactor, err = compaction.NewManager(worker, router, compaction.Options{
			Threshold:     cfg.Compaction.Threshold,
			ContextWindow: cfg.Models.ContextWindow,
			PreserveTail:  cfg.Compaction.PreserveTail,
			SummaryPrompt: cfg.Compaction.SummaryPrompt,
			Model:         cfg.Models.Default,
		})
		if err != nil {
			worker.Stop()
			return nil, err
		}
	}

	var agentCompactor agent.Compactor
	if compactor != nil {
		agentCompactor = compactor
	}
	manager := agent.NewManager(worker, router, pipe, registry, notifier, agentCompactor, agent.Config{
		Model:        cfg.Models.Default,
		MaxTurns:     cfg.Agent.MaxTurns,
		SystemPrompt: cfg.Agent.SystemPrompt,
	})

	var sweeper *scheduler.Sweeper
	if cfg.Scheduler.Enabled {
		var sweepCompactor scheduler.Compactor
		if compactor != nil {
			sweepCompactor = compactor
		}
		sweeper = scheduler.NewSweeper(worker, sweepCompactor, grants, manager.TurnLocks(), cfg.Scheduler.SweepSchedule)
		if err := sweeper.Start(); err != nil {
			worker.Stop()
			return nil, err
		}
	}

	if worker.MemoryOnly() {
		slog.Warn("Store is memory-only; this session will not be persisted")
	}

	return &runtimeComponents{
		cfg:      cfg,
		worker:   worker,
		router:   router,
		registry: registry,
		notifier: notifier,
		broker:   broker,
		pipe:     pipe,
		manager:  manager,
		sweeper:  sweeper,
	}, nil
}

func (r *runtimeComponents) Close() {
	if r.sweeper != nil {
		r.sweeper.Stop()
	}
	r.worker.Stop()
}
