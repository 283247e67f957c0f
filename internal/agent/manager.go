package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/harunnryd/kiroku/internal/concurrency"
	kirokuErrors "github.com/harunnryd/kiroku/internal/errors"
	"github.com/harunnryd/kiroku/internal/model"
	"github.com/harunnryd/kiroku/internal/pipeline"
	"github.com/harunnryd/kiroku/internal/store"
	"github.com/harunnryd/kiroku/internal/tool"
)

// Manager hosts one agent per thread. Agents are created lazily and keyed by
// the thread's public id, so a remap after compaction never changes which
// agent a caller talks to.
type Manager struct {
	worker   *store.Worker
	router   model.ModelRouter
	pipe     *pipeline.Pipeline
	registry *tool.Registry
	notifier *Notifier
	compact  Compactor
	cfg      Config

	locks *concurrency.ThreadLockManager

	mu     sync.Mutex
	agents map[string]*Agent
}

func NewManager(worker *store.Worker, router model.ModelRouter, pipe *pipeline.Pipeline, registry *tool.Registry, notifier *Notifier, compact Compactor, cfg Config) *Manager {
	if notifier == nil {
		notifier = NewNotifier()
	}
	return &Manager{
		worker:   worker,
		router:   router,
		pipe:     pipe,
		registry: registry,
		notifier: notifier,
		compact:  compact,
		cfg:      cfg,
		locks:    concurrency.NewThreadLockManager(),
		agents:   make(map[string]*Agent),
	}
}

func (m *Manager) Notifier() *Notifier {
	return m.notifier
}

// TurnLocks exposes the per-thread turn locks so maintenance jobs can keep
// out of threads that are mid-turn.
func (m *Manager) TurnLocks() *concurrency.ThreadLockManager {
	return m.locks
}

// AgentFor returns the agent owning the thread, creating it on first use.
func (m *Manager) AgentFor(threadID string) *Agent {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.agents[threadID]; ok {
		return existing
	}
	created := New(threadID, m.worker, m.router, m.pipe, m.registry, m.notifier, m.compact, m.cfg)
	m.agents[threadID] = created
	return created
}

// HandleUserMessage routes the message to the thread's agent under the
// per-thread lock. A thread already mid-turn answers ErrBusy instead of
// queueing.
func (m *Manager) HandleUserMessage(ctx context.Context, threadID, text string) (string, error) {
	if !m.locks.TryLock(threadID) {
		return "", fmt.Errorf("thread %s: %w", threadID, kirokuErrors.ErrBusy)
	}
	defer m.locks.Unlock(threadID)

	return m.AgentFor(threadID).HandleUserMessage(ctx, text)
}

// Abort cancels the running turn on the thread, if any.
func (m *Manager) Abort(threadID string) {
	m.mu.Lock()
	existing := m.agents[threadID]
	m.mu.Unlock()
	if existing != nil {
		existing.Abort()
	}
}
