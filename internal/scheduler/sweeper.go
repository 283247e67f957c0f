package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/harunnryd/kiroku/internal/store"
)

// Compactor is the slice of the compaction manager the sweeper needs.
type Compactor interface {
	MaybeCompact(ctx context.Context, threadID string) error
}

// GrantPruner drops expired session grants.
type GrantPruner interface {
	Prune() (int, error)
}

// TurnGuard is the per-thread turn lock shared with the agent manager. The
// sweeper claims it before compacting so a remap never lands under a turn
// that is still appending to the old physical thread (or waiting on an
// approval keyed to it).
type TurnGuard interface {
	TryLock(threadID string) bool
	Unlock(threadID string)
}

// Sweeper runs periodic maintenance: compaction checks over every live
// thread and pruning of expired session grants. It rides a cron schedule so
// long-idle processes still converge without user traffic.
type Sweeper struct {
	worker   *store.Worker
	compact  Compactor
	grants   GrantPruner
	guard    TurnGuard
	schedule string

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
	running bool

	// SweepTimeout bounds one full sweep.
	SweepTimeout time.Duration
}

func NewSweeper(worker *store.Worker, compact Compactor, grants GrantPruner, guard TurnGuard, schedule string) *Sweeper {
	if schedule == "" {
		schedule = "@every 10m"
	}
	return &Sweeper{
		worker:       worker,
		compact:      compact,
		grants:       grants,
		guard:        guard,
		schedule:     schedule,
		SweepTimeout: 5 * time.Minute,
	}
}

func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := cron.New()
	entryID, err := c.AddFunc(s.schedule, s.sweep)
	if err != nil {
		return fmt.Errorf("scheduler: bad sweep schedule %q: %w", s.schedule, err)
	}
	c.Start()

	s.cron = c
	s.entryID = entryID
	s.running = true
	slog.Info("Maintenance sweeper started", "schedule", s.schedule)
	return nil
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
	slog.Info("Maintenance sweeper stopped")
}

func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Sweep runs one maintenance pass immediately, outside the cron schedule.
func (s *Sweeper) Sweep() {
	s.sweep()
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.SweepTimeout)
	defer cancel()

	if s.grants != nil {
		removed, err := s.grants.Prune()
		if err != nil {
			slog.Warn("Grant pruning failed", "error", err)
		} else if removed > 0 {
			slog.Info("Pruned expired session grants", "removed", removed)
		}
	}

	if s.compact == nil {
		return
	}
	for _, meta := range s.worker.ListThreads() {
		if meta.Superseded {
			continue
		}
		publicID := s.worker.PublicID(meta.ID)
		if err := s.compactIdle(ctx, publicID); err != nil {
			slog.Warn("Compaction sweep failed for thread", "thread_id", publicID, "error", err)
		}
		if ctx.Err() != nil {
			slog.Warn("Maintenance sweep timed out", "timeout", s.SweepTimeout)
			return
		}
	}
}

// compactIdle compacts one thread under its turn lock. A thread mid-turn is
// skipped: the agent re-resolves the public id only at turn start, so a remap
// here would strand the rest of the turn on the superseded thread.
func (s *Sweeper) compactIdle(ctx context.Context, publicID string) error {
	if s.guard != nil {
		if !s.guard.TryLock(publicID) {
			slog.Debug("Skipping compaction for busy thread", "thread_id", publicID)
			return nil
		}
		defer s.guard.Unlock(publicID)
	}
	return s.compact.MaybeCompact(ctx, publicID)
}
