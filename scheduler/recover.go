package scheduler

import (
	"context"
	"errors"

	"github.com/tailored-agentic-units/workchain/observability"
	"github.com/tailored-agentic-units/workchain/store"
	"github.com/tailored-agentic-units/workchain/work"
)

// Recover re-enqueues items left Running by a process that died mid
// execution. RetryCount is unchanged; the interrupted attempt does not count.
// Start calls Recover before any worker runs.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	orphans, err := s.store.ListByState(ctx, work.StateRunning)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, it := range orphans {
		_, err := s.store.UpdateState(ctx, store.Update{
			ID:      it.ID,
			Version: it.Version,
			State:   work.StateEnqueued,
			Reason:  "recovered after interruption",
		})
		if errors.Is(err, work.ErrConflict) {
			s.emitConflict(ctx, "scheduler.Recover", it.ID)
			continue
		}
		if err != nil {
			return recovered, err
		}
		recovered++
	}

	if recovered > 0 {
		observability.Emit(ctx, s.observer, EventRecover, observability.LevelWarning, "scheduler.Recover", map[string]any{
			"recovered": recovered,
		})
	}
	return recovered, nil
}

// Prune removes fully terminal chains older than the retention window. Names
// with live subscribers are kept so observers never see items vanish.
func (s *Scheduler) Prune(ctx context.Context) int {
	before := s.now().Add(-s.cfg.Retention.Std())
	removed, err := s.store.Prune(ctx, before, func(name string) bool {
		return s.bus.Subscribers(name) > 0
	})
	if err != nil {
		if ctx.Err() == nil {
			s.emitStoreError(ctx, "scheduler.Prune", err)
		}
		return 0
	}

	if removed > 0 {
		observability.Emit(ctx, s.observer, EventStorePrune, observability.LevelVerbose, "scheduler.Prune", map[string]any{
			"removed": removed,
			"before":  before,
		})
	}
	return removed
}
