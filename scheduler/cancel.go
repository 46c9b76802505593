package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/tailored-agentic-units/workchain/observability"
	"github.com/tailored-agentic-units/workchain/store"
	"github.com/tailored-agentic-units/workchain/work"
)

// Cancel moves every non-terminal item filed under name to Cancelled in one
// commit and aborts any of them that are running. It returns the number of
// items cancelled; an already resolved name cancels nothing.
func (s *Scheduler) Cancel(ctx context.Context, name string) (int, error) {
	if name == "" {
		return 0, work.ErrEmptyName
	}

	return s.cancel(ctx, name, func(ctx context.Context) ([]work.Item, error) {
		return s.store.QueryByUniqueName(ctx, name)
	})
}

// CancelItem cancels one item and every item downstream of it. Upstream items
// are left alone.
func (s *Scheduler) CancelItem(ctx context.Context, id string) (int, error) {
	return s.cancel(ctx, id, func(ctx context.Context) ([]work.Item, error) {
		it, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if it.State.IsTerminal() {
			return nil, fmt.Errorf("%w: %s is already %s", work.ErrInvalidTransition, id, it.State)
		}
		downstream, err := s.downstream(ctx, it)
		if err != nil {
			return nil, err
		}
		return append([]work.Item{it}, downstream...), nil
	})
}

func (s *Scheduler) cancel(ctx context.Context, target string, collect func(context.Context) ([]work.Item, error)) (int, error) {
	for range maxConflictRetries {
		items, err := collect(ctx)
		if err != nil {
			return 0, err
		}

		var updates []store.Update
		var ids []string
		for _, it := range items {
			if it.State.IsTerminal() {
				continue
			}
			updates = append(updates, store.Update{
				ID:      it.ID,
				Version: it.Version,
				State:   work.StateCancelled,
				Reason:  "cancelled",
			})
			ids = append(ids, it.ID)
		}
		if len(updates) == 0 {
			return 0, nil
		}

		_, err = s.store.UpdateState(ctx, updates...)
		if errors.Is(err, work.ErrConflict) {
			s.emitConflict(ctx, "scheduler.Cancel", target)
			continue
		}
		if err != nil {
			return 0, err
		}

		s.abort(ids...)
		observability.Emit(ctx, s.observer, EventChainCancel, observability.LevelInfo, "scheduler.Cancel", map[string]any{
			"target":    target,
			"cancelled": len(ids),
		})
		return len(ids), nil
	}
	return 0, fmt.Errorf("%w: %s still contended after %d attempts", work.ErrConflict, target, maxConflictRetries)
}
