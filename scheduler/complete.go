package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/tailored-agentic-units/workchain/engine"
	"github.com/tailored-agentic-units/workchain/observability"
	"github.com/tailored-agentic-units/workchain/store"
	"github.com/tailored-agentic-units/workchain/work"
)

// complete commits an Outcome for a Running item. The item is re-read on
// every attempt; if it left Running meanwhile the outcome is discarded.
func (s *Scheduler) complete(ctx context.Context, it work.Item, out engine.Outcome) {
	for range maxConflictRetries {
		cur, err := s.store.Get(ctx, it.ID)
		if err != nil {
			s.discard(ctx, it, err.Error())
			return
		}
		if cur.State != work.StateRunning {
			s.discard(ctx, cur, "item is "+string(cur.State))
			return
		}

		updates, typ, level, err := s.resolve(ctx, cur, out)
		if err != nil {
			s.emitStoreError(ctx, "scheduler.complete", err)
			return
		}

		committed, err := s.store.UpdateState(ctx, updates...)
		if errors.Is(err, work.ErrConflict) {
			s.emitConflict(ctx, "scheduler.complete", it.ID)
			continue
		}
		if err != nil {
			s.emitStoreError(ctx, "scheduler.complete", err)
			return
		}

		done := committed[0]
		data := map[string]any{
			"id":          done.ID,
			"unique_name": done.UniqueName,
			"kind":        string(done.Kind),
			"state":       string(done.State),
			"retry_count": done.RetryCount,
		}
		if done.Reason != "" && done.State != work.StateSucceeded {
			data["reason"] = done.Reason
		}
		if done.State == work.StateEnqueued {
			data["not_before"] = done.NotBefore
		}
		if len(committed) > 1 {
			data["downstream"] = len(committed) - 1
		}
		observability.Emit(ctx, s.observer, typ, level, "scheduler.complete", data)
		return
	}

	s.emitStoreError(ctx, "scheduler.complete", fmt.Errorf("%w: %s outcome dropped after %d attempts", work.ErrConflict, it.ID, maxConflictRetries))
}

// resolve turns an Outcome into the updates that commit it.
func (s *Scheduler) resolve(ctx context.Context, cur work.Item, out engine.Outcome) ([]store.Update, observability.EventType, observability.Level, error) {
	if out.Kind == engine.Retry && s.cfg.MaxRetries > 0 && cur.RetryCount >= s.cfg.MaxRetries {
		out = engine.Outcome{
			Kind:   engine.Failure,
			Output: work.Data{work.KeyErrorMsg: "retries exhausted: " + out.Reason},
			Reason: fmt.Sprintf("retries exhausted after %d attempts: %s", cur.RetryCount+1, out.Reason),
			Err:    out.Err,
		}
	}

	switch out.Kind {
	case engine.Success:
		updates := []store.Update{{
			ID:      cur.ID,
			Version: cur.Version,
			State:   work.StateSucceeded,
			Output:  out.Output,
		}}
		if cur.Next != "" {
			next, err := s.store.Get(ctx, cur.Next)
			if err != nil && !errors.Is(err, work.ErrNotFound) {
				return nil, "", 0, err
			}
			if err == nil && next.State == work.StateBlocked {
				updates = append(updates, store.Update{
					ID:      next.ID,
					Version: next.Version,
					State:   work.StateEnqueued,
					Input:   out.Output,
				})
			}
		}
		return updates, EventWorkSucceed, observability.LevelInfo, nil

	case engine.Retry:
		retry := cur.RetryCount + 1
		return []store.Update{{
			ID:         cur.ID,
			Version:    cur.Version,
			State:      work.StateEnqueued,
			RetryDelta: 1,
			NotBefore:  s.now().Add(s.cfg.Backoff.Delay(retry)),
			Reason:     out.Reason,
		}}, EventWorkRetry, observability.LevelWarning, nil

	default:
		reason := out.Reason
		if reason == "" {
			reason = "unknown failure"
		}
		output := out.Output
		if len(output) == 0 {
			output = work.Data{work.KeyErrorMsg: reason}
		}
		updates := []store.Update{{
			ID:      cur.ID,
			Version: cur.Version,
			State:   work.StateFailed,
			Output:  output,
			Reason:  reason,
		}}

		downstream, err := s.downstream(ctx, cur)
		if err != nil {
			return nil, "", 0, err
		}
		for _, d := range downstream {
			if d.State != work.StateBlocked {
				continue
			}
			updates = append(updates, store.Update{
				ID:      d.ID,
				Version: d.Version,
				State:   work.StateFailed,
				Reason:  "upstream " + cur.ID + " failed",
			})
		}
		return updates, EventWorkFail, observability.LevelError, nil
	}
}

// downstream follows Next links from it.
func (s *Scheduler) downstream(ctx context.Context, it work.Item) ([]work.Item, error) {
	var items []work.Item
	seen := map[string]bool{it.ID: true}

	for id := it.Next; id != "" && !seen[id]; {
		seen[id] = true
		next, err := s.store.Get(ctx, id)
		if errors.Is(err, work.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		items = append(items, next)
		id = next.Next
	}
	return items, nil
}

func (s *Scheduler) discard(ctx context.Context, it work.Item, reason string) {
	observability.Emit(ctx, s.observer, EventWorkDiscard, observability.LevelVerbose, "scheduler.complete", map[string]any{
		"id":          it.ID,
		"unique_name": it.UniqueName,
		"reason":      reason,
	})
}
