package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tailored-agentic-units/workchain/observability"
	"github.com/tailored-agentic-units/workchain/store"
	"github.com/tailored-agentic-units/workchain/work"
)

// Chain is the result of a successful EnqueueChain.
type Chain struct {
	ID         string
	UniqueName string
	Items      []work.Item

	// Replaced lists the ids cancelled by REPLACE.
	Replaced []string

	// AppendedTo is the id of the live item the chain was linked after.
	AppendedTo string
}

// IDs returns the item ids in chain order.
func (c Chain) IDs() []string {
	ids := make([]string, len(c.Items))
	for i, it := range c.Items {
		ids[i] = it.ID
	}
	return ids
}

// EnqueueChain files a linear chain of requests under name, arbitrated
// against any unresolved chain already there:
//
//	keep     returns work.ErrChainActive and changes nothing
//	replace  cancels the unresolved items and inserts the new chain
//	append   links the new head after the last live item
//
// All inserts and updates land in a single commit.
func (s *Scheduler) EnqueueChain(ctx context.Context, name string, policy work.Policy, reqs ...work.Request) (Chain, error) {
	if name == "" {
		return Chain{}, work.ErrEmptyName
	}
	if len(reqs) == 0 {
		return Chain{}, work.ErrEmptyChain
	}
	for i, req := range reqs {
		if req.Kind == "" {
			return Chain{}, fmt.Errorf("%w: request %d has no kind", work.ErrUnknownKind, i)
		}
	}
	switch policy {
	case work.PolicyKeep, work.PolicyReplace, work.PolicyAppend:
	default:
		return Chain{}, fmt.Errorf("%w: %q", work.ErrUnknownPolicy, policy)
	}

	for range maxConflictRetries {
		chain, err := s.enqueue(ctx, name, policy, reqs)
		if errors.Is(err, work.ErrConflict) {
			s.emitConflict(ctx, "scheduler.EnqueueChain", name)
			continue
		}
		if err != nil {
			return Chain{}, err
		}

		s.abort(chain.Replaced...)
		s.Notify()
		return chain, nil
	}
	return Chain{}, fmt.Errorf("%w: %s still contended after %d attempts", work.ErrConflict, name, maxConflictRetries)
}

func (s *Scheduler) enqueue(ctx context.Context, name string, policy work.Policy, reqs []work.Request) (Chain, error) {
	existing, err := s.store.QueryByUniqueName(ctx, name)
	if err != nil {
		return Chain{}, err
	}

	chainID := uuid.NewString()
	chain := Chain{
		ID:         chainID,
		UniqueName: name,
		Items:      buildChain(name, chainID, reqs),
	}

	var updates []store.Update
	unresolved := work.Unresolved(existing)

	switch {
	case !unresolved:
	case policy == work.PolicyKeep:
		observability.Emit(ctx, s.observer, EventChainKeep, observability.LevelInfo, "scheduler.EnqueueChain", map[string]any{
			"unique_name": name,
		})
		return Chain{}, fmt.Errorf("%w: %s", work.ErrChainActive, name)

	case policy == work.PolicyReplace:
		for _, it := range existing {
			if it.State.IsTerminal() {
				continue
			}
			updates = append(updates, store.Update{
				ID:      it.ID,
				Version: it.Version,
				State:   work.StateCancelled,
				Reason:  "replaced by chain " + chain.ID,
			})
			chain.Replaced = append(chain.Replaced, it.ID)
		}

	case policy == work.PolicyAppend:
		tail := liveTail(existing)
		head := &chain.Items[0]
		head.State = work.StateBlocked
		head.Prev = tail.ID
		updates = append(updates, store.Update{
			ID:      tail.ID,
			Version: tail.Version,
			Next:    head.ID,
		})
		chain.AppendedTo = tail.ID
	}

	committed, err := s.store.Commit(ctx, store.Batch{Insert: chain.Items, Updates: updates})
	if err != nil {
		return Chain{}, err
	}
	chain.Items = committed[len(updates):]

	if len(chain.Replaced) > 0 {
		observability.Emit(ctx, s.observer, EventChainReplace, observability.LevelInfo, "scheduler.EnqueueChain", map[string]any{
			"unique_name": name,
			"cancelled":   len(chain.Replaced),
		})
	}
	data := map[string]any{
		"unique_name": name,
		"chain_id":    chain.ID,
		"policy":      string(policy),
		"items":       len(chain.Items),
	}
	if chain.AppendedTo != "" {
		data["appended_to"] = chain.AppendedTo
	}
	observability.Emit(ctx, s.observer, EventChainEnqueue, observability.LevelInfo, "scheduler.EnqueueChain", data)

	return chain, nil
}

// liveTail returns the last non-terminal item of items, which are in chain
// order. A cancelled tail does not resolve the name while earlier work is
// still live, so the append waits on that work instead.
func liveTail(items []work.Item) work.Item {
	for i := len(items) - 1; i >= 0; i-- {
		if !items[i].State.IsTerminal() {
			return items[i]
		}
	}
	return items[len(items)-1]
}

// buildChain links reqs into items: the head Enqueued, the rest Blocked.
func buildChain(name, chainID string, reqs []work.Request) []work.Item {
	items := make([]work.Item, len(reqs))
	for i, req := range reqs {
		items[i] = work.NewItem(name, chainID, req)
		if i > 0 {
			items[i].State = work.StateBlocked
			items[i].Prev = items[i-1].ID
			items[i-1].Next = items[i].ID
		}
	}
	return items
}
