package store

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/tailored-agentic-units/workchain/work"
)

// memoryStore keeps items in a map guarded by a RWMutex. When persist is set
// every commit is written through before it becomes visible.
type memoryStore struct {
	mu       sync.RWMutex
	items    map[string]work.Item
	seq      int64
	notifier Notifier
	persist  func(seq int64, items map[string]work.Item) error
	now      func() time.Time
}

// NewMemoryStore creates a Store that lives only as long as the process.
func NewMemoryStore(opts ...Option) Store {
	return newMemoryStore(opts...)
}

func newMemoryStore(opts ...Option) *memoryStore {
	s := &memoryStore{
		items: make(map[string]work.Item),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *memoryStore) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

func (s *memoryStore) Put(ctx context.Context, items ...work.Item) error {
	_, err := s.Commit(ctx, Batch{Insert: items})
	return err
}

func (s *memoryStore) Get(ctx context.Context, id string) (work.Item, error) {
	if err := ctx.Err(); err != nil {
		return work.Item{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	it, ok := s.items[id]
	if !ok {
		return work.Item{}, fmt.Errorf("%w: %s", work.ErrNotFound, id)
	}
	return it.Clone(), nil
}

func (s *memoryStore) UpdateState(ctx context.Context, updates ...Update) ([]work.Item, error) {
	return s.Commit(ctx, Batch{Updates: updates})
}

func (s *memoryStore) Commit(ctx context.Context, batch Batch) ([]work.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	seq := s.seq
	staged := make(map[string]work.Item, len(batch.Insert)+len(batch.Updates))
	inserted := make([]string, 0, len(batch.Insert))

	for _, it := range batch.Insert {
		if it.ID == "" {
			return nil, fmt.Errorf("%w: item has no id", work.ErrInvalidTransition)
		}
		if _, exists := s.items[it.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate id %s", work.ErrConflict, it.ID)
		}
		if _, exists := staged[it.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate id %s", work.ErrConflict, it.ID)
		}
		if it.State != work.StateBlocked && it.State != work.StateEnqueued {
			return nil, fmt.Errorf("%w: %s cannot be created %s", work.ErrInvalidTransition, it.ID, it.State)
		}

		seq++
		it = it.Clone()
		it.Seq = seq
		it.Version = 1
		if it.CreatedAt.IsZero() {
			it.CreatedAt = now
		}
		it.UpdatedAt = now
		staged[it.ID] = it
		inserted = append(inserted, it.ID)
	}

	changes := make([]work.Change, 0, len(batch.Updates))
	updated := make([]string, 0, len(batch.Updates))

	for _, u := range batch.Updates {
		cur, ok := staged[u.ID]
		if !ok {
			cur, ok = s.items[u.ID]
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", work.ErrNotFound, u.ID)
		}
		if u.Version != cur.Version {
			return nil, fmt.Errorf("%w: %s at version %d, update built on %d", work.ErrConflict, u.ID, cur.Version, u.Version)
		}

		next, change, err := apply(cur, u, now)
		if err != nil {
			return nil, err
		}
		staged[u.ID] = next
		updated = append(updated, u.ID)
		if change != nil {
			changes = append(changes, *change)
		}
	}

	if s.persist != nil {
		snapshot := maps.Clone(s.items)
		maps.Copy(snapshot, staged)
		if err := s.persist(seq, snapshot); err != nil {
			return nil, err
		}
	}

	maps.Copy(s.items, staged)
	s.seq = seq

	if s.notifier != nil {
		for _, c := range changes {
			s.notifier.Publish(c)
		}
	}

	out := make([]work.Item, 0, len(updated)+len(inserted))
	for _, id := range updated {
		out = append(out, s.items[id].Clone())
	}
	for _, id := range inserted {
		out = append(out, s.items[id].Clone())
	}
	return out, nil
}

func apply(cur work.Item, u Update, now time.Time) (work.Item, *work.Change, error) {
	if cur.State.IsTerminal() {
		return work.Item{}, nil, fmt.Errorf("%w: %s is %s", work.ErrInvalidTransition, cur.ID, cur.State)
	}

	next := cur.Clone()
	if u.State != "" && u.State != cur.State {
		if !work.CanTransition(cur.State, u.State) {
			return work.Item{}, nil, fmt.Errorf("%w: %s %s -> %s", work.ErrInvalidTransition, cur.ID, cur.State, u.State)
		}
		next.State = u.State
	}

	if u.Input != nil {
		if cur.State != work.StateBlocked {
			return work.Item{}, nil, fmt.Errorf("%w: %s input is fixed once %s", work.ErrInvalidTransition, cur.ID, cur.State)
		}
		next.Input = next.Input.Merge(u.Input)
	}
	if u.Output != nil {
		next.Output = u.Output.Clone()
	}
	if next.State == work.StateSucceeded && len(next.Output) == 0 {
		return work.Item{}, nil, fmt.Errorf("%w: %s succeeded without output", work.ErrInvalidTransition, cur.ID)
	}
	if u.Next != "" {
		next.Next = u.Next
	}
	if u.Reason != "" {
		next.Reason = u.Reason
	} else if next.State == work.StateSucceeded {
		next.Reason = ""
	}
	if !u.NotBefore.IsZero() {
		next.NotBefore = u.NotBefore
	}
	next.RetryCount += u.RetryDelta
	next.Version++
	next.UpdatedAt = now

	if next.State == cur.State {
		return next, nil, nil
	}
	return next, &work.Change{
		Info:        next.Info(),
		From:        cur.State,
		To:          next.State,
		OutputDelta: cur.Output.Delta(next.Output),
	}, nil
}

func (s *memoryStore) QueryByUniqueName(ctx context.Context, name string) ([]work.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.byName(name), nil
}

func (s *memoryStore) byName(name string) []work.Item {
	var out []work.Item
	for _, it := range s.items {
		if it.UniqueName == name {
			out = append(out, it.Clone())
		}
	}
	sortBySeq(out)
	return out
}

func (s *memoryStore) ListByState(ctx context.Context, states ...work.State) ([]work.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []work.Item
	for _, it := range s.items {
		if slices.Contains(states, it.State) {
			out = append(out, it.Clone())
		}
	}
	sortBySeq(out)
	return out, nil
}

func (s *memoryStore) View(ctx context.Context, name string, fn func(items []work.Item)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	fn(s.byName(name))
	return nil
}

func (s *memoryStore) Prune(ctx context.Context, before time.Time, keep func(uniqueName string) bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	type chainSummary struct {
		name     string
		ids      []string
		resolved bool
		last     time.Time
	}
	chains := make(map[string]*chainSummary)
	for _, it := range s.items {
		c, ok := chains[it.ChainID]
		if !ok {
			c = &chainSummary{name: it.UniqueName, resolved: true}
			chains[it.ChainID] = c
		}
		c.ids = append(c.ids, it.ID)
		if !it.State.IsTerminal() {
			c.resolved = false
		}
		if it.UpdatedAt.After(c.last) {
			c.last = it.UpdatedAt
		}
	}

	var doomed []string
	for _, c := range chains {
		if !c.resolved || !c.last.Before(before) {
			continue
		}
		if keep != nil && keep(c.name) {
			continue
		}
		doomed = append(doomed, c.ids...)
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	remaining := maps.Clone(s.items)
	for _, id := range doomed {
		delete(remaining, id)
	}
	if s.persist != nil {
		if err := s.persist(s.seq, remaining); err != nil {
			return 0, err
		}
	}
	s.items = remaining
	return len(doomed), nil
}

func (s *memoryStore) Close() error {
	return nil
}

func sortBySeq(items []work.Item) {
	slices.SortFunc(items, func(a, b work.Item) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
}
