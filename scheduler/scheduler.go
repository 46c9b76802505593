// Package scheduler owns chain arbitration and the dispatch loop.
//
// A Scheduler is an explicit instance wired to a store, a status bus, a
// constraint evaluator, and an execution engine. It is the only component
// that decides transitions: it claims eligible items, hands them to a bounded
// worker pool, and commits each Outcome back to the store. Success of an item
// and the unblocking of its successor are committed together, so a successor
// is never Enqueued before its predecessor is Succeeded.
//
//	s := scheduler.New(scheduler.DefaultConfig(), st, b, ev, eng)
//	if err := s.Start(ctx); err != nil { ... }
//	defer s.Shutdown(10 * time.Second)
//
//	chain, err := s.EnqueueChain(ctx, "download", work.PolicyKeep, fetch, filter)
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tailored-agentic-units/workchain/bus"
	"github.com/tailored-agentic-units/workchain/constraint"
	"github.com/tailored-agentic-units/workchain/engine"
	"github.com/tailored-agentic-units/workchain/observability"
	"github.com/tailored-agentic-units/workchain/store"
	"github.com/tailored-agentic-units/workchain/work"
)

// maxConflictRetries bounds re-read/re-apply rounds after work.ErrConflict.
const maxConflictRetries = 8

var (
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrNotStarted     = errors.New("scheduler not started")
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithObserver sets the event observer.
func WithObserver(o observability.Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithClock overrides the time source used for backoff and retention.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler arbitrates unique work and drives items through their states.
type Scheduler struct {
	cfg       Config
	store     store.Store
	bus       *bus.Bus
	evaluator *constraint.Evaluator
	engine    *engine.Engine
	observer  observability.Observer
	now       func() time.Time

	wake  chan struct{}
	slots chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc

	runMu      sync.Mutex
	running    bool
	cancelLoop context.CancelFunc
	loopDone   chan struct{}
	jobs       chan work.Item
	workers    sync.WaitGroup
	cancelWork context.CancelFunc
}

// New creates a Scheduler. The bus is attached to st as its notifier.
func New(cfg Config, st store.Store, b *bus.Bus, ev *constraint.Evaluator, eng *engine.Engine, opts ...Option) *Scheduler {
	defaults := DefaultConfig()
	defaults.Merge(&cfg)
	defaults.MaxRetries = cfg.MaxRetries

	s := &Scheduler{
		cfg:       defaults,
		store:     st,
		bus:       b,
		evaluator: ev,
		engine:    eng,
		observer:  observability.NoOpObserver{},
		now:       time.Now,
		wake:      make(chan struct{}, 1),
		slots:     make(chan struct{}, defaults.MaxWorkers),
		inflight:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}

	st.SetNotifier(b)
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Start recovers items orphaned by a previous process, starts the worker pool
// and the dispatch loop, and returns. Call Shutdown to stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.running {
		return ErrAlreadyStarted
	}

	if _, err := s.Recover(ctx); err != nil {
		return fmt.Errorf("scheduler recovery failed: %w", err)
	}

	loopCtx, cancelLoop := context.WithCancel(ctx)
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelLoop = cancelLoop
	s.cancelWork = cancelWork
	s.loopDone = make(chan struct{})
	s.jobs = make(chan work.Item)

	for range s.cfg.MaxWorkers {
		s.workers.Add(1)
		go s.worker(workCtx, s.jobs)
	}
	go s.loop(loopCtx, s.jobs)

	s.running = true
	return nil
}

// Run starts the scheduler and blocks until ctx ends, then shuts down with
// the configured timeout.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Shutdown(s.cfg.ShutdownTimeout.Std())
}

// Shutdown stops dispatching and waits up to timeout for in-flight items.
// Items still running at the deadline have their contexts cancelled; they
// remain Running in the store and are recovered on the next Start.
func (s *Scheduler) Shutdown(timeout time.Duration) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if !s.running {
		return ErrNotStarted
	}
	s.running = false

	s.cancelLoop()
	<-s.loopDone
	close(s.jobs)

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelWork()
		return nil
	case <-time.After(timeout):
		s.cancelWork()
		return fmt.Errorf("scheduler shutdown timeout after %v", timeout)
	}
}

// Notify wakes the dispatch loop ahead of its next tick.
func (s *Scheduler) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context, jobs chan<- work.Item) {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.cfg.Tick.Std())
	defer ticker.Stop()

	lastPrune := s.now()
	s.dispatch(ctx, jobs)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		case <-s.evaluator.Changed():
		}

		s.dispatch(ctx, jobs)

		if now := s.now(); now.Sub(lastPrune) >= s.cfg.PruneInterval.Std() {
			lastPrune = now
			s.Prune(ctx)
		}
	}
}

// dispatch claims eligible items in chain order while worker slots are free.
func (s *Scheduler) dispatch(ctx context.Context, jobs chan<- work.Item) {
	candidates, err := s.store.ListByState(ctx, work.StateEnqueued)
	if err != nil {
		if ctx.Err() == nil {
			s.emitStoreError(ctx, "scheduler.dispatch", err)
		}
		return
	}

	now := s.now()
	for _, it := range candidates {
		if it.NotBefore.After(now) {
			continue
		}
		if !s.evaluator.IsSatisfied(it.Constraints) {
			continue
		}

		select {
		case s.slots <- struct{}{}:
		default:
			return
		}

		claimed, err := s.store.UpdateState(ctx, store.Update{
			ID:      it.ID,
			Version: it.Version,
			State:   work.StateRunning,
		})
		if err != nil {
			<-s.slots
			if errors.Is(err, work.ErrConflict) {
				s.emitConflict(ctx, "scheduler.dispatch", it.ID)
				continue
			}
			s.emitStoreError(ctx, "scheduler.dispatch", err)
			continue
		}

		observability.Emit(ctx, s.observer, EventWorkDispatch, observability.LevelVerbose, "scheduler.dispatch", map[string]any{
			"id":          it.ID,
			"unique_name": it.UniqueName,
			"kind":        string(it.Kind),
			"retry_count": it.RetryCount,
		})

		jobs <- claimed[0]
	}
}

func (s *Scheduler) worker(ctx context.Context, jobs <-chan work.Item) {
	defer s.workers.Done()

	for it := range jobs {
		s.execute(ctx, it)
		<-s.slots
		s.Notify()
	}
}

func (s *Scheduler) execute(workCtx context.Context, it work.Item) {
	ctx, cancel := context.WithCancel(workCtx)
	defer cancel()

	s.inflightMu.Lock()
	s.inflight[it.ID] = cancel
	s.inflightMu.Unlock()

	out := s.engine.Execute(ctx, it)

	s.inflightMu.Lock()
	delete(s.inflight, it.ID)
	s.inflightMu.Unlock()

	commitCtx := context.WithoutCancel(workCtx)
	if out.Cancelled {
		s.discard(commitCtx, it, "execution cancelled")
		return
	}
	s.complete(commitCtx, it, out)
}

// abort cancels the in-flight execution of each id, if any.
func (s *Scheduler) abort(ids ...string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()

	for _, id := range ids {
		if cancel, ok := s.inflight[id]; ok {
			cancel()
		}
	}
}

// Subscribe returns a subscription for name seeded with the current state
// of every item filed under it. No committed change can fall between the
// seed and the live feed.
func (s *Scheduler) Subscribe(ctx context.Context, name string) (*bus.Subscription, error) {
	if name == "" {
		return nil, work.ErrEmptyName
	}

	var sub *bus.Subscription
	err := s.store.View(ctx, name, func(items []work.Item) {
		seed := make([]work.Info, len(items))
		for i, it := range items {
			seed[i] = it.Info()
		}
		sub = s.bus.Subscribe(name, seed)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Status returns the current snapshot of every item filed under name.
func (s *Scheduler) Status(ctx context.Context, name string) ([]work.Info, error) {
	items, err := s.store.QueryByUniqueName(ctx, name)
	if err != nil {
		return nil, err
	}
	infos := make([]work.Info, len(items))
	for i, it := range items {
		infos[i] = it.Info()
	}
	return infos, nil
}

func (s *Scheduler) emitConflict(ctx context.Context, source, id string) {
	observability.Emit(ctx, s.observer, EventStoreConflict, observability.LevelVerbose, source, map[string]any{
		"id": id,
	})
}

func (s *Scheduler) emitStoreError(ctx context.Context, source string, err error) {
	observability.Emit(ctx, s.observer, EventStoreError, observability.LevelError, source, map[string]any{
		"error": err.Error(),
	})
}
