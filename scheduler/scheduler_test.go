package scheduler_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tailored-agentic-units/workchain/bus"
	"github.com/tailored-agentic-units/workchain/config"
	"github.com/tailored-agentic-units/workchain/constraint"
	"github.com/tailored-agentic-units/workchain/engine"
	"github.com/tailored-agentic-units/workchain/observability"
	"github.com/tailored-agentic-units/workchain/scheduler"
	"github.com/tailored-agentic-units/workchain/store"
	"github.com/tailored-agentic-units/workchain/work"
)

type harness struct {
	sched     *scheduler.Scheduler
	store     store.Store
	bus       *bus.Bus
	evaluator *constraint.Evaluator
	registry  *engine.Registry
	recorder  *observability.Recorder
}

func testConfig() scheduler.Config {
	cfg := scheduler.DefaultConfig()
	cfg.Tick = config.Duration(5 * time.Millisecond)
	cfg.Backoff = scheduler.BackoffConfig{
		Initial:    config.Duration(time.Millisecond),
		Multiplier: 2,
		Max:        config.Duration(10 * time.Millisecond),
	}
	return cfg
}

func newHarness(t *testing.T, cfg scheduler.Config, caps map[work.Kind]engine.Capability, opts ...scheduler.Option) *harness {
	t.Helper()

	h := &harness{
		store:     store.NewMemoryStore(),
		bus:       bus.New(bus.DefaultConfig()),
		evaluator: constraint.NewEvaluator(),
		registry:  engine.NewRegistry(),
		recorder:  &observability.Recorder{},
	}
	for kind, c := range caps {
		if err := h.registry.Register(kind, c); err != nil {
			t.Fatalf("Register(%s) error = %v", kind, err)
		}
	}

	opts = append([]scheduler.Option{scheduler.WithObserver(h.recorder)}, opts...)
	h.sched = scheduler.New(cfg, h.store, h.bus, h.evaluator, engine.New(h.registry), opts...)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.sched.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		if err := h.sched.Shutdown(2 * time.Second); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	})
}

func waitState(t *testing.T, st store.Store, id string, want work.State) work.Item {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		it, err := st.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", id, err)
		}
		if it.State == want {
			return it
		}
		if time.Now().After(deadline) {
			t.Fatalf("item %s state = %s, want %s", id, it.State, want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// collect reads the subscription until done reports true for the latest
// state of every item seen so far.
func collect(t *testing.T, sub *bus.Subscription, done func(latest map[string]work.State) bool) []work.Info {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var seen []work.Info
	latest := make(map[string]work.State)
	for info := range sub.All(ctx) {
		seen = append(seen, info)
		latest[info.ID] = info.State
		if done(latest) {
			return seen
		}
	}
	t.Fatalf("subscription ended before completion: %+v", seen)
	return nil
}

func allTerminal(n int) func(map[string]work.State) bool {
	return func(latest map[string]work.State) bool {
		if len(latest) < n {
			return false
		}
		for _, s := range latest {
			if !s.IsTerminal() {
				return false
			}
		}
		return true
	}
}

func succeed(key, value string) engine.CapabilityFunc {
	return func(ctx context.Context, task engine.Task) (work.Data, error) {
		return work.Data{key: value}, nil
	}
}

// blocking runs until release is closed or its context ends.
func blocking(release <-chan struct{}, started chan<- string) engine.CapabilityFunc {
	return func(ctx context.Context, task engine.Task) (work.Data, error) {
		if started != nil {
			select {
			case started <- task.ID:
			default:
			}
		}
		select {
		case <-release:
			return work.Data{"done": task.ID}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func TestBackoffConfig_Delay(t *testing.T) {
	b := scheduler.BackoffConfig{
		Initial:    config.Duration(10 * time.Second),
		Multiplier: 2,
		Max:        config.Duration(time.Minute),
	}

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{retry: 0, want: 10 * time.Second},
		{retry: 1, want: 10 * time.Second},
		{retry: 2, want: 20 * time.Second},
		{retry: 3, want: 40 * time.Second},
		{retry: 4, want: time.Minute},
		{retry: 200, want: time.Minute},
	}

	for _, tt := range tests {
		if got := b.Delay(tt.retry); got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.retry, got, tt.want)
		}
	}
}

func TestConfig_Merge(t *testing.T) {
	cfg := scheduler.DefaultConfig()
	cfg.Merge(&scheduler.Config{
		MaxWorkers: 8,
		Backoff:    scheduler.BackoffConfig{Initial: config.Duration(time.Second)},
	})

	if cfg.MaxWorkers != 8 {
		t.Errorf("MaxWorkers = %d, want 8", cfg.MaxWorkers)
	}
	if cfg.Backoff.Initial.Std() != time.Second {
		t.Errorf("Backoff.Initial = %s, want 1s", cfg.Backoff.Initial)
	}
	if cfg.Backoff.Max.Std() != 5*time.Hour {
		t.Errorf("Backoff.Max = %s, want default 5h", cfg.Backoff.Max)
	}
	if cfg.MaxRetries != 10 {
		t.Errorf("MaxRetries = %d, want default 10", cfg.MaxRetries)
	}
}

func TestEnqueueChain_Validation(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()
	req := work.Request{Kind: work.KindDownload}

	tests := []struct {
		name    string
		unique  string
		policy  work.Policy
		reqs    []work.Request
		wantErr error
	}{
		{name: "empty name", unique: "", policy: work.PolicyKeep, reqs: []work.Request{req}, wantErr: work.ErrEmptyName},
		{name: "empty chain", unique: "download", policy: work.PolicyKeep, wantErr: work.ErrEmptyChain},
		{name: "missing kind", unique: "download", policy: work.PolicyKeep, reqs: []work.Request{{}}, wantErr: work.ErrUnknownKind},
		{name: "bad policy", unique: "download", policy: "merge", reqs: []work.Request{req}, wantErr: work.ErrUnknownPolicy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.sched.EnqueueChain(ctx, tt.unique, tt.policy, tt.reqs...)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("EnqueueChain() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnqueueChain_LinksItems(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	chain, err := h.sched.EnqueueChain(context.Background(), "download", work.PolicyKeep,
		work.Request{Kind: work.KindDownload, Input: work.Data{work.KeyURL: "http://example.com"}},
		work.Request{Kind: work.KindFilter},
	)
	if err != nil {
		t.Fatalf("EnqueueChain() error = %v", err)
	}

	if len(chain.Items) != 2 {
		t.Fatalf("len(Items) = %d, want 2", len(chain.Items))
	}
	head, tail := chain.Items[0], chain.Items[1]
	if head.State != work.StateEnqueued || tail.State != work.StateBlocked {
		t.Errorf("states = %s, %s, want enqueued, blocked", head.State, tail.State)
	}
	if head.Next != tail.ID || tail.Prev != head.ID {
		t.Errorf("links = %q -> %q, want head -> tail", head.Next, tail.Prev)
	}
	if head.ChainID != chain.ID || tail.ChainID != chain.ID {
		t.Error("items do not share the chain id")
	}
	if h.recorder.Count(scheduler.EventChainEnqueue) != 1 {
		t.Error("chain.enqueue not emitted")
	}
}

func TestScheduler_ChainOrdering(t *testing.T) {
	var h *harness
	var violations atomic.Int32

	// Each stage checks in the store that its predecessor already succeeded.
	stage := func(ctx context.Context, task engine.Task) (work.Data, error) {
		it, err := h.store.Get(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		if it.Prev != "" {
			prev, err := h.store.Get(ctx, it.Prev)
			if err != nil || prev.State != work.StateSucceeded {
				violations.Add(1)
			}
		}
		return work.Data{"stage": task.ID}, nil
	}

	h = newHarness(t, testConfig(), map[work.Kind]engine.Capability{
		work.KindDownload: engine.CapabilityFunc(stage),
		work.KindFilter:   engine.CapabilityFunc(stage),
	})

	sub, err := h.sched.Subscribe(context.Background(), "pipeline")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	h.start(t)
	chain, err := h.sched.EnqueueChain(context.Background(), "pipeline", work.PolicyKeep,
		work.Request{Kind: work.KindDownload},
		work.Request{Kind: work.KindFilter},
		work.Request{Kind: work.KindFilter},
		work.Request{Kind: work.KindFilter},
	)
	if err != nil {
		t.Fatalf("EnqueueChain() error = %v", err)
	}

	seen := collect(t, sub, allTerminal(len(chain.Items)))

	position := func(id string, state work.State) int {
		for i, info := range seen {
			if info.ID == id && info.State == state {
				return i
			}
		}
		return -1
	}
	for i := 1; i < len(chain.Items); i++ {
		prevDone := position(chain.Items[i-1].ID, work.StateSucceeded)
		running := position(chain.Items[i].ID, work.StateRunning)
		if prevDone < 0 || running < 0 || running < prevDone {
			t.Errorf("item %d running at %d before predecessor succeeded at %d", i, running, prevDone)
		}
	}
	if v := violations.Load(); v != 0 {
		t.Errorf("%d stages ran before their predecessor succeeded", v)
	}
}

func TestScheduler_FetchThenFilter(t *testing.T) {
	const l1, l2 = "file:///artifacts/download.jpg", "file:///artifacts/filtered.jpg"

	var filterInput atomic.Value
	h := newHarness(t, testConfig(), map[work.Kind]engine.Capability{
		work.KindDownload: succeed(work.KeyImageURI, l1),
		work.KindFilter: engine.CapabilityFunc(func(ctx context.Context, task engine.Task) (work.Data, error) {
			filterInput.Store(task.Input.Clone())
			if _, ok := task.Input.Get(work.KeyImageURI); !ok {
				return nil, work.Client(errors.New("no image uri"))
			}
			return work.Data{work.KeyFilterURI: l2}, nil
		}),
	})

	sub, err := h.sched.Subscribe(context.Background(), "download")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()
	h.start(t)

	chain, err := h.sched.EnqueueChain(context.Background(), "download", work.PolicyKeep,
		work.Request{Kind: work.KindDownload, Input: work.Data{work.KeyURL: "http://example.com/cat.jpg"}, Constraints: work.Constraints{work.ConstraintNetwork}},
		work.Request{Kind: work.KindFilter},
	)
	if err != nil {
		t.Fatalf("EnqueueChain() error = %v", err)
	}

	seen := collect(t, sub, allTerminal(2))

	final := make(map[string]work.Info)
	for _, info := range seen {
		final[info.ID] = info
	}
	fetch, filter := final[chain.Items[0].ID], final[chain.Items[1].ID]
	if fetch.State != work.StateSucceeded || filter.State != work.StateSucceeded {
		t.Fatalf("final states = %s, %s, want both succeeded", fetch.State, filter.State)
	}
	if fetch.Output[work.KeyImageURI] != l1 {
		t.Errorf("fetch output = %v, want %s", fetch.Output, l1)
	}
	if filter.Output[work.KeyFilterURI] != l2 {
		t.Errorf("filter output = %v, want %s", filter.Output, l2)
	}

	input, _ := filterInput.Load().(work.Data)
	if input[work.KeyImageURI] != l1 {
		t.Errorf("filter input image_uri = %q, want %q", input[work.KeyImageURI], l1)
	}

	last := seen[len(seen)-1]
	if last.ID != chain.Items[1].ID || last.State != work.StateSucceeded {
		t.Errorf("last observed = %s %s, want filter succeeded", last.ID, last.State)
	}
}

func TestScheduler_KeepRejectsWhileUnresolved(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 1)
	h := newHarness(t, testConfig(), map[work.Kind]engine.Capability{
		work.KindDownload: blocking(release, started),
	})
	h.start(t)
	defer close(release)

	ctx := context.Background()
	first, err := h.sched.EnqueueChain(ctx, "download", work.PolicyKeep, work.Request{Kind: work.KindDownload})
	if err != nil {
		t.Fatalf("EnqueueChain() error = %v", err)
	}
	<-started

	_, err = h.sched.EnqueueChain(ctx, "download", work.PolicyKeep, work.Request{Kind: work.KindDownload})
	if !errors.Is(err, work.ErrChainActive) {
		t.Fatalf("second EnqueueChain() error = %v, want ErrChainActive", err)
	}

	items, err := h.store.QueryByUniqueName(ctx, "download")
	if err != nil {
		t.Fatalf("QueryByUniqueName() error = %v", err)
	}
	if len(items) != 1 || items[0].ID != first.Items[0].ID {
		t.Errorf("store holds %d items, want only the first chain", len(items))
	}
	if h.recorder.Count(scheduler.EventChainKeep) != 1 {
		t.Error("chain.keep not emitted")
	}
}

func TestScheduler_ReplaceCancelsUnresolved(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	started := make(chan string, 1)

	h := newHarness(t, testConfig(), map[work.Kind]engine.Capability{
		work.KindDownload: engine.CapabilityFunc(func(ctx context.Context, task engine.Task) (work.Data, error) {
			if task.Input[work.KeyURL] == "slow" {
				return blocking(release, started)(ctx, task)
			}
			return work.Data{work.KeyImageURI: "file:///fast.jpg"}, nil
		}),
		work.KindFilter: succeed(work.KeyFilterURI, "file:///filtered.jpg"),
	})
	h.start(t)

	ctx := context.Background()
	first, err := h.sched.EnqueueChain(ctx, "download", work.PolicyKeep,
		work.Request{Kind: work.KindDownload, Input: work.Data{work.KeyURL: "slow"}},
		work.Request{Kind: work.KindFilter},
	)
	if err != nil {
		t.Fatalf("EnqueueChain() error = %v", err)
	}
	<-started

	second, err := h.sched.EnqueueChain(ctx, "download", work.PolicyReplace,
		work.Request{Kind: work.KindDownload, Input: work.Data{work.KeyURL: "fast"}},
		work.Request{Kind: work.KindFilter},
	)
	if err != nil {
		t.Fatalf("EnqueueChain(replace) error = %v", err)
	}
	if len(second.Replaced) != 2 {
		t.Errorf("Replaced = %v, want both items of the first chain", second.Replaced)
	}

	for _, it := range first.Items {
		waitState(t, h.store, it.ID, work.StateCancelled)
	}
	for _, it := range second.Items {
		waitState(t, h.store, it.ID, work.StateSucceeded)
	}
}

func TestScheduler_AppendLinksAfterTail(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 1)
	h := newHarness(t, testConfig(), map[work.Kind]engine.Capability{
		work.KindDownload: blocking(release, started),
		work.KindFilter:   succeed(work.KeyFilterURI, "file:///filtered.jpg"),
	})
	h.start(t)

	ctx := context.Background()
	first, err := h.sched.EnqueueChain(ctx, "download", work.PolicyKeep, work.Request{Kind: work.KindDownload})
	if err != nil {
		t.Fatalf("EnqueueChain() error = %v", err)
	}
	<-started

	second, err := h.sched.EnqueueChain(ctx, "download", work.PolicyAppend, work.Request{Kind: work.KindFilter})
	if err != nil {
		t.Fatalf("EnqueueChain(append) error = %v", err)
	}
	if second.AppendedTo != first.Items[0].ID {
		t.Errorf("AppendedTo = %q, want %q", second.AppendedTo, first.Items[0].ID)
	}
	if second.Items[0].State != work.StateBlocked {
		t.Errorf("appended head state = %s, want blocked", second.Items[0].State)
	}

	close(release)
	waitState(t, h.store, first.Items[0].ID, work.StateSucceeded)
	done := waitState(t, h.store, second.Items[0].ID, work.StateSucceeded)
	if done.Input["done"] != first.Items[0].ID {
		t.Errorf("appended input = %v, want predecessor output merged", done.Input)
	}
}

func TestScheduler_AppendWaitsOnLiveWorkBehindCancelledTail(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 1)

	var running, peak atomic.Int32
	download := engine.CapabilityFunc(func(ctx context.Context, task engine.Task) (work.Data, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		return blocking(release, started)(ctx, task)
	})
	h := newHarness(t, testConfig(), map[work.Kind]engine.Capability{
		work.KindDownload: download,
		work.KindFilter:   succeed(work.KeyFilterURI, "unused"),
	})
	h.start(t)

	ctx := context.Background()
	first, err := h.sched.EnqueueChain(ctx, "download", work.PolicyKeep,
		work.Request{Kind: work.KindDownload},
		work.Request{Kind: work.KindFilter},
	)
	if err != nil {
		t.Fatalf("EnqueueChain() error = %v", err)
	}
	<-started

	if _, err := h.sched.CancelItem(ctx, first.Items[1].ID); err != nil {
		t.Fatalf("CancelItem() error = %v", err)
	}

	second, err := h.sched.EnqueueChain(ctx, "download", work.PolicyAppend, work.Request{Kind: work.KindDownload})
	if err != nil {
		t.Fatalf("EnqueueChain(append) error = %v", err)
	}
	if second.AppendedTo != first.Items[0].ID {
		t.Errorf("AppendedTo = %q, want running head %q", second.AppendedTo, first.Items[0].ID)
	}
	if second.Items[0].State != work.StateBlocked {
		t.Errorf("appended head state = %s, want blocked", second.Items[0].State)
	}

	time.Sleep(30 * time.Millisecond)
	if got := running.Load(); got != 1 {
		t.Errorf("running downloads = %d, want 1 while the head is live", got)
	}

	close(release)
	waitState(t, h.store, first.Items[0].ID, work.StateSucceeded)
	waitState(t, h.store, second.Items[0].ID, work.StateSucceeded)
	if got := peak.Load(); got != 1 {
		t.Errorf("peak concurrent downloads = %d, want 1", got)
	}
}

func TestScheduler_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, testConfig(), map[work.Kind]engine.Capability{
		work.KindDownload: engine.CapabilityFunc(func(ctx context.Context, task engine.Task) (work.Data, error) {
			if calls.Add(1) <= 3 {
				return nil, work.Transient(errors.New("500 internal server error"))
			}
			return work.Data{work.KeyImageURI: "file:///cat.jpg"}, nil
		}),
	})
	h.start(t)

	chain, err := h.sched.EnqueueChain(context.Background(), "download", work.PolicyKeep, work.Request{Kind: work.KindDownload})
	if err != nil {
		t.Fatalf("EnqueueChain() error = %v", err)
	}

	it := waitState(t, h.store, chain.Items[0].ID, work.StateSucceeded)
	if it.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", it.RetryCount)
	}
	if it.Reason != "" {
		t.Errorf("Reason = %q, want cleared on success", it.Reason)
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("capability called %d times, want 4", got)
	}
	if got := h.recorder.Count(scheduler.EventWorkRetry); got != 3 {
		t.Errorf("work.retry emitted %d times, want 3", got)
	}
}

func TestScheduler_ClientErrorFailsWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, testConfig(), map[work.Kind]engine.Capability{
		work.KindDownload: engine.CapabilityFunc(func(ctx context.Context, task engine.Task) (work.Data, error) {
			calls.Add(1)
			return nil, work.Client(errors.New("404 not found"))
		}),
		work.KindFilter: succeed(work.KeyFilterURI, "unused"),
	})
	h.start(t)

	chain, err := h.sched.EnqueueChain(context.Background(), "download", work.PolicyKeep,
		work.Request{Kind: work.KindDownload},
		work.Request{Kind: work.KindFilter},
	)
	if err != nil {
		t.Fatalf("EnqueueChain() error = %v", err)
	}

	failed := waitState(t, h.store, chain.Items[0].ID, work.StateFailed)
	if failed.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", failed.RetryCount)
	}
	if !strings.Contains(failed.Output[work.KeyErrorMsg], "404") {
		t.Errorf("error_msg = %q, want the client error", failed.Output[work.KeyErrorMsg])
	}
	waitState(t, h.store, chain.Items[1].ID, work.StateFailed)

	time.Sleep(20 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("capability called %d times, want 1", got)
	}
}

func TestScheduler_RetriesExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	h := newHarness(t, cfg, map[work.Kind]engine.Capability{
		work.KindDownload: engine.CapabilityFunc(func(ctx context.Context, task engine.Task) (work.Data, error) {
			return nil, work.Transient(errors.New("503 service unavailable"))
		}),
	})
	h.start(t)

	chain, err := h.sched.EnqueueChain(context.Background(), "download", work.PolicyKeep, work.Request{Kind: work.KindDownload})
	if err != nil {
		t.Fatalf("EnqueueChain() error = %v", err)
	}

	it := waitState(t, h.store, chain.Items[0].ID, work.StateFailed)
	if it.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", it.RetryCount)
	}
	if !strings.Contains(it.Reason, "retries exhausted") {
		t.Errorf("Reason = %q, want retries exhausted", it.Reason)
	}
}

func TestScheduler_CancelChain(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	started := make(chan string, 1)

	var aborted atomic.Bool
	h := newHarness(t, testConfig(), map[work.Kind]engine.Capability{
		work.KindDownload: engine.CapabilityFunc(func(ctx context.Context, task engine.Task) (work.Data, error) {
			out, err := blocking(release, started)(ctx, task)
			if errors.Is(err, context.Canceled) {
				aborted.Store(true)
			}
			return out, err
		}),
		work.KindFilter: succeed(work.KeyFilterURI, "unused"),
	})
	h.start(t)

	ctx := context.Background()
	_, err := h.sched.EnqueueChain(ctx, "download", work.PolicyKeep,
		work.Request{Kind: work.KindDownload},
		work.Request{Kind: work.KindFilter},
		work.Request{Kind: work.KindFilter},
	)
	if err != nil {
		t.Fatalf("EnqueueChain() error = %v", err)
	}
	<-started

	n, err := h.sched.Cancel(ctx, "download")
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Cancel() = %d, want 3", n)
	}

	items, err := h.store.QueryByUniqueName(ctx, "download")
	if err != nil {
		t.Fatalf("QueryByUniqueName() error = %v", err)
	}
	for _, it := range items {
		if it.State != work.StateCancelled {
			t.Errorf("item %s = %s, want cancelled", it.ID, it.State)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for !aborted.Load() && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if !aborted.Load() {
		t.Error("running capability was not aborted")
	}

	if n, err := h.sched.Cancel(ctx, "download"); err != nil || n != 0 {
		t.Errorf("second Cancel() = %d, %v, want 0, nil", n, err)
	}
	if _, err := h.sched.EnqueueChain(ctx, "download", work.PolicyKeep, work.Request{Kind: work.KindFilter}); err != nil {
		t.Errorf("KEEP after cancel error = %v, want accepted", err)
	}
}

func TestScheduler_LateSuccessAfterCancelIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 1)

	h := newHarness(t, testConfig(), map[work.Kind]engine.Capability{
		work.KindDownload: engine.CapabilityFunc(func(ctx context.Context, task engine.Task) (work.Data, error) {
			started <- task.ID
			<-release
			return work.Data{work.KeyImageURI: "file:///late.jpg"}, nil
		}),
		work.KindFilter: succeed(work.KeyFilterURI, "unused"),
	})
	h.start(t)

	ctx := context.Background()
	chain, err := h.sched.EnqueueChain(ctx, "download", work.PolicyKeep,
		work.Request{Kind: work.KindDownload},
		work.Request{Kind: work.KindFilter},
	)
	if err != nil {
		t.Fatalf("EnqueueChain() error = %v", err)
	}
	<-started

	// Cancel through the store so the worker's context stays live and the
	// capability's result reaches the commit path.
	items, err := h.store.QueryByUniqueName(ctx, "download")
	if err != nil {
		t.Fatalf("QueryByUniqueName() error = %v", err)
	}
	var updates []store.Update
	for _, it := range items {
		updates = append(updates, store.Update{ID: it.ID, Version: it.Version, State: work.StateCancelled})
	}
	if _, err := h.store.UpdateState(ctx, updates...); err != nil {
		t.Fatalf("UpdateState() error = %v", err)
	}

	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for h.recorder.Count(scheduler.EventWorkDiscard) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("late result was never discarded")
		}
		time.Sleep(2 * time.Millisecond)
	}

	head, _ := h.store.Get(ctx, chain.Items[0].ID)
	if head.State != work.StateCancelled {
		t.Errorf("head state = %s, want cancelled", head.State)
	}
	if len(head.Output) != 0 {
		t.Errorf("head output = %v, want empty", head.Output)
	}

	time.Sleep(20 * time.Millisecond)
	tail, _ := h.store.Get(ctx, chain.Items[1].ID)
	if tail.State != work.StateCancelled {
		t.Errorf("successor state = %s, want cancelled", tail.State)
	}
	if h.recorder.Count(scheduler.EventWorkSucceed) != 0 {
		t.Error("late result was committed as a success")
	}
}

func TestScheduler_CancelItemLeavesUpstream(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	started := make(chan string, 1)

	h := newHarness(t, testConfig(), map[work.Kind]engine.Capability{
		work.KindDownload: blocking(release, started),
	})
	h.start(t)

	ctx := context.Background()
	chain, err := h.sched.EnqueueChain(ctx, "download", work.PolicyKeep,
		work.Request{Kind: work.KindDownload},
		work.Request{Kind: work.KindFilter},
		work.Request{Kind: work.KindFilter},
	)
	if err != nil {
		t.Fatalf("EnqueueChain() error = %v", err)
	}
	<-started

	n, err := h.sched.CancelItem(ctx, chain.Items[1].ID)
	if err != nil {
		t.Fatalf("CancelItem() error = %v", err)
	}
	if n != 2 {
		t.Errorf("CancelItem() = %d, want 2", n)
	}

	head, _ := h.store.Get(ctx, chain.Items[0].ID)
	if head.State != work.StateRunning {
		t.Errorf("head state = %s, want still running", head.State)
	}

	if _, err := h.sched.CancelItem(ctx, chain.Items[2].ID); !errors.Is(err, work.ErrInvalidTransition) {
		t.Errorf("CancelItem(terminal) error = %v, want ErrInvalidTransition", err)
	}
}

func TestScheduler_ConstraintGatesDispatch(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, testConfig(), map[work.Kind]engine.Capability{
		work.KindDownload: engine.CapabilityFunc(func(ctx context.Context, task engine.Task) (work.Data, error) {
			calls.Add(1)
			return work.Data{work.KeyImageURI: "file:///cat.jpg"}, nil
		}),
	})
	h.evaluator.SetNetwork(false)
	h.start(t)

	chain, err := h.sched.EnqueueChain(context.Background(), "download", work.PolicyKeep,
		work.Request{Kind: work.KindDownload, Constraints: work.Constraints{work.ConstraintNetwork}},
	)
	if err != nil {
		t.Fatalf("EnqueueChain() error = %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Fatalf("capability ran %d times while offline", got)
	}

	h.evaluator.SetNetwork(true)
	waitState(t, h.store, chain.Items[0].ID, work.StateSucceeded)
}

func TestScheduler_RecoversOrphanedItems(t *testing.T) {
	h := newHarness(t, testConfig(), map[work.Kind]engine.Capability{
		work.KindDownload: succeed(work.KeyImageURI, "file:///cat.jpg"),
	})

	ctx := context.Background()
	orphan := work.NewItem("download", "chain-1", work.Request{Kind: work.KindDownload})
	if err := h.store.Put(ctx, orphan); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := h.store.UpdateState(ctx, store.Update{ID: orphan.ID, Version: 1, State: work.StateRunning}); err != nil {
		t.Fatalf("UpdateState() error = %v", err)
	}

	h.start(t)

	it := waitState(t, h.store, orphan.ID, work.StateSucceeded)
	if it.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0 after recovery", it.RetryCount)
	}
	if h.recorder.Count(scheduler.EventRecover) != 1 {
		t.Error("scheduler.recover not emitted")
	}
}

func TestScheduler_PruneSkipsObservedNames(t *testing.T) {
	var offset atomic.Int64
	clock := func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }

	// Keep the loop's own pruning out of the way.
	cfg := testConfig()
	cfg.PruneInterval = config.Duration(1000 * time.Hour)

	h := newHarness(t, cfg, map[work.Kind]engine.Capability{
		work.KindDownload: succeed(work.KeyImageURI, "file:///cat.jpg"),
	}, scheduler.WithClock(clock))
	h.start(t)

	ctx := context.Background()
	chain, err := h.sched.EnqueueChain(ctx, "download", work.PolicyKeep, work.Request{Kind: work.KindDownload})
	if err != nil {
		t.Fatalf("EnqueueChain() error = %v", err)
	}
	waitState(t, h.store, chain.Items[0].ID, work.StateSucceeded)

	sub, err := h.sched.Subscribe(ctx, "download")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	offset.Store(int64(48 * time.Hour))
	if n := h.sched.Prune(ctx); n != 0 {
		t.Errorf("Prune() with subscriber = %d, want 0", n)
	}

	sub.Close()
	if n := h.sched.Prune(ctx); n != 1 {
		t.Errorf("Prune() = %d, want 1", n)
	}
	if _, err := h.store.Get(ctx, chain.Items[0].ID); !errors.Is(err, work.ErrNotFound) {
		t.Errorf("Get() after prune error = %v, want ErrNotFound", err)
	}
}

func TestScheduler_SubscribeSeedsCurrentState(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()

	chain, err := h.sched.EnqueueChain(ctx, "download", work.PolicyKeep,
		work.Request{Kind: work.KindDownload},
		work.Request{Kind: work.KindFilter},
	)
	if err != nil {
		t.Fatalf("EnqueueChain() error = %v", err)
	}

	sub, err := h.sched.Subscribe(ctx, "download")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	for i, want := range []work.State{work.StateEnqueued, work.StateBlocked} {
		select {
		case info := <-sub.C():
			if info.ID != chain.Items[i].ID || info.State != want {
				t.Errorf("seed[%d] = %s %s, want %s %s", i, info.ID, info.State, chain.Items[i].ID, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for seed")
		}
	}

	if _, err := h.sched.Subscribe(ctx, ""); !errors.Is(err, work.ErrEmptyName) {
		t.Errorf("Subscribe(\"\") error = %v, want ErrEmptyName", err)
	}
}

func TestScheduler_BoundedWorkers(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWorkers = 2

	var mu sync.Mutex
	active, peak := 0, 0
	h := newHarness(t, cfg, map[work.Kind]engine.Capability{
		work.KindDownload: engine.CapabilityFunc(func(ctx context.Context, task engine.Task) (work.Data, error) {
			mu.Lock()
			active++
			peak = max(peak, active)
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			return work.Data{"ok": task.ID}, nil
		}),
	})
	h.start(t)

	var ids []string
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		chain, err := h.sched.EnqueueChain(context.Background(), name, work.PolicyKeep, work.Request{Kind: work.KindDownload})
		if err != nil {
			t.Fatalf("EnqueueChain(%s) error = %v", name, err)
		}
		ids = append(ids, chain.Items[0].ID)
	}
	for _, id := range ids {
		waitState(t, h.store, id, work.StateSucceeded)
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("peak concurrency = %d, want at most 2", peak)
	}
}

func TestScheduler_StartTwice(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.start(t)

	if err := h.sched.Start(context.Background()); !errors.Is(err, scheduler.ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}
