package bus

import (
	"context"
	"iter"
	"sync"

	"github.com/tailored-agentic-units/workchain/work"
)

// Subscription is a live, ordered feed of work.Info snapshots for a single
// unique name. Deliveries are queued without bound so a slow reader never
// stalls the publisher; a reader sees snapshots in the order they were
// published.
type Subscription struct {
	id   uint64
	name string
	bus  *Bus

	mu     sync.Mutex
	queue  []work.Info
	signal chan struct{}

	out       chan work.Info
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscription(id uint64, name string, b *Bus, seed []work.Info) *Subscription {
	s := &Subscription{
		id:     id,
		name:   name,
		bus:    b,
		queue:  seed,
		signal: make(chan struct{}, 1),
		out:    make(chan work.Info),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

// Name returns the unique name the subscription follows.
func (s *Subscription) Name() string {
	return s.name
}

// C returns the delivery channel. It is closed after Close.
func (s *Subscription) C() <-chan work.Info {
	return s.out
}

// All yields snapshots until ctx ends, the subscription closes, or the
// consumer stops ranging.
func (s *Subscription) All(ctx context.Context) iter.Seq[work.Info] {
	return func(yield func(work.Info) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case info, ok := <-s.out:
				if !ok || !yield(info) {
					return
				}
			}
		}
	}
}

// Close detaches the subscription from the bus and releases its goroutine.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
}

// Pending reports how many snapshots are queued but not yet received.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) enqueue(info work.Info) {
	s.mu.Lock()
	s.queue = append(s.queue, info)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		next := s.queue[0]
		s.queue[0] = work.Info{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- next:
			s.bus.metrics.recordDelivered(1)
		case <-s.done:
			return
		}
	}
}
