// Package bus fans committed work-item transitions out to subscribers keyed
// by unique name.
//
// The store calls Publish while holding its commit lock, so Publish never
// blocks: each Subscription owns an unbounded queue drained by its own
// goroutine. Transition order per unique name is therefore the commit order,
// and every subscriber observes it unchanged.
package bus

import (
	"log/slog"
	"sync"

	"github.com/tailored-agentic-units/workchain/work"
)

// Config holds bus settings.
type Config struct {
	Name   string       `json:"name,omitempty"`
	Logger *slog.Logger `json:"-"`
}

// DefaultConfig returns a Config logging to slog.Default.
func DefaultConfig() Config {
	return Config{
		Name:   "status",
		Logger: slog.Default(),
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.Name != "" {
		c.Name = source.Name
	}
	if source.Logger != nil {
		c.Logger = source.Logger
	}
}

// Bus is the status observer bus.
type Bus struct {
	name   string
	logger *slog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]*Subscription

	metrics *Metrics
}

// New creates a Bus from cfg.
func New(cfg Config) *Bus {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		name:    cfg.Name,
		logger:  logger,
		subs:    make(map[string]map[uint64]*Subscription),
		metrics: &Metrics{},
	}
}

// Subscribe registers a subscriber for name. The seed snapshots are delivered
// first, followed by every change published afterwards. Callers that need a
// gap-free feed take the seed and subscribe inside store.View.
func (b *Bus) Subscribe(name string, seed []work.Info) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := newSubscription(b.nextID, name, b, seed)
	if b.subs[name] == nil {
		b.subs[name] = make(map[uint64]*Subscription)
	}
	b.subs[name][sub.id] = sub
	b.metrics.recordSubscriber(1)

	b.logger.Debug(
		"subscriber added",
		slog.String("bus", b.name),
		slog.String("unique_name", name),
		slog.Int("seed", len(seed)),
	)

	return sub
}

// Publish implements store.Notifier.
func (b *Bus) Publish(change work.Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.metrics.recordPublished(1)

	subs := b.subs[change.Info.UniqueName]
	for _, sub := range subs {
		sub.enqueue(change.Info)
	}

	b.logger.Debug(
		"status published",
		slog.String("bus", b.name),
		slog.String("unique_name", change.Info.UniqueName),
		slog.String("id", change.Info.ID),
		slog.String("from", string(change.From)),
		slog.String("to", string(change.To)),
		slog.Int("subscribers", len(subs)),
	)
}

// Subscribers reports the live subscriber count for name.
func (b *Bus) Subscribers(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

// Metrics returns a snapshot of the bus counters.
func (b *Bus) Metrics() MetricsSnapshot {
	return b.metrics.Snapshot()
}

// Close detaches and closes every subscription.
func (b *Bus) Close() {
	b.mu.RLock()
	var all []*Subscription
	for _, subs := range b.subs {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range all {
		sub.Close()
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subs[sub.name]
	if !ok {
		return
	}
	if _, ok := subs[sub.id]; !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(b.subs, sub.name)
	}
	b.metrics.recordSubscriber(-1)

	b.logger.Debug(
		"subscriber removed",
		slog.String("bus", b.name),
		slog.String("unique_name", sub.name),
	)
}
