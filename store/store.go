// Package store is the single source of truth for work items.
//
// Every mutation goes through Commit (or its UpdateState and Put shorthands),
// which applies all listed inserts and updates atomically, rejects stale
// versions with work.ErrConflict, and publishes each committed state change
// to the attached Notifier before the commit lock is released.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tailored-agentic-units/workchain/work"
)

// Sentinel errors for persistence failures.
var (
	ErrSaveFailed = errors.New("store save failed")
	ErrLoadFailed = errors.New("store load failed")
)

// Notifier receives committed state changes. Publish is called while the
// store holds its commit lock and must not block or call back into the store.
type Notifier interface {
	Publish(change work.Change)
}

// Update describes one change to an existing item. Version must equal the
// item's current Version.
type Update struct {
	ID      string
	Version int64

	// State is the target state; empty keeps the current state.
	State work.State

	// Output replaces the item's output. Only meaningful on terminal targets.
	Output work.Data

	// Input is merged over the item's input. Only accepted while Blocked.
	Input work.Data

	// Next links the item to a dependent when non-empty.
	Next string

	RetryDelta int
	NotBefore  time.Time
	Reason     string
}

// Batch groups inserts and updates committed together.
type Batch struct {
	Insert  []work.Item
	Updates []Update
}

// Store persists work items.
type Store interface {
	// Put inserts new items. Duplicate ids yield work.ErrConflict.
	Put(ctx context.Context, items ...work.Item) error

	// Get returns the item or work.ErrNotFound.
	Get(ctx context.Context, id string) (work.Item, error)

	// UpdateState applies all updates atomically and returns the new items
	// in update order.
	UpdateState(ctx context.Context, updates ...Update) ([]work.Item, error)

	// Commit applies inserts then updates atomically. Returned items are the
	// updated items followed by the inserted ones.
	Commit(ctx context.Context, batch Batch) ([]work.Item, error)

	// QueryByUniqueName returns every item filed under name in chain order.
	QueryByUniqueName(ctx context.Context, name string) ([]work.Item, error)

	// ListByState returns items in any of the given states in chain order.
	ListByState(ctx context.Context, states ...work.State) ([]work.Item, error)

	// View calls fn with the items filed under name while no commit can run.
	View(ctx context.Context, name string, fn func(items []work.Item)) error

	// Prune deletes fully terminal chains last updated before the cutoff.
	// Chains whose unique name satisfies keep are retained.
	Prune(ctx context.Context, before time.Time, keep func(uniqueName string) bool) (int, error)

	// SetNotifier attaches the change notifier.
	SetNotifier(n Notifier)

	Close() error
}

// Option configures a store at construction.
type Option func(*memoryStore)

// WithNotifier attaches n at construction.
func WithNotifier(n Notifier) Option {
	return func(s *memoryStore) { s.notifier = n }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *memoryStore) { s.now = now }
}
