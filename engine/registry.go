package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/tailored-agentic-units/workchain/work"
)

// Sentinel errors for the capability registry.
var (
	ErrAlreadyExists = errors.New("capability already registered")
	ErrEmptyKind     = errors.New("capability kind is empty")
)

// Task is what a capability sees of the item it runs. Input is final.
type Task struct {
	ID         string
	UniqueName string
	Kind       work.Kind
	Input      work.Data

	// Attempt is 1 on the first run and grows with each retry.
	Attempt int
}

// Capability performs one kind of work. Returned errors are classified with
// work.ClassOf; wrap retryable failures with work.Transient.
type Capability interface {
	Run(ctx context.Context, task Task) (work.Data, error)
}

// CapabilityFunc adapts a function to Capability.
type CapabilityFunc func(ctx context.Context, task Task) (work.Data, error)

func (f CapabilityFunc) Run(ctx context.Context, task Task) (work.Data, error) {
	return f(ctx, task)
}

// Registry maps item kinds to capabilities. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[work.Kind]Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[work.Kind]Capability)}
}

// Register binds kind to c. Returns ErrAlreadyExists if kind is bound; use
// Replace to rebind.
func (r *Registry) Register(kind work.Kind, c Capability) error {
	if kind == "" {
		return ErrEmptyKind
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[kind]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, kind)
	}
	r.entries[kind] = c
	return nil
}

// Replace rebinds an existing kind.
func (r *Registry) Replace(kind work.Kind, c Capability) error {
	if kind == "" {
		return ErrEmptyKind
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[kind]; !exists {
		return fmt.Errorf("%w: %s", work.ErrUnknownKind, kind)
	}
	r.entries[kind] = c
	return nil
}

// Get returns the capability bound to kind.
func (r *Registry) Get(kind work.Kind) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.entries[kind]
	return c, ok
}

// Kinds lists the bound kinds in sorted order.
func (r *Registry) Kinds() []work.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]work.Kind, 0, len(r.entries))
	for k := range r.entries {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}
