package observability

import (
	"fmt"
	"log/slog"
	"sync"
)

// Registry resolves observer names used in configuration files. Each
// Registry is independent; NewRegistry pre-registers "noop" and "slog".
type Registry struct {
	mu        sync.RWMutex
	observers map[string]Observer
}

// NewRegistry creates a Registry whose "slog" entry writes to logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		observers: map[string]Observer{
			"noop": NoOpObserver{},
			"slog": NewSlogObserver(logger),
		},
	}
}

// Get returns the observer registered under name.
func (r *Registry) Get(name string) (Observer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	obs, exists := r.observers[name]
	if !exists {
		return nil, fmt.Errorf("unknown observer: %s", name)
	}
	return obs, nil
}

// Register adds or replaces a named observer.
func (r *Registry) Register(name string, observer Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers[name] = observer
}
