// Package constraint decides whether a work item's preconditions hold.
//
// Each constraint is backed by a boolean signal. The Evaluator answers
// IsSatisfied from the current signal values only, and raises Changed
// whenever a signal flips so the scheduler can re-check waiting items
// without waiting for its next tick.
package constraint

import (
	"sync"

	"github.com/tailored-agentic-units/workchain/work"
)

// Evaluator holds the current value of every known constraint signal.
type Evaluator struct {
	mu      sync.RWMutex
	signals map[work.Constraint]bool
	changed chan struct{}
}

// NewEvaluator creates an Evaluator with the network signal set to
// connected.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		signals: map[work.Constraint]bool{
			work.ConstraintNetwork: true,
		},
		changed: make(chan struct{}, 1),
	}
}

// IsSatisfied reports whether every constraint in cs currently holds.
// Constraints without a signal are unsatisfied.
func (e *Evaluator) IsSatisfied(cs work.Constraints) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, c := range cs {
		if !e.signals[c] {
			return false
		}
	}
	return true
}

// Set updates a signal. Changed fires only if the value flipped.
func (e *Evaluator) Set(c work.Constraint, satisfied bool) {
	e.mu.Lock()
	old, known := e.signals[c]
	e.signals[c] = satisfied
	e.mu.Unlock()

	if known && old == satisfied {
		return
	}

	select {
	case e.changed <- struct{}{}:
	default:
	}
}

// SetNetwork is shorthand for Set(work.ConstraintNetwork, connected).
func (e *Evaluator) SetNetwork(connected bool) {
	e.Set(work.ConstraintNetwork, connected)
}

// Satisfied returns the current value of a single signal.
func (e *Evaluator) Satisfied(c work.Constraint) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.signals[c]
}

// Changed delivers a value after one or more signals flip. Bursts coalesce
// into a single notification.
func (e *Evaluator) Changed() <-chan struct{} {
	return e.changed
}
