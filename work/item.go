// Package work defines the durable unit-of-work model shared by the store,
// scheduler, engine, and status bus.
//
// An Item is one stage of a linear chain filed under a unique name. Items move
// through the State machine described by CanTransition; only the store commits
// those moves, and every committed move is published as a Change.
package work

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Kind selects the capability that executes an item.
type Kind string

const (
	KindDownload Kind = "download"
	KindFilter   Kind = "filter"
)

// Constraint is a precondition that must hold before an item may run.
type Constraint string

const (
	ConstraintNetwork Constraint = "requires_network"
)

// Constraints is the set of preconditions attached to an item.
type Constraints []Constraint

// Has reports whether c is in the set.
func (cs Constraints) Has(c Constraint) bool {
	return slices.Contains(cs, c)
}

// Policy arbitrates a new chain against an unresolved chain with the same
// unique name.
type Policy string

const (
	PolicyKeep    Policy = "keep"
	PolicyReplace Policy = "replace"
	PolicyAppend  Policy = "append"
)

// ParsePolicy accepts the lower or upper case policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyKeep, "KEEP":
		return PolicyKeep, nil
	case PolicyReplace, "REPLACE":
		return PolicyReplace, nil
	case PolicyAppend, "APPEND":
		return PolicyAppend, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// Request describes one stage a caller wants chained.
type Request struct {
	Kind        Kind        `json:"kind" yaml:"kind"`
	Input       Data        `json:"input,omitempty" yaml:"input,omitempty"`
	Constraints Constraints `json:"constraints,omitempty" yaml:"constraints,omitempty"`
}

// Item is the persisted record of a single stage.
type Item struct {
	ID          string      `json:"id"`
	UniqueName  string      `json:"unique_name"`
	ChainID     string      `json:"chain_id"`
	Seq         int64       `json:"seq"`
	Kind        Kind        `json:"kind"`
	Input       Data        `json:"input,omitempty"`
	Output      Data        `json:"output,omitempty"`
	Constraints Constraints `json:"constraints,omitempty"`
	State       State       `json:"state"`
	RetryCount  int         `json:"retry_count"`
	Prev        string      `json:"prev,omitempty"`
	Next        string      `json:"next,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	Version     int64       `json:"version"`
	NotBefore   time.Time   `json:"not_before,omitzero"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// NewItem builds an unsaved item for req. The store assigns Seq and Version.
func NewItem(uniqueName, chainID string, req Request) Item {
	now := time.Now()
	return Item{
		ID:          uuid.NewString(),
		UniqueName:  uniqueName,
		ChainID:     chainID,
		Kind:        req.Kind,
		Input:       req.Input.Clone(),
		Constraints: slices.Clone(req.Constraints),
		State:       StateEnqueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a copy that shares no maps or slices with it.
func (it Item) Clone() Item {
	it.Input = it.Input.Clone()
	it.Output = it.Output.Clone()
	it.Constraints = slices.Clone(it.Constraints)
	return it
}

// Info is the observer-facing snapshot of an item.
type Info struct {
	ID         string    `json:"id"`
	UniqueName string    `json:"unique_name"`
	Kind       Kind      `json:"kind"`
	State      State     `json:"state"`
	RetryCount int       `json:"retry_count"`
	Output     Data      `json:"output,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Info snapshots the observer-visible fields of it.
func (it Item) Info() Info {
	return Info{
		ID:         it.ID,
		UniqueName: it.UniqueName,
		Kind:       it.Kind,
		State:      it.State,
		RetryCount: it.RetryCount,
		Output:     it.Output.Clone(),
		Reason:     it.Reason,
		UpdatedAt:  it.UpdatedAt,
	}
}

// Change is a committed state transition.
type Change struct {
	Info        Info  `json:"info"`
	From        State `json:"from"`
	To          State `json:"to"`
	OutputDelta Data  `json:"output_delta,omitempty"`
}

// Unresolved reports whether any item in the chain is non-terminal.
func Unresolved(items []Item) bool {
	for _, it := range items {
		if !it.State.IsTerminal() {
			return true
		}
	}
	return false
}
