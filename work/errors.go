package work

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the store, scheduler, and engine.
var (
	ErrNotFound          = errors.New("work item not found")
	ErrConflict          = errors.New("work item changed concurrently")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrChainActive       = errors.New("unique work already has an unresolved chain")
	ErrEmptyChain        = errors.New("chain has no work requests")
	ErrEmptyName         = errors.New("unique name is empty")
	ErrUnknownPolicy     = errors.New("unknown existing work policy")
	ErrUnknownKind       = errors.New("no capability bound to kind")
)

// Class buckets a capability failure for retry decisions.
type Class int

const (
	// ClassUnknown failures are terminal.
	ClassUnknown Class = iota
	// ClassTransient failures (upstream 5xx, network) are retried.
	ClassTransient
	// ClassClient failures (4xx, malformed input) are terminal.
	ClassClient
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassClient:
		return "client"
	default:
		return "unknown"
	}
}

// Classifier is implemented by errors that know their own class.
type Classifier interface {
	Class() Class
}

// ClassifiedError attaches a Class to an arbitrary error.
type ClassifiedError struct {
	class Class
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s failure: %v", e.class, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

func (e *ClassifiedError) Class() Class {
	return e.class
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{class: ClassTransient, Err: err}
}

// Client marks err as a terminal client or input failure.
func Client(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{class: ClassClient, Err: err}
}

// ClassOf walks err's chain for the first Classifier. Errors without one are
// ClassUnknown.
func ClassOf(err error) Class {
	var c Classifier
	if errors.As(err, &c) {
		return c.Class()
	}
	return ClassUnknown
}
