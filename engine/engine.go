// Package engine runs a single work item through the capability bound to its
// kind and reduces whatever happens into an Outcome.
//
// Classification happens here and nowhere else: transient failures become
// Retry, everything else becomes Failure. The engine never touches the store;
// the scheduler turns Outcomes into state transitions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tailored-agentic-units/workchain/observability"
	"github.com/tailored-agentic-units/workchain/work"
)

const (
	EventExecuteStart    observability.EventType = "engine.execute.start"
	EventExecuteComplete observability.EventType = "engine.execute.complete"
)

// OutcomeKind is the verdict of one execution.
type OutcomeKind int

const (
	Success OutcomeKind = iota
	Retry
	Failure
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case Retry:
		return "retry"
	default:
		return "failure"
	}
}

// Outcome is the result of Execute.
type Outcome struct {
	Kind   OutcomeKind
	Output work.Data
	Reason string
	Err    error

	// Cancelled is set when the run was abandoned because its context ended.
	// The scheduler discards such outcomes.
	Cancelled bool
}

// ExecutionError carries the item context of a capability failure.
type ExecutionError struct {
	ItemID string
	Kind   work.Kind
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s item %s: %v", e.Kind, e.ItemID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

var errEmptyOutput = errors.New("capability succeeded without output")

// Option configures an Engine.
type Option func(*Engine)

// WithTimeout caps each capability invocation. Zero disables the cap.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithObserver sets the event observer.
func WithObserver(o observability.Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// Engine executes items against a Registry.
type Engine struct {
	registry *Registry
	timeout  time.Duration
	observer observability.Observer
}

// New creates an Engine over reg.
func New(reg *Registry, opts ...Option) *Engine {
	e := &Engine{
		registry: reg,
		observer: observability.NoOpObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the capability registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Execute runs item once. It never panics and never returns an error; every
// failure is folded into the Outcome.
func (e *Engine) Execute(ctx context.Context, item work.Item) Outcome {
	start := time.Now()

	observability.Emit(ctx, e.observer, EventExecuteStart, observability.LevelVerbose, "engine.Execute", map[string]any{
		"id":          item.ID,
		"kind":        string(item.Kind),
		"retry_count": item.RetryCount,
	})

	out := e.execute(ctx, item)

	data := map[string]any{
		"id":          item.ID,
		"kind":        string(item.Kind),
		"outcome":     out.Kind.String(),
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if out.Reason != "" {
		data["reason"] = out.Reason
	}
	if out.Cancelled {
		data["cancelled"] = true
	}
	observability.Emit(ctx, e.observer, EventExecuteComplete, observability.LevelVerbose, "engine.Execute", data)

	return out
}

func (e *Engine) execute(ctx context.Context, item work.Item) Outcome {
	capability, ok := e.registry.Get(item.Kind)
	if !ok {
		return failure(item, fmt.Errorf("%w: %s", work.ErrUnknownKind, item.Kind))
	}

	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	task := Task{
		ID:         item.ID,
		UniqueName: item.UniqueName,
		Kind:       item.Kind,
		Input:      item.Input.Clone(),
		Attempt:    item.RetryCount + 1,
	}

	output, err := run(runCtx, capability, task)

	if ctx.Err() != nil {
		return Outcome{
			Kind:      Failure,
			Reason:    "cancelled",
			Err:       &ExecutionError{ItemID: item.ID, Kind: item.Kind, Err: ctx.Err()},
			Cancelled: true,
		}
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && runCtx.Err() != nil {
			err = work.Transient(fmt.Errorf("capability timed out after %s: %w", e.timeout, err))
		}
		if work.ClassOf(err) == work.ClassTransient {
			return Outcome{
				Kind:   Retry,
				Reason: err.Error(),
				Err:    &ExecutionError{ItemID: item.ID, Kind: item.Kind, Err: err},
			}
		}
		return failure(item, err)
	}

	if len(output) == 0 {
		return failure(item, errEmptyOutput)
	}

	return Outcome{Kind: Success, Output: output.Clone()}
}

func run(ctx context.Context, c Capability, task Task) (output work.Data, err error) {
	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = fmt.Errorf("capability panicked: %v", r)
		}
	}()
	return c.Run(ctx, task)
}

func failure(item work.Item, err error) Outcome {
	return Outcome{
		Kind:   Failure,
		Output: work.Data{work.KeyErrorMsg: err.Error()},
		Reason: err.Error(),
		Err:    &ExecutionError{ItemID: item.ID, Kind: item.Kind, Err: err},
	}
}
