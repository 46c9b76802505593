package work

// State is the lifecycle position of a single work item.
type State string

const (
	StateBlocked   State = "blocked"
	StateEnqueued  State = "enqueued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether no further transition may leave s.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is one of the known states.
func (s State) IsValid() bool {
	switch s {
	case StateBlocked, StateEnqueued, StateRunning, StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

var transitions = map[State][]State{
	StateBlocked:  {StateEnqueued, StateFailed, StateCancelled},
	StateEnqueued: {StateRunning, StateCancelled},
	StateRunning:  {StateSucceeded, StateEnqueued, StateFailed, StateCancelled},
}

// CanTransition reports whether an item may move from one state to another.
//
//	blocked  -> enqueued   predecessor succeeded
//	blocked  -> failed     predecessor failed
//	blocked  -> cancelled  chain cancelled
//	enqueued -> running    picked by the scheduler
//	enqueued -> cancelled  external cancel
//	running  -> succeeded  capability returned output
//	running  -> enqueued   retryable failure or crash recovery
//	running  -> failed     terminal failure
//	running  -> cancelled  external cancel
func CanTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
