package scheduler

import "github.com/tailored-agentic-units/workchain/observability"

const (
	EventChainEnqueue observability.EventType = "chain.enqueue"
	EventChainKeep    observability.EventType = "chain.keep"
	EventChainReplace observability.EventType = "chain.replace"
	EventChainCancel  observability.EventType = "chain.cancel"

	EventWorkDispatch observability.EventType = "work.dispatch"
	EventWorkSucceed  observability.EventType = "work.succeed"
	EventWorkRetry    observability.EventType = "work.retry"
	EventWorkFail     observability.EventType = "work.fail"
	EventWorkDiscard  observability.EventType = "work.discard"

	EventStoreConflict observability.EventType = "store.conflict"
	EventStoreError    observability.EventType = "store.error"
	EventStorePrune    observability.EventType = "store.prune"

	EventRecover observability.EventType = "scheduler.recover"
)
