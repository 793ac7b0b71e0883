package projection

import "context"

// Publisher is the injected capability through which the runtime emits bus
// messages. It is the only handle the runtime has on the outside world,
// matching the design note: "treat the publisher/subscriber as an injected
// capability with message-typed send; do not introduce a process-wide
// singleton."
type Publisher interface {
	Publish(msg any)
}

// PublisherFunc adapts a function to a Publisher.
type PublisherFunc func(msg any)

// Publish implements Publisher.
func (f PublisherFunc) Publish(msg any) { f(msg) }

// --- Messages consumed ---

// CommittedEventMessage wraps a CommittedEvent read from the subscription,
// tagged with its subscription sequence number for the sequence guard.
type CommittedEventMessage struct {
	Event    CommittedEvent
	Sequence int64
}

// ProgressChangedMessage reports forward motion on the feed with no matching
// event (e.g. a heartbeat position), still subject to the sequence guard.
type ProgressChangedMessage struct {
	Tag      CheckpointTag
	Sequence int64
}

// CheckpointSuggestedMessage is emitted by the CheckpointManager when its
// internal unhandled-bytes pressure threshold is exceeded.
type CheckpointSuggestedMessage struct {
	Tag CheckpointTag
}

// CheckpointLoadedMessage is the CheckpointManager's reply to BeginLoadState.
// Tag is nil if no checkpoint was found (cold start).
type CheckpointLoadedMessage struct {
	Tag   *CheckpointTag
	State []byte
}

// CheckpointCompletedMessage is the CheckpointManager's signal that every
// write up to and including Tag has durably landed.
type CheckpointCompletedMessage struct {
	Tag CheckpointTag
}

// PauseRequestedMessage asks a Running projection to pause.
type PauseRequestedMessage struct{}

// RestartRequestedMessage asks the projection to reset to Initial and restart.
type RestartRequestedMessage struct{}

// StopMessage asks the projection to stop.
type StopMessage struct{}

// GetStateMessage is an out-of-band state query; it bypasses tag ordering.
type GetStateMessage struct {
	Request GetStateRequest
}

// UpdateStatisticsMessage asks the runtime to publish its current Statistics
// as a StatisticsReportMessage. It bypasses tag ordering the same way
// GetStateMessage does.
type UpdateStatisticsMessage struct{}

// TickMessage drives one round of queue draining. At most one is ever
// in flight at a time.
type TickMessage struct{}

// ReadBackwardCompletedMessage is the ReadDispatcher's reply to
// BeginReadBackward, correlated by RequestID.
type ReadBackwardCompletedMessage struct {
	RequestID uint64
	Record    *StateUpdatedRecord
	Err       error
}

// --- Messages published ---

// SubscribeProjectionMessage asks the bus to start delivering committed
// events from FromTag onward, numbering subscription messages from 0.
type SubscribeProjectionMessage struct {
	FromTag CheckpointTag
}

// UnsubscribeProjectionMessage asks the bus to stop delivering events.
type UnsubscribeProjectionMessage struct{}

// StartedMessage is published once the projection begins Running.
type StartedMessage struct{}

// StoppedMessage is published once the projection reaches Stopped.
type StoppedMessage struct{}

// FaultedMessage is published once the projection reaches Faulted.
type FaultedMessage struct {
	Reason string
}

// StatisticsReportMessage is published in response to an UpdateStatistics
// request.
type StatisticsReportMessage struct {
	Stats Statistics
}

// --- External collaborator interfaces ---

// StateUpdatedRecord is a StateUpdated event recovered from a partition state
// stream: its body is the partition's state at Tag, with the tag itself
// carried in the metadata.
type StateUpdatedRecord struct {
	State []byte
	Tag   CheckpointTag
}

// EmittedEvent is a derived event produced by the handler, to be persisted by
// the CheckpointManager in the same batch as the work item that produced it.
type EmittedEvent struct {
	Stream    string
	EventID   string
	EventType string
	Data      []byte
	Metadata  []byte
}

// Handler is the user-supplied, exclusively-owned stateful projection
// handler.
type Handler interface {
	// Initialize prepares the handler for a partition with no prior state.
	Initialize()
	// Load prepares the handler for a partition whose prior state is state.
	Load(state []byte)
	// Handle processes one committed event against the currently loaded
	// partition. processed indicates whether emitted should be persisted;
	// newState is the partition's state after handling (may be unchanged).
	Handle(ev CommittedEvent) (processed bool, newState []byte, emitted []EmittedEvent, err error)
}

// ReadDispatcher issues the backward reads used to recover partition state
// from its state stream. Replies are delivered asynchronously via the
// Publisher the dispatcher was configured with, as a
// ReadBackwardCompletedMessage correlated by requestID; there are no
// suspension points inside the runtime itself.
type ReadDispatcher interface {
	BeginReadBackward(ctx context.Context, requestID uint64, stream string, before CheckpointTag)
	// Cancel aborts an outstanding read; it is a no-op if requestID already
	// completed or is unknown. Used on RestartRequested.
	Cancel(requestID uint64)
}

// CheckpointManager is the external contract through which the runtime
// durably records emitted events and checkpoint markers and reports progress
// asynchronously via the Publisher it was configured with.
type CheckpointManager interface {
	Initialize()
	Start(from CheckpointTag)
	BeginLoadState()
	// EventProcessed durably records the work of one work item. It may
	// buffer internally until a checkpoint boundary.
	EventProcessed(currentState []byte, scheduled []EmittedEvent, tag CheckpointTag, progress bool) error
	// RequestCheckpoint asks the manager to consider writing a checkpoint
	// now, in response to queue-depth or manager-internal pressure. It is a
	// hint: the manager decides whether a write is actually necessary and
	// reports completion, if any, the same way EventProcessed-driven writes
	// do.
	RequestCheckpoint(tag CheckpointTag)
	// RequestCheckpointToStop must always eventually cause a
	// CheckpointCompletedMessage to publish, even if no write was necessary.
	RequestCheckpointToStop()
	Stopping()
	Stopped()
}
