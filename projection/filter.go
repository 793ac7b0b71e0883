package projection

// CommittedEvent is the runtime's view of one record read from a projection's
// source feed. It is deliberately narrow: the event-store read/write client
// that produces these is out of scope and is modeled only through this
// struct and the [ReadDispatcher]/[Publisher] interfaces it flows through.
type CommittedEvent struct {
	Position       CheckpointTag
	StreamID       string
	EventType      string
	EventID        string
	Category       string
	SequenceNumber int64
	Metadata       []byte
	Data           []byte
}

// EventDecision is the outcome of running a CommittedEvent through an
// [EventFilter]: whether the runtime should admit it for processing, and if
// so, under which category. A non-empty Category replaces the event's own
// Category before it reaches the handler; statistics do not report
// categories.
type EventDecision struct {
	Accept   bool
	Category string
}

// EventFilter classifies incoming events before they are admitted to the
// queue. A typical filter accepts events matching configured event types or
// categories and rejects (and discards) everything else before it reaches
// application code.
type EventFilter interface {
	Classify(ev CommittedEvent) EventDecision
}

// EventFilterFunc adapts a function to an [EventFilter].
type EventFilterFunc func(ev CommittedEvent) EventDecision

// Classify implements EventFilter.
func (f EventFilterFunc) Classify(ev CommittedEvent) EventDecision {
	return f(ev)
}

// AcceptAll is the default filter: every event is accepted, uncategorized.
var AcceptAll EventFilter = EventFilterFunc(func(CommittedEvent) EventDecision {
	return EventDecision{Accept: true}
})

// PositionTagger mints the zero tag for a feed and extracts the tag that
// accompanies a committed event. Separating this from [EventFilter] keeps
// "is this record meant for me" (filter) distinct from "where does this
// record sit on the feed" (position).
type PositionTagger interface {
	// Zero returns the tag that precedes the first real position on the feed
	// identified by partition.
	Zero(partition int32) CheckpointTag
	// Tag extracts the position of a committed event.
	Tag(ev CommittedEvent) CheckpointTag
}

// DefaultPositionTagger implements PositionTagger using CommittedEvent.Position
// directly; it is correct whenever the upstream client already stamps events
// with their CheckpointTag, which is the expected case for every adapter in
// this module.
type DefaultPositionTagger struct{}

// Zero implements PositionTagger.
func (DefaultPositionTagger) Zero(partition int32) CheckpointTag {
	return ZeroTag(partition)
}

// Tag implements PositionTagger.
func (DefaultPositionTagger) Tag(ev CommittedEvent) CheckpointTag {
	return ev.Position
}
