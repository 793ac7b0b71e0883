package projection

// WorkKind distinguishes the four kinds of queued work.
type WorkKind int

const (
	// KindCommitted is a committed event read from the source feed.
	KindCommitted WorkKind = iota
	// KindProgress is a progress report; it carries no handler work but still
	// flows through finalize_event_processing so the checkpoint manager sees
	// steady forward motion even on feeds with long gaps between matching events.
	KindProgress
	// KindCheckpointSuggested asks the runtime to consider requesting a
	// checkpoint, in response to CheckpointManager pressure.
	KindCheckpointSuggested
	// KindGetState is an out-of-band state query; it bypasses tag ordering.
	KindGetState
)

// GetStateRequest is the payload of a KindGetState work item: read the
// currently cached state of key and deliver it to Reply.
type GetStateRequest struct {
	Key   string
	Reply func(state []byte, err error)
}

// workItem is one immutable unit of queued work. It is never mutated after
// admission to the queue: execute receives the owning runtime and performs
// whatever side effect the kind implies, so each item knows how to finish
// itself rather than the dispatcher switching on a payload type.
type workItem struct {
	kind        WorkKind
	tag         CheckpointTag
	outOfOrder  bool
	event       CommittedEvent
	partition   string
	getState    GetStateRequest
}

func (w *workItem) Tag() CheckpointTag { return w.tag }

// execute runs the work item against rt. It returns no error: a failure while
// handling a committed event, or while the checkpoint manager records a
// committed event or progress report, is reported by driving rt into
// FaultedStopping (or straight to Faulted for partition cache failures)
// rather than via a return value, since the queue's drain loop has nobody to
// propagate an error to except the lifecycle machine itself.
func (w *workItem) execute(rt *Runtime) {
	switch w.kind {
	case KindCommitted:
		rt.processCommittedEvent(w)
	case KindProgress:
		rt.finalizeEventProcessing(nil, w.tag, true)
	case KindCheckpointSuggested:
		rt.executeCheckpointSuggested(w.tag)
	case KindGetState:
		rt.processGetState(w.getState)
	}
}

func newCommittedWorkItem(ev CommittedEvent, partition string, tag CheckpointTag) *workItem {
	return &workItem{kind: KindCommitted, tag: tag, event: ev, partition: partition}
}

func newProgressWorkItem(tag CheckpointTag) *workItem {
	return &workItem{kind: KindProgress, tag: tag}
}

func newCheckpointSuggestedWorkItem(tag CheckpointTag) *workItem {
	return &workItem{kind: KindCheckpointSuggested, tag: tag}
}

func newGetStateWorkItem(req GetStateRequest) *workItem {
	return &workItem{kind: KindGetState, outOfOrder: true, getState: req}
}
