package projection

import "fmt"

// queueRunState gates draining.
type queueRunState int

const (
	queueStopped queueRunState = iota
	queueRunning
	queuePaused
)

// ProjectionQueue is the ordered work queue: it admits work items only in
// strictly increasing tag order (with the two documented exceptions) and
// hands them out, in order, to the runtime's drain loop while running.
//
// Like the rest of the core it assumes single-threaded cooperative access. It
// never invokes the handler itself: each drained item is asked to
// execute() against the owning Runtime.
type ProjectionQueue struct {
	items            []*workItem
	lastAdmitted     CheckpointTag
	armed            bool
	state            queueRunState
	pendingThreshold int
}

// NewProjectionQueue returns a queue with the given pending-events pressure
// threshold.
func NewProjectionQueue(pendingThreshold int) *ProjectionQueue {
	return &ProjectionQueue{pendingThreshold: pendingThreshold}
}

// InitializeQueue resets last_admitted_tag to zero and clears all items, as
// happens on entry to LoadStateRequested→StateLoadedSubscribed.
func (q *ProjectionQueue) InitializeQueue(zero CheckpointTag) {
	q.items = nil
	q.lastAdmitted = zero
	q.armed = false
}

// Enqueue admits item at tag in strict order: it fails if tag is less than
// the last admitted tag, and also if tag equals it unless allowCurrent is
// true (the progress-report exception).
func (q *ProjectionQueue) Enqueue(item *workItem, tag CheckpointTag, allowCurrent bool) error {
	if tag.Less(q.lastAdmitted) {
		return fmt.Errorf("projection: queue: tag %s is behind last admitted tag %s", tag, q.lastAdmitted)
	}
	if tag.Equal(q.lastAdmitted) && !allowCurrent {
		return fmt.Errorf("projection: queue: tag %s repeats last admitted tag %s without allowCurrentPosition", tag, q.lastAdmitted)
	}
	q.lastAdmitted = tag
	q.items = append(q.items, item)
	return nil
}

// EnqueueOutOfOrder admits item regardless of tag ordering, for KindGetState
// and KindCheckpointSuggested work, which bypasses tag ordering entirely.
func (q *ProjectionQueue) EnqueueOutOfOrder(item *workItem) {
	q.items = append(q.items, item)
}

// SetRunning allows the runtime's drain loop to process items.
func (q *ProjectionQueue) SetRunning() { q.state = queueRunning }

// SetPaused stops the drain loop from processing items without discarding
// them.
func (q *ProjectionQueue) SetPaused() { q.state = queuePaused }

// SetStopped stops the drain loop from processing items, as for a stopped or
// faulted projection.
func (q *ProjectionQueue) SetStopped() { q.state = queueStopped }

// Running reports whether the queue is currently allowed to drain.
func (q *ProjectionQueue) Running() bool { return q.state == queueRunning }

// BufferedEventCount returns the number of items not yet drained, for the
// statistics surface and the pending-events pressure check.
func (q *ProjectionQueue) BufferedEventCount() int {
	return len(q.items)
}

// PendingEventsAboveThreshold reports whether buffered work has crossed the
// configured pending_events_threshold, the signal that should trigger a
// checkpoint suggestion via the checkpoint manager.
func (q *ProjectionQueue) PendingEventsAboveThreshold() bool {
	return q.pendingThreshold > 0 && len(q.items) > q.pendingThreshold
}
