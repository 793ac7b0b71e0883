package main

import (
	"github.com/rs/zerolog"

	"github.com/kgo-projections/runtime/projection"
)

// loopbackBus is the "whatever bus loop the caller drives it from" the
// projection.Runtime doc comment describes: a FIFO of messages drained by a
// single goroutine, so a Publish call made from inside Runtime.Handle (e.g.
// armTick publishing a TickMessage) never recurses back into Handle: it
// just appends to the tail of the queue the outer dispatch loop is draining.
//
// Runtime.Handle only understands the "consumed" message types; the
// "published" types (SubscribeProjectionMessage, StartedMessage, ...) are
// notifications for whatever owns the subscription/ops surface. This demo has
// no separate subscription manager, so it just logs those and drops them
// instead of feeding them back into Handle.
type loopbackBus struct {
	rt      *projection.Runtime
	pending chan any
	log     zerolog.Logger
}

func newLoopbackBus(capacity int) *loopbackBus {
	return &loopbackBus{pending: make(chan any, capacity)}
}

func (b *loopbackBus) attach(rt *projection.Runtime, logger zerolog.Logger) {
	b.rt = rt
	b.log = logger.With().Str("component", "loopbackBus").Logger()
}

// Publish implements projection.Publisher.
func (b *loopbackBus) Publish(msg any) {
	b.pending <- msg
}

// dispatch enqueues msg and drains the queue, in order, until empty.
func (b *loopbackBus) dispatch(msg any) error {
	b.pending <- msg
	var first error
	for {
		select {
		case m := <-b.pending:
			if !isRuntimeInput(m) {
				b.log.Info().Type("message", m).Msg("projection notification")
				continue
			}
			if err := b.rt.Handle(m); err != nil && first == nil {
				first = err
			}
		default:
			return first
		}
	}
}

// isRuntimeInput reports whether msg is one of the types Runtime.Handle
// switches on, mirroring that switch so output-only messages never loop back.
func isRuntimeInput(msg any) bool {
	switch msg.(type) {
	case projection.StartMessage,
		projection.CheckpointLoadedMessage,
		projection.CommittedEventMessage,
		projection.ProgressChangedMessage,
		projection.CheckpointSuggestedMessage,
		projection.CheckpointCompletedMessage,
		projection.PauseRequestedMessage,
		projection.StopMessage,
		projection.RestartRequestedMessage,
		projection.GetStateMessage,
		projection.UpdateStatisticsMessage,
		projection.TickMessage,
		projection.ReadBackwardCompletedMessage:
		return true
	default:
		return false
	}
}
