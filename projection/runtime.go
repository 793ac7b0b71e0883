package projection

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// loadStateRequest is the continuation context for one outstanding backward
// read, keyed by request id in Runtime.loadStateRequests: the reply handler
// reconstructs the partition and tag it was issued for from this record
// rather than from a closure captured at issue time.
type loadStateRequest struct {
	partition string
	tag       CheckpointTag
	item      *workItem
}

// Runtime is the per-projection runtime: it wires the lifecycle state
// machine, the work queue, the partition state cache, the sequence guard, and
// the injected CheckpointManager and Handler together.
//
// Runtime owns no goroutine. Handle is a plain synchronous method; the single
// logical thread of execution is supplied by whatever bus loop the caller
// drives it from.
type Runtime struct {
	cfg Config

	cache    *PartitionStateCache
	queue    *ProjectionQueue
	lc       *lifecycle
	seq      sequenceGuard

	checkpoints CheckpointManager
	reader      ReadDispatcher
	handler     Handler
	pub         Publisher
	log         zerolog.Logger

	tickPending bool
	parked      bool

	loadedPartition string
	handlerLoaded   bool

	loadStateRequests map[uint64]loadStateRequest
	nextRequestID     uint64

	partition int32
}

// NewRuntime constructs a Runtime. cfg is defaulted per Config.withDefaults.
func NewRuntime(cfg Config, partition int32, checkpoints CheckpointManager, reader ReadDispatcher, handler Handler, pub Publisher, logger zerolog.Logger) *Runtime {
	cfg = cfg.withDefaults()
	rt := &Runtime{
		cfg:               cfg,
		cache:             NewPartitionStateCache(),
		queue:             NewProjectionQueue(cfg.PendingEventsThreshold),
		lc:                newLifecycle(),
		checkpoints:       checkpoints,
		reader:            reader,
		handler:           handler,
		pub:               pub,
		log:               logger.With().Str("projection", cfg.Name).Logger(),
		loadStateRequests: make(map[uint64]loadStateRequest),
		partition:         partition,
	}
	rt.seq.reset()
	return rt
}

// State returns the current lifecycle state.
func (rt *Runtime) State() LifecycleState { return rt.lc.state }

// Snapshot returns the statistics surface synchronously.
func (rt *Runtime) Snapshot() Statistics {
	return Statistics{
		Status:           rt.lc.state.String(),
		Mode:             string(rt.cfg.Mode),
		Name:             rt.cfg.Name,
		StateReason:      rt.lc.faultReason,
		BufferedEvents:   rt.queue.BufferedEventCount(),
		PartitionsCached: rt.cache.CachedItemCount(),
	}
}

// Handle dispatches one bus message. It is the sole entry point driving the
// runtime; callers own the mailbox/thread that invokes it.
func (rt *Runtime) Handle(msg any) error {
	switch m := msg.(type) {
	case StartMessage:
		return rt.handleStart()
	case CheckpointLoadedMessage:
		return rt.handleCheckpointLoaded(m)
	case CommittedEventMessage:
		return rt.handleCommittedEvent(m)
	case ProgressChangedMessage:
		return rt.handleProgressChanged(m)
	case CheckpointSuggestedMessage:
		return rt.handleCheckpointSuggestedMsg(m)
	case CheckpointCompletedMessage:
		return rt.handleCheckpointCompletedMsg(m)
	case PauseRequestedMessage:
		return rt.handlePauseRequested()
	case StopMessage:
		return rt.handleStop()
	case RestartRequestedMessage:
		return rt.handleRestartRequested()
	case GetStateMessage:
		return rt.handleGetState(m)
	case UpdateStatisticsMessage:
		return rt.handleUpdateStatistics()
	case TickMessage:
		return rt.handleTick()
	case ReadBackwardCompletedMessage:
		return rt.handleReadBackwardCompleted(m)
	default:
		return fmt.Errorf("projection: unrecognized message %T", msg)
	}
}

// StartMessage requests the projection begin (Initial -> LoadStateRequested).
type StartMessage struct{}

func (rt *Runtime) publish(msg any) {
	if rt.pub != nil {
		rt.pub.Publish(msg)
	}
}

func (rt *Runtime) armTick() {
	if rt.tickPending {
		return
	}
	rt.tickPending = true
	rt.publish(TickMessage{})
}

// --- Lifecycle entry actions ---

func (rt *Runtime) handleStart() error {
	if err := rt.lc.ensureState(Initial); err != nil {
		rt.faultStopping(err)
		return err
	}
	rt.lc.transition(LoadStateRequested)
	rt.checkpoints.BeginLoadState()
	return nil
}

func (rt *Runtime) handleCheckpointLoaded(m CheckpointLoadedMessage) error {
	if err := rt.lc.ensureState(LoadStateRequested); err != nil {
		rt.faultStopping(err)
		return err
	}
	tag := ZeroTag(rt.partition)
	if m.Tag != nil {
		tag = *m.Tag
	}
	if m.State != nil {
		_ = rt.cache.CacheAndLock(RootPartition, m.State, nil)
	}
	rt.enterStateLoadedSubscribed(tag)
	return nil
}

func (rt *Runtime) enterStateLoadedSubscribed(tag CheckpointTag) {
	rt.lc.transition(StateLoadedSubscribed)
	rt.seq.arm()
	rt.publish(SubscribeProjectionMessage{FromTag: tag})
	rt.queue.InitializeQueue(tag)
	rt.checkpoints.Start(tag)
	rt.publish(StartedMessage{})
	rt.lc.transition(Running)
	rt.queue.SetRunning()
	rt.armTick()
}

func (rt *Runtime) handlePauseRequested() error {
	if err := rt.lc.ensureState(Running); err != nil {
		rt.faultStopping(err)
		return err
	}
	rt.lc.transition(Paused)
	rt.queue.SetPaused()
	return nil
}

func (rt *Runtime) handleStop() error {
	if err := rt.lc.ensureState(Running | Paused | Resumed | StateLoadedSubscribed); err != nil {
		rt.faultStopping(err)
		return err
	}
	rt.lc.transition(Stopping)
	rt.queue.SetStopped()
	rt.publish(UnsubscribeProjectionMessage{})
	rt.checkpoints.Stopping()
	rt.checkpoints.RequestCheckpointToStop()
	return nil
}

func (rt *Runtime) handleCheckpointCompletedMsg(m CheckpointCompletedMessage) error {
	if err := rt.lc.ensureState(Running | Paused | Stopping | FaultedStopping); err != nil {
		rt.faultStopping(err)
		return err
	}
	rt.cache.Unlock(m.Tag)
	switch rt.lc.state {
	case Paused:
		rt.lc.transition(Resumed)
		rt.lc.transition(Running)
		rt.queue.SetRunning()
		rt.armTick()
	case Stopping:
		rt.lc.transition(Stopped)
		rt.queue.SetStopped()
		rt.checkpoints.Stopped()
		rt.publish(StoppedMessage{})
	case FaultedStopping:
		reason := rt.lc.faultReason
		rt.lc.transition(Faulted)
		rt.queue.SetStopped()
		rt.checkpoints.Stopped()
		rt.publish(FaultedMessage{Reason: reason})
	}
	return nil
}

func (rt *Runtime) handleRestartRequested() error {
	rt.enterInitial()
	return rt.handleStart()
}

func (rt *Runtime) enterInitial() {
	for id := range rt.loadStateRequests {
		rt.reader.Cancel(id)
	}
	rt.loadStateRequests = make(map[uint64]loadStateRequest)
	rt.cache.Initialize()
	rt.queue = NewProjectionQueue(rt.cfg.PendingEventsThreshold)
	rt.checkpoints.Initialize()
	rt.tickPending = false
	rt.parked = false
	rt.loadedPartition = ""
	rt.handlerLoaded = false
	rt.seq.reset()
	rt.lc.transition(Initial)
}

// faultStopping drives the projection to FaultedStopping, preserving
// in-flight checkpoint work, unless the projection has not subscribed yet
// (Initial/LoadStateRequested), in which case there is nothing to flush and
// it faults immediately. err is logged and recorded verbatim as the faulted
// reason; callers are expected to pass a *ProjectionError so the eventual
// FaultedMessage/statistics reason stays errors.As-able.
func (rt *Runtime) faultStopping(err error) {
	reason := err.Error()
	if rt.lc.state.Is(Initial | LoadStateRequested) {
		rt.faultDirect(err)
		return
	}
	if rt.lc.state.Is(FaultedStopping | Faulted) {
		return
	}
	rt.lc.enterFaulted(true, reason)
	rt.queue.SetStopped()
	rt.publish(UnsubscribeProjectionMessage{})
	rt.checkpoints.RequestCheckpointToStop()
	rt.log.Error().Err(err).Str("projection", rt.cfg.Name).Msg("projection faulted, flushing checkpoint")
}

// faultDirect drives the projection straight to Faulted with no flush, for
// failures with no in-flight work.
func (rt *Runtime) faultDirect(err error) {
	if rt.lc.state.Is(FaultedStopping | Faulted) {
		return
	}
	reason := err.Error()
	rt.lc.enterFaulted(false, reason)
	rt.queue.SetStopped()
	rt.publish(UnsubscribeProjectionMessage{})
	rt.publish(FaultedMessage{Reason: reason})
	rt.log.Error().Err(err).Str("projection", rt.cfg.Name).Msg("projection faulted")
}

// --- Subscription-origin input (sequence-guarded) ---

func (rt *Runtime) handleCommittedEvent(m CommittedEventMessage) error {
	if !rt.seq.admit(m.Sequence) {
		return nil
	}
	if err := rt.lc.ensureState(Running | Paused | Resumed | StateLoadedSubscribed); err != nil {
		rt.faultStopping(err)
		return err
	}
	decision := rt.cfg.Filter.Classify(m.Event)
	if !decision.Accept {
		return nil
	}
	ev := m.Event
	if decision.Category != "" {
		ev.Category = decision.Category
	}
	tag := rt.cfg.Tagger.Tag(ev)
	key := rt.cfg.PartitionSelector(ev)
	item := newCommittedWorkItem(ev, key, tag)
	if err := rt.queue.Enqueue(item, tag, false); err != nil {
		perr := newProjectionError(ErrInvalidState, err.Error(), err)
		rt.faultStopping(perr)
		return perr
	}
	rt.armTick()
	return nil
}

func (rt *Runtime) handleProgressChanged(m ProgressChangedMessage) error {
	if !rt.seq.admit(m.Sequence) {
		return nil
	}
	if err := rt.lc.ensureState(Running | Paused | Resumed | StateLoadedSubscribed); err != nil {
		rt.faultStopping(err)
		return err
	}
	item := newProgressWorkItem(m.Tag)
	if err := rt.queue.Enqueue(item, m.Tag, true); err != nil {
		perr := newProjectionError(ErrInvalidState, err.Error(), err)
		rt.faultStopping(perr)
		return perr
	}
	rt.armTick()
	return nil
}

func (rt *Runtime) handleCheckpointSuggestedMsg(m CheckpointSuggestedMessage) error {
	if !rt.cfg.CheckpointsEnabled {
		return nil
	}
	if err := rt.lc.ensureState(Running | Paused | Resumed | StateLoadedSubscribed); err != nil {
		return nil
	}
	item := newCheckpointSuggestedWorkItem(m.Tag)
	rt.queue.EnqueueOutOfOrder(item)
	rt.armTick()
	return nil
}

// executeCheckpointSuggested is the work-item-execution counterpart of
// handleCheckpointSuggestedMsg: it is what actually runs once the suggestion
// reaches the head of the queue.
func (rt *Runtime) executeCheckpointSuggested(tag CheckpointTag) {
	if !rt.cfg.CheckpointsEnabled {
		return
	}
	rt.checkpoints.RequestCheckpoint(tag)
}

func (rt *Runtime) handleGetState(m GetStateMessage) error {
	item := newGetStateWorkItem(m.Request)
	rt.queue.EnqueueOutOfOrder(item)
	rt.armTick()
	return nil
}

// handleUpdateStatistics publishes the current Statistics, the asynchronous
// counterpart to Snapshot for callers that consume bus messages rather than
// polling.
func (rt *Runtime) handleUpdateStatistics() error {
	rt.publish(StatisticsReportMessage{Stats: rt.Snapshot()})
	return nil
}

func (rt *Runtime) handleTick() error {
	rt.tickPending = false
	if !rt.lc.state.Is(Running | Stopping | FaultedStopping) {
		return nil
	}
	rt.drainQueue()
	if rt.queue.PendingEventsAboveThreshold() && rt.cfg.CheckpointsEnabled {
		rt.executeCheckpointSuggested(rt.queue.lastAdmitted)
	}
	return nil
}

// drainQueue runs the queue's drain loop, pausing whenever a committed-event
// item needs a partition state recovery read; the read's completion resumes
// draining.
func (rt *Runtime) drainQueue() {
	for rt.queue.Running() && len(rt.queue.items) > 0 && !rt.parked {
		item := rt.queue.items[0]
		if item.kind == KindCommitted && item.partition != RootPartition {
			if _, ok := rt.cache.TryGetAndLock(item.partition, item.tag); !ok {
				rt.queue.items = rt.queue.items[1:]
				rt.beginPartitionLoad(item)
				return
			}
		}
		rt.queue.items = rt.queue.items[1:]
		item.execute(rt)
	}
}

func (rt *Runtime) beginPartitionLoad(item *workItem) {
	rt.parked = true
	id := rt.nextRequestID
	rt.nextRequestID++
	rt.loadStateRequests[id] = loadStateRequest{partition: item.partition, tag: item.tag, item: item}
	stream := PartitionStateStreamName(rt.cfg.Name, item.partition)
	rt.reader.BeginReadBackward(context.Background(), id, stream, item.tag)
}

func (rt *Runtime) handleReadBackwardCompleted(m ReadBackwardCompletedMessage) error {
	req, ok := rt.loadStateRequests[m.RequestID]
	if !ok {
		// Canceled (e.g. by a restart) or already resolved; a reply for a
		// request we no longer recognize must never mutate post-restart state.
		return nil
	}
	delete(rt.loadStateRequests, m.RequestID)
	rt.parked = false

	if m.Err != nil {
		perr := newProjectionError(ErrStateLoadFailure, fmt.Sprintf("state load failed for partition %q", req.partition), m.Err)
		rt.faultDirect(perr)
		return perr
	}

	var state []byte
	if m.Record != nil {
		state = m.Record.State
	}
	if err := rt.cache.CacheAndLock(req.partition, state, &req.tag); err != nil {
		perr := newProjectionError(ErrStateLoadFailure, err.Error(), err)
		rt.faultDirect(perr)
		return perr
	}
	req.item.execute(rt)
	rt.drainQueue()
	return nil
}

// processCommittedEvent runs the handler against a work item whose partition
// is already cached (root, or recovered by beginPartitionLoad).
func (rt *Runtime) processCommittedEvent(w *workItem) {
	key := w.partition
	state, err := rt.cache.GetLocked(key)
	if err != nil {
		rt.faultDirect(newProjectionError(ErrStateLoadFailure, err.Error(), err))
		return
	}

	if rt.loadedPartition != key || !rt.handlerLoaded {
		if len(state) == 0 {
			rt.handler.Initialize()
		} else {
			rt.handler.Load(state)
		}
		rt.loadedPartition = key
		rt.handlerLoaded = true
	}

	processed, newState, emitted, herr := rt.invokeHandler(w.event)
	if herr != nil {
		reason := fmt.Sprintf("projection=%s event_position=%s", rt.cfg.Name, w.tag)
		rt.faultStopping(newProjectionError(ErrHandlerFailure, reason, herr))
		return
	}

	if len(emitted) > 0 && !rt.cfg.EmitEventEnabled {
		rt.faultStopping(newProjectionError(ErrPolicyViolation, "emit not allowed by the projection/configuration/mode", nil))
		return
	}

	var scheduled []EmittedEvent
	if processed {
		scheduled = append(scheduled, emitted...)
	}

	if stateChanged(state, newState) {
		if err := rt.cache.CacheAndLock(key, newState, &w.tag); err != nil {
			rt.faultDirect(newProjectionError(ErrStateLoadFailure, err.Error(), err))
			return
		}
		if rt.cfg.PublishStateUpdates {
			scheduled = append(scheduled, stateUpdatedEvent(rt.cfg.Name, key, newState, w.tag))
		}
	}

	rt.finalizeEventProcessing(scheduled, w.tag, false)
}

// invokeHandler is the single place the handler is invoked, so handler
// exceptions are caught exactly once. The Handler interface already returns
// errors rather than panicking in the expected case; a panic is additionally
// recovered here since a misbehaving handler must never crash the process
// hosting the runtime.
func (rt *Runtime) invokeHandler(ev CommittedEvent) (processed bool, newState []byte, emitted []EmittedEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return rt.handler.Handle(ev)
}

func stateChanged(old, new []byte) bool {
	if len(old) != len(new) {
		return true
	}
	for i := range old {
		if old[i] != new[i] {
			return true
		}
	}
	return false
}

func stateUpdatedEvent(name, partition string, state []byte, tag CheckpointTag) EmittedEvent {
	// Plain tag JSON, not the versioned MarshalCheckpoint envelope: the
	// backward-scan recovery path (kafkaadapter's ReadDispatcher) reads this
	// back with ParseTag, which expects a bare {"partition":...,"offset":...}
	// object.
	metadata, _ := json.Marshal(tag)
	return EmittedEvent{
		Stream:    PartitionStateStreamName(name, partition),
		EventID:   uuid.NewString(),
		EventType: "StateUpdated",
		Data:      state,
		Metadata:  metadata,
	}
}

// finalizeEventProcessing hands tag and the scheduled emissions to the
// checkpoint manager, after executing any kind of work item.
func (rt *Runtime) finalizeEventProcessing(scheduled []EmittedEvent, tag CheckpointTag, progress bool) {
	state, _ := rt.cache.GetLocked(rt.loadedPartition)
	if err := rt.checkpoints.EventProcessed(state, scheduled, tag, progress); err != nil {
		// Reuses ErrStateLoadFailure: the taxonomy names no kind specifically
		// for checkpoint-write failure, and this is the same "I/O failure
		// against checkpoint storage" family.
		reason := fmt.Sprintf("checkpoint manager failed to record work at %s", tag)
		rt.faultStopping(newProjectionError(ErrStateLoadFailure, reason, err))
		return
	}
	rt.stopIfReplayComplete(tag)
}

// stopIfReplayComplete self-stops a ModeOneTime projection once it has
// processed a position at or past Config.ReplayUntil, the same transition an
// externally requested Stop would drive.
func (rt *Runtime) stopIfReplayComplete(tag CheckpointTag) {
	if rt.cfg.Mode != ModeOneTime || rt.cfg.ReplayUntil == nil {
		return
	}
	if !rt.lc.state.Is(Running) || tag.Less(*rt.cfg.ReplayUntil) {
		return
	}
	_ = rt.handleStop()
}

func (rt *Runtime) processGetState(req GetStateRequest) {
	state, err := rt.cache.GetLocked(req.Key)
	if req.Reply != nil {
		req.Reply(state, err)
	}
}
