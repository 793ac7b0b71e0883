package projection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// recordingBus is a Publisher that just appends every message it's given, for
// assertions; it never feeds messages back into a Runtime, matching the real
// "whatever bus loop the caller drives it from" separation.
type recordingBus struct {
	messages []any
}

func (b *recordingBus) Publish(msg any) { b.messages = append(b.messages, msg) }

func (b *recordingBus) last() any {
	if len(b.messages) == 0 {
		return nil
	}
	return b.messages[len(b.messages)-1]
}

func (b *recordingBus) contains(want any) bool {
	for _, m := range b.messages {
		if m == want {
			return true
		}
	}
	return false
}

// fakeCheckpointManager is a bare recorder standing in for a real
// CheckpointManager: tests drive CheckpointLoadedMessage/CheckpointCompletedMessage
// into the runtime directly rather than having the fake publish them itself.
type fakeCheckpointManager struct {
	beginLoadStateCalls int
	startCalls          []CheckpointTag
	eventProcessedCalls []eventProcessedCall
	requestCheckpoints  []CheckpointTag
	stopRequests        int
	stoppingCalls       int
	stoppedCalls        int
	initializeCalls     int

	eventProcessedErr error
}

type eventProcessedCall struct {
	state     []byte
	scheduled []EmittedEvent
	tag       CheckpointTag
	progress  bool
}

func (f *fakeCheckpointManager) Initialize()             { f.initializeCalls++ }
func (f *fakeCheckpointManager) Start(from CheckpointTag) { f.startCalls = append(f.startCalls, from) }
func (f *fakeCheckpointManager) BeginLoadState()          { f.beginLoadStateCalls++ }

func (f *fakeCheckpointManager) EventProcessed(state []byte, scheduled []EmittedEvent, tag CheckpointTag, progress bool) error {
	f.eventProcessedCalls = append(f.eventProcessedCalls, eventProcessedCall{state, scheduled, tag, progress})
	return f.eventProcessedErr
}

func (f *fakeCheckpointManager) RequestCheckpoint(tag CheckpointTag) {
	f.requestCheckpoints = append(f.requestCheckpoints, tag)
}
func (f *fakeCheckpointManager) RequestCheckpointToStop() { f.stopRequests++ }
func (f *fakeCheckpointManager) Stopping()                { f.stoppingCalls++ }
func (f *fakeCheckpointManager) Stopped()                 { f.stoppedCalls++ }

// fakeReadDispatcher records BeginReadBackward/Cancel calls; tests reply by
// calling rt.Handle(ReadBackwardCompletedMessage{...}) directly.
type fakeReadDispatcher struct {
	began     []readBackwardCall
	canceled  []uint64
}

type readBackwardCall struct {
	requestID uint64
	stream    string
	before    CheckpointTag
}

func (f *fakeReadDispatcher) BeginReadBackward(ctx context.Context, requestID uint64, stream string, before CheckpointTag) {
	f.began = append(f.began, readBackwardCall{requestID, stream, before})
}

func (f *fakeReadDispatcher) Cancel(requestID uint64) {
	f.canceled = append(f.canceled, requestID)
}

// fakeHandler is a trivial Handler: Handle increments a counter and encodes it
// as the new state, unless scripted to do something else via the fields below.
type fakeHandler struct {
	initializeCalls int
	loadedWith      []byte
	handledEvents   []CommittedEvent
	count           byte

	emit       []EmittedEvent
	handleErr  error
	noopChange bool
}

func (h *fakeHandler) Initialize() { h.initializeCalls++; h.count = 0 }

func (h *fakeHandler) Load(state []byte) {
	h.loadedWith = state
	if len(state) == 1 {
		h.count = state[0]
	}
}

func (h *fakeHandler) Handle(ev CommittedEvent) (bool, []byte, []EmittedEvent, error) {
	h.handledEvents = append(h.handledEvents, ev)
	if h.handleErr != nil {
		return false, nil, nil, h.handleErr
	}
	if h.noopChange {
		return true, h.loadedWith, h.emit, nil
	}
	h.count++
	return true, []byte{h.count}, h.emit, nil
}

func discardLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// testRig bundles a Runtime with its fakes for assertions.
type testRig struct {
	rt    *Runtime
	ckpt  *fakeCheckpointManager
	read  *fakeReadDispatcher
	hnd   *fakeHandler
	bus   *recordingBus
}

func newTestRig(cfg Config, partition int32) *testRig {
	ckpt := &fakeCheckpointManager{}
	read := &fakeReadDispatcher{}
	hnd := &fakeHandler{}
	bus := &recordingBus{}
	rt := NewRuntime(cfg, partition, ckpt, read, hnd, bus, discardLogger())
	return &testRig{rt: rt, ckpt: ckpt, read: read, hnd: hnd, bus: bus}
}

// runToRunningColdStart drives Start through a cold-start CheckpointLoaded
// reply (no prior checkpoint) to Running.
func runToRunningColdStart(t *testing.T, r *testRig) {
	t.Helper()
	require.NoError(t, r.rt.Handle(StartMessage{}))
	require.Equal(t, LoadStateRequested, r.rt.State())
	require.Equal(t, 1, r.ckpt.beginLoadStateCalls)

	require.NoError(t, r.rt.Handle(CheckpointLoadedMessage{}))
	require.Equal(t, Running, r.rt.State())
}

func TestRuntimeColdStart(t *testing.T) {
	r := newTestRig(Config{Name: "orders"}, 0)
	runToRunningColdStart(t, r)

	require.True(t, r.bus.contains(SubscribeProjectionMessage{FromTag: ZeroTag(0)}))
	require.True(t, r.bus.contains(StartedMessage{}))
	require.Equal(t, []CheckpointTag{ZeroTag(0)}, r.ckpt.startCalls)
}

func TestRuntimeUpdateStatisticsPublishesReport(t *testing.T) {
	r := newTestRig(Config{Name: "orders"}, 0)
	runToRunningColdStart(t, r)

	require.NoError(t, r.rt.Handle(UpdateStatisticsMessage{}))

	want := StatisticsReportMessage{Stats: r.rt.Snapshot()}
	require.True(t, r.bus.contains(want))
}

func TestRuntimeEventProcessedWithStateChangeAndStateUpdatedEmission(t *testing.T) {
	r := newTestRig(Config{Name: "orders", PublishStateUpdates: true}, 0)
	runToRunningColdStart(t, r)

	ev := CommittedEvent{StreamID: "orders-1", EventType: "OrderPlaced", Position: CheckpointTag{Offset: 0}}
	require.NoError(t, r.rt.Handle(CommittedEventMessage{Event: ev, Sequence: 0}))
	require.NoError(t, r.rt.Handle(TickMessage{}))

	require.Len(t, r.hnd.handledEvents, 1)
	require.Equal(t, "OrderPlaced", r.hnd.handledEvents[0].EventType)

	require.Len(t, r.ckpt.eventProcessedCalls, 1)
	call := r.ckpt.eventProcessedCalls[0]
	require.Equal(t, CheckpointTag{Offset: 0}, call.tag)
	require.False(t, call.progress)
	require.Len(t, call.scheduled, 1)

	updated := call.scheduled[0]
	require.Equal(t, "StateUpdated", updated.EventType)
	require.Equal(t, RootStateStreamName("orders"), updated.Stream)

	var tag CheckpointTag
	require.NoError(t, json.Unmarshal(updated.Metadata, &tag))
	require.Equal(t, CheckpointTag{Offset: 0}, tag, "StateUpdated metadata round-trips as a bare tag, not the versioned checkpoint envelope")
}

func TestRuntimeOneTimeModeStopsItselfAtReplayUntil(t *testing.T) {
	until := CheckpointTag{Offset: 0}
	r := newTestRig(Config{Name: "orders", Mode: ModeOneTime, ReplayUntil: &until}, 0)
	runToRunningColdStart(t, r)

	ev := CommittedEvent{StreamID: "orders-1", EventType: "OrderPlaced", Position: CheckpointTag{Offset: 0}}
	require.NoError(t, r.rt.Handle(CommittedEventMessage{Event: ev, Sequence: 0}))
	require.NoError(t, r.rt.Handle(TickMessage{}))

	require.Equal(t, Stopping, r.rt.State())
	require.Equal(t, 1, r.ckpt.stopRequests)
}

func TestRuntimeOneTimeModeKeepsRunningBeforeReplayUntil(t *testing.T) {
	until := CheckpointTag{Offset: 5}
	r := newTestRig(Config{Name: "orders", Mode: ModeOneTime, ReplayUntil: &until}, 0)
	runToRunningColdStart(t, r)

	ev := CommittedEvent{StreamID: "orders-1", EventType: "OrderPlaced", Position: CheckpointTag{Offset: 0}}
	require.NoError(t, r.rt.Handle(CommittedEventMessage{Event: ev, Sequence: 0}))
	require.NoError(t, r.rt.Handle(TickMessage{}))

	require.Equal(t, Running, r.rt.State())
	require.Equal(t, 0, r.ckpt.stopRequests)
}

func TestRuntimeEmitForbiddenFaults(t *testing.T) {
	r := newTestRig(Config{Name: "orders", EmitEventEnabled: false}, 0)
	runToRunningColdStart(t, r)
	r.hnd.emit = []EmittedEvent{{Stream: "s", EventType: "Derived"}}

	ev := CommittedEvent{StreamID: "orders-1", EventType: "OrderPlaced"}
	require.NoError(t, r.rt.Handle(CommittedEventMessage{Event: ev, Sequence: 0}))
	require.NoError(t, r.rt.Handle(TickMessage{}))

	require.Equal(t, FaultedStopping, r.rt.State())
	require.Equal(t, 1, r.ckpt.stopRequests)
	require.True(t, r.bus.contains(UnsubscribeProjectionMessage{}))
}

func TestRuntimePartitionRecoveryViaBackwardScan(t *testing.T) {
	cfg := Config{Name: "orders", Mode: ModeByStream, PartitionSelector: ByStreamPartitionSelector}
	r := newTestRig(cfg, 0)
	runToRunningColdStart(t, r)

	ev := CommittedEvent{StreamID: "orders-42", EventType: "OrderPlaced", Position: CheckpointTag{Offset: 7}}
	require.NoError(t, r.rt.Handle(CommittedEventMessage{Event: ev, Sequence: 0}))
	require.NoError(t, r.rt.Handle(TickMessage{}))

	require.Empty(t, r.hnd.handledEvents, "the handler must not run before partition state is recovered")
	require.Len(t, r.read.began, 1)
	require.Equal(t, PartitionStateStreamName("orders", "orders-42"), r.read.began[0].stream)

	reqID := r.read.began[0].requestID
	recovered := &StateUpdatedRecord{State: []byte{9}, Tag: CheckpointTag{Offset: 3}}
	require.NoError(t, r.rt.Handle(ReadBackwardCompletedMessage{RequestID: reqID, Record: recovered}))

	require.Len(t, r.hnd.handledEvents, 1, "recovery completion resumes draining and runs the parked item")
	require.Equal(t, []byte{9}, r.hnd.loadedWith)
}

func TestRuntimeStaleSubscriptionMessageDropped(t *testing.T) {
	r := newTestRig(Config{Name: "orders"}, 0)
	runToRunningColdStart(t, r)

	before := r.rt.Snapshot()
	require.NoError(t, r.rt.Handle(CommittedEventMessage{Event: CommittedEvent{}, Sequence: 41}))
	after := r.rt.Snapshot()

	require.Equal(t, before, after, "a sequence that doesn't match the expected next value must be silently dropped")
	require.Empty(t, r.ckpt.eventProcessedCalls)
}

func TestRuntimeStopDuringPausedTakesPriorityOverResume(t *testing.T) {
	r := newTestRig(Config{Name: "orders"}, 0)
	runToRunningColdStart(t, r)

	require.NoError(t, r.rt.Handle(PauseRequestedMessage{}))
	require.Equal(t, Paused, r.rt.State())

	require.NoError(t, r.rt.Handle(StopMessage{}))
	require.Equal(t, Stopping, r.rt.State(), "Stop must transition straight out of Paused without passing through Resumed/Running")
	require.Equal(t, 1, r.ckpt.stoppingCalls)
	require.Equal(t, 1, r.ckpt.stopRequests)
}

func TestRuntimeCheckpointCompletedUnlocksCacheBelowTag(t *testing.T) {
	cfg := Config{Name: "orders", Mode: ModeByStream, PartitionSelector: ByStreamPartitionSelector}
	r := newTestRig(cfg, 0)
	runToRunningColdStart(t, r)
	require.NoError(t, r.rt.cache.CacheAndLock("orders-1", []byte{1}, &CheckpointTag{Offset: 1}))

	require.NoError(t, r.rt.Handle(PauseRequestedMessage{}))
	require.NoError(t, r.rt.Handle(CheckpointCompletedMessage{Tag: CheckpointTag{Offset: 5}}))

	_, err := r.rt.cache.GetLocked("orders-1")
	require.Error(t, err, "CheckpointCompleted must evict cache entries locked before its tag")
	require.Equal(t, Running, r.rt.State(), "Paused resumes straight to Running on checkpoint completion")
}

func TestRuntimeNoPostRestartMutationFromStaleReadReply(t *testing.T) {
	cfg := Config{Name: "orders", Mode: ModeByStream, PartitionSelector: ByStreamPartitionSelector}
	r := newTestRig(cfg, 0)
	runToRunningColdStart(t, r)

	ev := CommittedEvent{StreamID: "orders-42", Position: CheckpointTag{Offset: 7}}
	require.NoError(t, r.rt.Handle(CommittedEventMessage{Event: ev, Sequence: 0}))
	require.NoError(t, r.rt.Handle(TickMessage{}))
	reqID := r.read.began[0].requestID

	require.NoError(t, r.rt.Handle(RestartRequestedMessage{}))
	require.Equal(t, 1, len(r.read.canceled), "restart must cancel every outstanding read request")

	err := r.rt.Handle(ReadBackwardCompletedMessage{RequestID: reqID, Record: &StateUpdatedRecord{State: []byte{99}}})
	require.NoError(t, err, "a stale reply for a canceled request is silently dropped")
	require.Empty(t, r.hnd.handledEvents, "the stale reply must not resume draining or mutate post-restart state")
}

func TestRuntimeHandlerFailureFaultsStopping(t *testing.T) {
	r := newTestRig(Config{Name: "orders"}, 0)
	runToRunningColdStart(t, r)
	r.hnd.handleErr = errors.New("boom")

	require.NoError(t, r.rt.Handle(CommittedEventMessage{Event: CommittedEvent{}, Sequence: 0}))
	require.NoError(t, r.rt.Handle(TickMessage{}))

	require.Equal(t, FaultedStopping, r.rt.State())
	require.Contains(t, r.rt.lc.faultReason, "boom")
	require.Equal(t, 1, r.ckpt.stopRequests)
}

func TestRuntimeFaultContainmentIgnoresFurtherFaults(t *testing.T) {
	r := newTestRig(Config{Name: "orders"}, 0)
	runToRunningColdStart(t, r)
	r.hnd.handleErr = errors.New("first failure")
	require.NoError(t, r.rt.Handle(CommittedEventMessage{Event: CommittedEvent{}, Sequence: 0}))
	require.NoError(t, r.rt.Handle(TickMessage{}))
	require.Equal(t, FaultedStopping, r.rt.State())
	require.Equal(t, 1, r.ckpt.stopRequests)

	require.Error(t, r.rt.Handle(StartMessage{}))
	require.Equal(t, 1, r.ckpt.stopRequests, "once faulted, further messages must not trigger another stop-flush request")
}
