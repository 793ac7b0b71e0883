package kafkaadapter

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/kgo-projections/runtime/internal/sak"
	"github.com/kgo-projections/runtime/projection"
)

const backwardPageSize = 500

// ReadDispatcher is a projection.ReadDispatcher that recovers partition state
// by walking a Kafka partition state-stream backward, page by page, looking
// for the most recent StateUpdated record whose metadata tag precedes the
// requested position. Each BeginReadBackward spawns one goroutine forked off
// a shared sak.RunStatus, so Cancel (used on RestartRequested) halts exactly
// that fork without disturbing others.
type ReadDispatcher struct {
	seeds     []string
	pub       projection.Publisher
	runStatus sak.RunStatus
	log       zerolog.Logger

	mu      sync.Mutex
	cancels map[uint64]context.CancelFunc
}

// NewReadDispatcher returns a ReadDispatcher that opens short-lived direct
// consumers against the given seed brokers for each backward scan.
func NewReadDispatcher(seeds []string, pub projection.Publisher, logger zerolog.Logger) *ReadDispatcher {
	return &ReadDispatcher{
		seeds:     seeds,
		pub:       pub,
		runStatus: sak.NewRunStatus(context.Background()),
		log:       logger.With().Str("component", "kafkaadapter.ReadDispatcher").Logger(),
		cancels:   make(map[uint64]context.CancelFunc),
	}
}

// Close halts every outstanding scan.
func (d *ReadDispatcher) Close() {
	d.runStatus.Halt()
}

// BeginReadBackward implements projection.ReadDispatcher.
func (d *ReadDispatcher) BeginReadBackward(ctx context.Context, requestID uint64, stream string, before projection.CheckpointTag) {
	fork := d.runStatus.Fork()
	scanCtx, cancel := context.WithCancel(fork.Ctx())

	d.mu.Lock()
	d.cancels[requestID] = cancel
	d.mu.Unlock()

	go d.scan(scanCtx, requestID, stream, before)
}

// Cancel implements projection.ReadDispatcher.
func (d *ReadDispatcher) Cancel(requestID uint64) {
	d.mu.Lock()
	cancel, ok := d.cancels[requestID]
	delete(d.cancels, requestID)
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

func (d *ReadDispatcher) complete(requestID uint64) (found bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, found = d.cancels[requestID]
	delete(d.cancels, requestID)
	return found
}

// scan walks stream backward in pages of backwardPageSize records, starting
// just before the offset implied by before, looking for a StateUpdated
// record whose metadata tag is < before. Each page that turns up nothing
// reopens a new client one more page further back, until a qualifying record
// is found or the partition's log start (offset 0) is reached.
func (d *ReadDispatcher) scan(ctx context.Context, requestID uint64, stream string, before projection.CheckpointTag) {
	windowEnd := before.Offset
	for {
		windowStart := pageStart(windowEnd)
		record, err := d.scanPage(ctx, stream, before, windowStart)
		if err != nil {
			d.reportOrDrop(requestID, nil, err)
			return
		}
		if record != nil {
			d.reportOrDrop(requestID, record, nil)
			return
		}
		if windowStart == 0 {
			// Exhausted the whole partition without finding a qualifying record.
			d.reportOrDrop(requestID, nil, nil)
			return
		}
		windowEnd = windowStart
	}
}

func (d *ReadDispatcher) scanPage(ctx context.Context, stream string, before projection.CheckpointTag, windowStart int64) (*projection.StateUpdatedRecord, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(d.seeds...),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			stream: {before.Partition: kgo.NewOffset().At(windowStart)},
		}),
	)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	var best *projection.StateUpdatedRecord
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		fetches := client.PollFetches(fetchCtx)
		cancel()
		if fetches.IsClientClosed() {
			return best, nil
		}
		empty := true
		stop := false
		fetches.EachRecord(func(r *kgo.Record) {
			if r.Partition != before.Partition {
				return
			}
			empty = false
			if r.Offset >= before.Offset {
				stop = true
				return
			}
			meta := headerValue(r.Headers, "metadata")
			tag, err := projection.ParseTag(meta)
			if err != nil || tag == nil || !tag.Less(before) {
				return
			}
			if best == nil || best.Tag.Less(*tag) {
				best = &projection.StateUpdatedRecord{State: r.Value, Tag: *tag}
			}
		})
		if stop || empty {
			// Either reached before's offset (this page is fully scanned) or
			// the partition's tip (nothing more will ever arrive).
			return best, nil
		}
	}
}

func (d *ReadDispatcher) reportOrDrop(requestID uint64, record *projection.StateUpdatedRecord, err error) {
	if !d.complete(requestID) {
		// Canceled before completion; drop the reply so a late scan can
		// never mutate state after a restart.
		return
	}
	d.pub.Publish(projection.ReadBackwardCompletedMessage{RequestID: requestID, Record: record, Err: err})
}

func headerValue(headers []kgo.RecordHeader, key string) []byte {
	for _, h := range headers {
		if h.Key == key {
			return h.Value
		}
	}
	return nil
}

// pageStart returns the offset backwardPageSize records before offset, never
// going negative.
func pageStart(offset int64) int64 {
	start := offset - backwardPageSize
	if start < 0 {
		return 0
	}
	return start
}
