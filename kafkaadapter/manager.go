// Package kafkaadapter is a reference implementation of
// projection.CheckpointManager and projection.ReadDispatcher backed by a real
// Kafka cluster: it treats a Kafka topic-partition as the event store itself,
// narrowed into the contracts this module's core projection.Runtime depends
// on.
package kafkaadapter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/kgo-projections/runtime/projection"
)

const consumerPollFetchTimeout = 5 * time.Second

// ManagerConfig holds the cluster identity, topic naming, and replication
// knobs a checkpoint manager needs, reconciled against the cluster before
// first use.
type ManagerConfig struct {
	Name                    string
	NumPartitions           int32
	ReplicationFactor       int16
	MinInSync               int
	UnhandledBytesThreshold int
}

func (c ManagerConfig) replicationFactor() int16 {
	if c.ReplicationFactor <= 0 {
		return 1
	}
	return c.ReplicationFactor
}

func (c ManagerConfig) minInSync() int {
	factor := int(c.replicationFactor())
	if factor <= 1 {
		return 1
	}
	if c.MinInSync >= factor {
		return factor - 1
	}
	if c.MinInSync <= 0 {
		return 1
	}
	return c.MinInSync
}

// Manager is a projection.CheckpointManager that persists emitted events to
// their own streams and checkpoint markers to a single compacted Kafka topic,
// one record per checkpoint, with the root partition's state as the record
// key (see writeCheckpoint).
type Manager struct {
	cfg       ManagerConfig
	client    *kgo.Client
	admin     *kadm.Client
	pub       projection.Publisher
	partition int32
	log       zerolog.Logger

	buffered      []projection.EmittedEvent
	bufferedBytes int
	lastTag       projection.CheckpointTag
	lastState     []byte
}

// NewManager constructs a Manager against an already-connected client. The
// caller owns client's lifecycle; Manager never opens or closes it.
func NewManager(client *kgo.Client, cfg ManagerConfig, partition int32, pub projection.Publisher, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		client:    client,
		admin:     kadm.NewClient(client),
		pub:       pub,
		partition: partition,
		log:       logger.With().Str("component", "kafkaadapter.Manager").Logger(),
	}
}

// EnsureTopics creates the checkpoint topic and the partition state-stream
// topic of each given partition key (no others), reconciling NumPartitions/
// ReplicationFactor/MinInSync the way source.go's
// minInSyncConfig/replicationFactorConfig do.
func (m *Manager) EnsureTopics(ctx context.Context, partitionKeys ...string) error {
	topics := []string{projection.CheckpointStreamName(m.cfg.Name)}
	for _, key := range partitionKeys {
		topics = append(topics, projection.PartitionStateStreamName(m.cfg.Name, key))
	}
	resp, err := m.admin.CreateTopics(ctx, m.cfg.NumPartitions, m.cfg.replicationFactor(), map[string]*string{
		"min.insync.replicas": strPtr(fmt.Sprintf("%d", m.cfg.minInSync())),
		"cleanup.policy":      strPtr("compact"),
	}, topics...)
	if err != nil {
		return fmt.Errorf("kafkaadapter: create topics: %w", err)
	}
	for _, t := range resp.Sorted() {
		if t.Err != nil && !isTopicExistsErr(t.Err) {
			return fmt.Errorf("kafkaadapter: create topic %s: %w", t.Topic, t.Err)
		}
	}
	return nil
}

func strPtr(s string) *string { return &s }

func isTopicExistsErr(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "TOPIC_ALREADY_EXISTS")
}

// Initialize implements projection.CheckpointManager.
func (m *Manager) Initialize() {
	m.buffered = nil
	m.bufferedBytes = 0
	m.lastTag = projection.ZeroTag(m.partition)
	m.lastState = nil
}

// Start implements projection.CheckpointManager.
func (m *Manager) Start(from projection.CheckpointTag) {
	m.lastTag = from
}

// BeginLoadState implements projection.CheckpointManager: it reads the last
// record polled from the checkpoint topic and publishes
// CheckpointLoadedMessage, or a nil tag on a cold start or when the record
// cannot be read or parsed.
func (m *Manager) BeginLoadState() {
	record, err := m.readLastCheckpointRecord()
	if err != nil {
		m.log.Error().Err(err).Msg("failed to read checkpoint topic")
		m.pub.Publish(projection.CheckpointLoadedMessage{})
		return
	}
	if record == nil {
		m.pub.Publish(projection.CheckpointLoadedMessage{})
		return
	}
	parsed, err := projection.ParseTagWithVersion(record.Value, projection.ProjectionVersion{ID: m.cfg.Name})
	if err != nil {
		m.log.Error().Err(err).Msg("failed to parse checkpoint record")
		m.pub.Publish(projection.CheckpointLoadedMessage{})
		return
	}
	m.pub.Publish(projection.CheckpointLoadedMessage{Tag: parsed.Tag, State: record.Key})
}

// EventProcessed implements projection.CheckpointManager: it produces the
// scheduled emissions right away and counts their bytes; once the count since
// the last checkpoint exceeds the configured unhandled-bytes threshold it
// publishes CheckpointSuggestedMessage. The checkpoint itself is written by
// RequestCheckpoint or RequestCheckpointToStop.
func (m *Manager) EventProcessed(currentState []byte, scheduled []projection.EmittedEvent, tag projection.CheckpointTag, progress bool) error {
	m.lastTag = tag
	m.lastState = currentState
	for _, e := range scheduled {
		m.bufferedBytes += len(e.Data)
	}
	m.buffered = append(m.buffered, scheduled...)

	if err := m.produceEmitted(scheduled); err != nil {
		return err
	}

	if m.cfg.UnhandledBytesThreshold > 0 && m.bufferedBytes > m.cfg.UnhandledBytesThreshold {
		m.pub.Publish(projection.CheckpointSuggestedMessage{Tag: tag})
	}
	return nil
}

// RequestCheckpoint implements projection.CheckpointManager.
func (m *Manager) RequestCheckpoint(tag projection.CheckpointTag) {
	if err := m.writeCheckpoint(tag, m.lastState); err != nil {
		m.log.Error().Err(err).Msg("failed to write suggested checkpoint")
		return
	}
	m.pub.Publish(projection.CheckpointCompletedMessage{Tag: tag})
}

// RequestCheckpointToStop implements projection.CheckpointManager: it always
// eventually publishes CheckpointCompletedMessage, even with nothing
// buffered.
func (m *Manager) RequestCheckpointToStop() {
	if err := m.writeCheckpoint(m.lastTag, m.lastState); err != nil {
		m.log.Error().Err(err).Msg("failed to flush checkpoint on stop")
	}
	m.pub.Publish(projection.CheckpointCompletedMessage{Tag: m.lastTag})
}

// Stopping implements projection.CheckpointManager.
func (m *Manager) Stopping() {}

// Stopped implements projection.CheckpointManager.
func (m *Manager) Stopped() {}

func (m *Manager) produceEmitted(scheduled []projection.EmittedEvent) error {
	if len(scheduled) == 0 {
		return nil
	}
	records := make([]*kgo.Record, 0, len(scheduled))
	for _, e := range scheduled {
		records = append(records, &kgo.Record{
			Topic: e.Stream,
			Key:   []byte(e.EventID),
			Value: e.Data,
			Headers: []kgo.RecordHeader{
				{Key: "event-type", Value: []byte(e.EventType)},
				{Key: "metadata", Value: e.Metadata},
			},
		})
	}
	results := m.client.ProduceSync(context.Background(), records...)
	return results.FirstErr()
}

// writeCheckpoint stores the checkpoint marker with the tag in the record
// value and the root partition's state in the key. This is a different
// data/metadata pairing than StateUpdated events use: the checkpoint marker
// format is opaque to the core, so this adapter is free to lay it out
// however is convenient, as long as BeginLoadState reads it back the same
// way.
func (m *Manager) writeCheckpoint(tag projection.CheckpointTag, rootState []byte) error {
	payload, err := projection.MarshalCheckpoint(projection.ProjectionVersion{ID: m.cfg.Name}, &tag, nil)
	if err != nil {
		return fmt.Errorf("kafkaadapter: marshal checkpoint: %w", err)
	}
	rec := &kgo.Record{
		Topic: projection.CheckpointStreamName(m.cfg.Name),
		Key:   rootState,
		Value: payload,
	}
	results := m.client.ProduceSync(context.Background(), rec)
	m.buffered = nil
	m.bufferedBytes = 0
	return results.FirstErr()
}

func (m *Manager) readLastCheckpointRecord() (*kgo.Record, error) {
	topic := projection.CheckpointStreamName(m.cfg.Name)
	ctx, cancel := context.WithTimeout(context.Background(), consumerPollFetchTimeout)
	defer cancel()
	var last *kgo.Record
	fetches := m.client.PollFetches(ctx)
	fetches.EachRecord(func(r *kgo.Record) {
		if r.Topic == topic {
			last = r
		}
	})
	return last, nil
}
