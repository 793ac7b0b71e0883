package main

import (
	"context"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/kgo-projections/runtime/projection"
)

const pollFetchTimeout = 2 * time.Second

// topicSubscription is a minimal stand-in for whatever component in a real
// deployment owns SubscribeProjectionMessage/UnsubscribeProjectionMessage: it
// polls one source topic-partition and turns each record into a
// CommittedEventMessage, numbering subscription messages from 0 as the
// sequence guard requires.
type topicSubscription struct {
	client    *kgo.Client
	topic     string
	partition int32
	bus       *loopbackBus
	next      int64
}

func newTopicSubscription(client *kgo.Client, topic string, bus *loopbackBus, partition int32) *topicSubscription {
	client.AddConsumePartitions(map[string]map[int32]kgo.Offset{
		topic: {partition: kgo.NewOffset().AtStart()},
	})
	return &topicSubscription{client: client, topic: topic, partition: partition, bus: bus}
}

func (s *topicSubscription) poll(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, pollFetchTimeout)
	defer cancel()
	fetches := s.client.PollFetches(fetchCtx)
	fetches.EachRecord(func(r *kgo.Record) {
		if r.Topic != s.topic || r.Partition != s.partition {
			return
		}
		ev := projection.CommittedEvent{
			Position:  projection.CheckpointTag{Partition: r.Partition, Offset: r.Offset},
			StreamID:  r.Topic,
			EventType: headerValue(r.Headers, "event-type"),
			EventID:   string(r.Key),
			Data:      r.Value,
			Metadata:  headerBytes(r.Headers, "metadata"),
		}
		_ = s.bus.dispatch(projection.CommittedEventMessage{Event: ev, Sequence: s.next})
		s.next++
	})
}

func headerValue(headers []kgo.RecordHeader, key string) string {
	return string(headerBytes(headers, key))
}

func headerBytes(headers []kgo.RecordHeader, key string) []byte {
	for _, h := range headers {
		if h.Key == key {
			return h.Value
		}
	}
	return nil
}
