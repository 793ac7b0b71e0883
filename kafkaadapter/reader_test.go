package kafkaadapter

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/kgo-projections/runtime/internal/sak"
	"github.com/kgo-projections/runtime/projection"
)

func TestPageStartNeverGoesNegative(t *testing.T) {
	require.Equal(t, int64(0), pageStart(10))
	require.Equal(t, int64(0), pageStart(backwardPageSize))
	require.Equal(t, int64(1), pageStart(backwardPageSize+1))
}

func TestHeaderValueFindsByKey(t *testing.T) {
	headers := []kgo.RecordHeader{
		{Key: "event-type", Value: []byte("OrderPlaced")},
		{Key: "metadata", Value: []byte(`{"partition":0,"offset":3}`)},
	}
	require.Equal(t, []byte("OrderPlaced"), headerValue(headers, "event-type"))
	require.Equal(t, []byte(`{"partition":0,"offset":3}`), headerValue(headers, "metadata"))
	require.Nil(t, headerValue(headers, "missing"))
}

type capturingPublisher struct {
	messages []any
}

func (p *capturingPublisher) Publish(msg any) { p.messages = append(p.messages, msg) }

func TestReadDispatcherCancelBeforeCompletionDropsReply(t *testing.T) {
	pub := &capturingPublisher{}
	d := &ReadDispatcher{
		pub:       pub,
		runStatus: sak.NewRunStatus(context.Background()),
		log:       zerolog.Nop(),
		cancels:   make(map[uint64]context.CancelFunc),
	}
	d.cancels[7] = func() {}

	d.Cancel(7)
	require.False(t, d.complete(7), "a canceled request id is removed from cancels, so complete reports false")

	d.reportOrDrop(7, &projection.StateUpdatedRecord{}, nil)
	require.Empty(t, pub.messages, "reportOrDrop must not publish for a request that was already canceled")
}

func TestReadDispatcherReportsOnceForLiveRequest(t *testing.T) {
	pub := &capturingPublisher{}
	d := &ReadDispatcher{
		pub:       pub,
		runStatus: sak.NewRunStatus(context.Background()),
		log:       zerolog.Nop(),
		cancels:   make(map[uint64]context.CancelFunc),
	}
	d.cancels[9] = func() {}

	record := &projection.StateUpdatedRecord{State: []byte("s"), Tag: projection.CheckpointTag{Offset: 1}}
	d.reportOrDrop(9, record, nil)

	require.Len(t, pub.messages, 1)
	msg, ok := pub.messages[0].(projection.ReadBackwardCompletedMessage)
	require.True(t, ok)
	require.Equal(t, uint64(9), msg.RequestID)
	require.Equal(t, record, msg.Record)
}
