package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/outbox"
)

var replayedAt = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func header(key, value string) *sarama.RecordHeader {
	return &sarama.RecordHeader{Key: []byte(key), Value: []byte(value)}
}

// confirmationDLQMessage повторяет запись, которую consumer подтверждений кладёт в DLQ.
func confirmationDLQMessage(partition int32, offset int64) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Topic:     "oms.dlq",
		Partition: partition,
		Offset:    offset,
		Key:       []byte("rcpt-1"),
		Value:     []byte(`{"receipt_id":"rcpt-1","order_id":"order-1","outcome":"succeeded"}`),
		Headers: []*sarama.RecordHeader{
			header(kafka.HeaderOriginalTopic, kafka.TopicPaymentConfirmations),
			header(kafka.HeaderErrorMessage, "storage unavailable"),
			header(kafka.HeaderFailedAt, "2026-01-01T00:00:00Z"),
			header(kafka.HeaderRetryCount, "3"),
			header(kafka.HeaderReceiptID, "rcpt-1"),
			header(kafka.HeaderSignature, "sig"),
		},
	}
}

// outboxDLQMessage — запись, которую outbox-диспетчер публикует после исчерпания попыток.
func outboxDLQMessage(t *testing.T, offset int64) *sarama.ConsumerMessage {
	t.Helper()
	dead, err := json.Marshal(outbox.DeadLetter{
		OutboxID:      "evt-1",
		AggregateType: "order",
		AggregateID:   "order-1",
		EventType:     "order.placed",
		Payload:       json.RawMessage(`{"order_id":"order-1","depot_id":"D1"}`),
		PublishError:  "broker down",
		Attempts:      3,
		FailedAt:      replayedAt.Add(-time.Hour),
	})
	require.NoError(t, err)
	value, err := json.Marshal(kafka.OutboxEnvelope{
		ID:          "dlq-evt-1",
		AggregateID: "order-1",
		EventType:   "outbox.dead_letter",
		Payload:     dead,
		PublishedAt: replayedAt.Add(-time.Hour),
	})
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Topic: "oms.dlq", Offset: offset, Key: []byte("order-1"), Value: value}
}

func TestRestoreConsumedRecord(t *testing.T) {
	rec, err := restore(confirmationDLQMessage(0, 0), kafka.TopicOrderEvents, replayedAt)
	require.NoError(t, err)

	assert.Equal(t, kafka.TopicPaymentConfirmations, rec.Topic)
	assert.Equal(t, "rcpt-1", rec.Key)
	assert.JSONEq(t, `{"receipt_id":"rcpt-1","order_id":"order-1","outcome":"succeeded"}`, string(rec.Value))
	assert.Equal(t, map[string]string{kafka.HeaderReceiptID: "rcpt-1", kafka.HeaderSignature: "sig"}, rec.Headers)

	msg := confirmationDLQMessage(0, 0)
	msg.Key = nil
	rec, err = restore(msg, kafka.TopicOrderEvents, replayedAt)
	require.NoError(t, err)
	assert.Equal(t, "rcpt-1", rec.Key, "receipt header replaces a missing key")

	msg.Value = nil
	_, err = restore(msg, kafka.TopicOrderEvents, replayedAt)
	assert.ErrorContains(t, err, "empty value")
}

func TestRestoreOutboxRecord(t *testing.T) {
	rec, err := restore(outboxDLQMessage(t, 0), kafka.TopicOrderEvents, replayedAt)
	require.NoError(t, err)

	assert.Equal(t, kafka.TopicOrderEvents, rec.Topic)
	assert.Equal(t, "order-1", rec.Key)
	assert.Equal(t, "order.placed", rec.Headers[kafka.HeaderEventType])

	var envelope kafka.OutboxEnvelope
	require.NoError(t, json.Unmarshal(rec.Value, &envelope))
	assert.Equal(t, "evt-1", envelope.ID)
	assert.Equal(t, "order", envelope.AggregateType)
	assert.JSONEq(t, `{"order_id":"order-1","depot_id":"D1"}`, string(envelope.Payload))
	assert.True(t, envelope.PublishedAt.Equal(replayedAt))
}

func TestRestoreRejectsUnknownRecords(t *testing.T) {
	for name, value := range map[string]string{
		"not json":           `garbage`,
		"no payload":         `{"id":"x"}`,
		"payload not object": `{"id":"x","payload":"not-an-object"}`,
		"no original event":  `{"id":"x","payload":{"outbox_id":"x"}}`,
		"null original":      `{"id":"x","payload":{"outbox_id":"x","payload":null}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := restore(&sarama.ConsumerMessage{Value: []byte(value)}, kafka.TopicOrderEvents, replayedAt)
			assert.Error(t, err)
		})
	}
}

func TestDrainDryRunPublishesNothing(t *testing.T) {
	cfg := config{sourceTopic: "oms.dlq", eventsTopic: "oms.order.events", idleTimeout: 20 * time.Millisecond}
	source := &stubSource{consumers: map[int32]partitionConsumer{
		0: replayed(confirmationDLQMessage(0, 0), outboxDLQMessage(t, 1)),
	}}
	r := newTestReplayer(cfg, &stubOffsets{ranges: map[int32][2]int64{0: {0, 2}}}, source, nil)

	stats, err := r.drain(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, replayStats{processed: 2, replayed: 2}, stats)
	require.Len(t, source.calls, 1)
	assert.Equal(t, int64(0), source.calls[0].offset)
}

func TestDrainExecuteSendsRestoredRecords(t *testing.T) {
	cfg := config{sourceTopic: "oms.dlq", eventsTopic: "oms.order.events", execute: true, idleTimeout: 20 * time.Millisecond}
	source := &stubSource{consumers: map[int32]partitionConsumer{
		0: replayed(confirmationDLQMessage(0, 0), outboxDLQMessage(t, 1)),
	}}
	sink := &stubSink{}
	r := newTestReplayer(cfg, &stubOffsets{ranges: map[int32][2]int64{0: {0, 2}}}, source, sink)

	stats, err := r.drain(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.replayed)
	require.Len(t, sink.sent, 2)
	assert.Equal(t, kafka.TopicPaymentConfirmations, sink.sent[0].Topic)
	assert.NotContains(t, sink.sent[0].Headers, kafka.HeaderErrorMessage)
	assert.Equal(t, kafka.TopicOrderEvents, sink.sent[1].Topic)
}

func TestDrainStartOffset(t *testing.T) {
	cfg := config{sourceTopic: "oms.dlq", eventsTopic: "oms.order.events", fromNewest: true, idleTimeout: 20 * time.Millisecond}
	offsets := &stubOffsets{ranges: map[int32][2]int64{0: {2, 10}}}

	source := &stubSource{consumers: map[int32]partitionConsumer{0: replayed()}}
	_, err := newTestReplayer(cfg, offsets, source, nil).drain(context.Background(), 0, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(7), source.calls[0].offset)

	source = &stubSource{consumers: map[int32]partitionConsumer{0: replayed()}}
	_, err = newTestReplayer(cfg, offsets, source, nil).drain(context.Background(), 0, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(2), source.calls[0].offset, "start never precedes the oldest offset")
}

func TestDrainIgnoresMessagesPastSnapshot(t *testing.T) {
	cfg := config{sourceTopic: "oms.dlq", eventsTopic: "oms.order.events", idleTimeout: 20 * time.Millisecond}
	source := &stubSource{consumers: map[int32]partitionConsumer{0: replayed(confirmationDLQMessage(0, 5))}}

	stats, err := newTestReplayer(cfg, &stubOffsets{ranges: map[int32][2]int64{0: {0, 1}}}, source, nil).drain(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Zero(t, stats.processed)
}

func TestDrainFailures(t *testing.T) {
	cfg := config{sourceTopic: "oms.dlq", eventsTopic: "oms.order.events", execute: true, idleTimeout: 20 * time.Millisecond}
	ranges := map[int32][2]int64{0: {0, 2}}

	_, err := newTestReplayer(cfg, &stubOffsets{offsetErr: errors.New("offset")}, &stubSource{}, &stubSink{}).drain(context.Background(), 0, 1)
	assert.ErrorContains(t, err, "oldest offset")

	_, err = newTestReplayer(cfg, &stubOffsets{ranges: ranges}, &stubSource{consumeErr: errors.New("consume")}, &stubSink{}).drain(context.Background(), 0, 1)
	assert.ErrorContains(t, err, "consume partition")

	broken := silent()
	broken.errors <- &sarama.ConsumerError{Err: errors.New("consumer boom")}
	source := &stubSource{consumers: map[int32]partitionConsumer{0: broken}}
	_, err = newTestReplayer(cfg, &stubOffsets{ranges: ranges}, source, &stubSink{}).drain(context.Background(), 0, 1)
	assert.ErrorContains(t, err, "consumer boom")

	source = &stubSource{consumers: map[int32]partitionConsumer{0: replayed(confirmationDLQMessage(0, 0))}}
	_, err = newTestReplayer(cfg, &stubOffsets{ranges: ranges}, source, &stubSink{sendErr: errors.New("send fail")}).drain(context.Background(), 0, 1)
	assert.ErrorContains(t, err, "send fail")
}

func TestDrainSkipsGarbage(t *testing.T) {
	cfg := config{sourceTopic: "oms.dlq", eventsTopic: "oms.order.events", execute: true, idleTimeout: 20 * time.Millisecond}
	source := &stubSource{consumers: map[int32]partitionConsumer{
		0: replayed(&sarama.ConsumerMessage{Offset: 0, Value: []byte(`{"id":"x","payload":"not-an-object"}`)}),
	}}
	sink := &stubSink{}

	stats, err := newTestReplayer(cfg, &stubOffsets{ranges: map[int32][2]int64{0: {0, 1}}}, source, sink).drain(context.Background(), 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.skipped)
	assert.Empty(t, sink.sent)
}

func TestDrainIdleAndCanceled(t *testing.T) {
	cfg := config{sourceTopic: "oms.dlq", eventsTopic: "oms.order.events", idleTimeout: 10 * time.Millisecond}
	offsets := &stubOffsets{ranges: map[int32][2]int64{0: {0, 2}}}

	idle := silent()
	stats, err := newTestReplayer(cfg, offsets, &stubSource{consumers: map[int32]partitionConsumer{0: idle}}, nil).drain(context.Background(), 0, 1)
	require.NoError(t, err)
	assert.Zero(t, stats.processed)
	assert.True(t, idle.closed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = newTestReplayer(cfg, offsets, &stubSource{consumers: map[int32]partitionConsumer{0: silent()}}, nil).drain(ctx, 0, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
