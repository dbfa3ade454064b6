package main

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/outbox"
)

var errNotReplayable = errors.New("message is not a dlq record")

// diagnosticHeaders добавляет consumer при отправке в DLQ; при повторе они не нужны.
var diagnosticHeaders = []string{
	kafka.HeaderOriginalTopic,
	kafka.HeaderErrorMessage,
	kafka.HeaderFailedAt,
	kafka.HeaderRetryCount,
}

type replayStats struct {
	processed int
	replayed  int
	skipped   int
}

func (s *replayStats) merge(other replayStats) {
	s.processed += other.processed
	s.replayed += other.replayed
	s.skipped += other.skipped
}

// Run обходит partition'ы по возрастанию, пока не исчерпан общий лимит.
func (r *replayer) Run(ctx context.Context) (replayStats, error) {
	var total replayStats
	switch {
	case r.offsets == nil || r.source == nil:
		return total, errors.New("kafka client and consumer are required")
	case r.cfg.execute && r.sink == nil:
		return total, errors.New("producer is required in execute mode")
	}

	partitions, err := r.offsets.Partitions(r.cfg.sourceTopic)
	if err != nil {
		return total, fmt.Errorf("list partitions of %s: %w", r.cfg.sourceTopic, err)
	}
	slices.Sort(partitions)

	for _, partition := range partitions {
		budget := r.cfg.limit - total.processed
		if budget <= 0 {
			break
		}
		stats, err := r.drain(ctx, partition, budget)
		total.merge(stats)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// drain читает partition до снимка newest, взятого на старте, до budget сообщений
// или до паузы длиннее idleTimeout.
func (r *replayer) drain(ctx context.Context, partition int32, budget int) (replayStats, error) {
	var stats replayStats

	oldest, err := r.offsets.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("oldest offset of partition %d: %w", partition, err)
	}
	newest, err := r.offsets.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("newest offset of partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	start := oldest
	if r.cfg.fromNewest {
		start = max(newest-int64(budget), oldest)
	}

	pc, err := r.source.ConsumePartition(r.cfg.sourceTopic, partition, start)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.cfg.idleTimeout)
	defer idle.Stop()

	for stats.processed < budget {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-idle.C:
			return stats, nil
		case cerr := <-pc.Errors():
			if cerr != nil {
				return stats, fmt.Errorf("partition %d: %w", partition, cerr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return stats, nil
			}
			idle.Reset(r.cfg.idleTimeout)
			stats.processed++

			if err := r.replay(msg); err != nil {
				if !errors.Is(err, errSkipped) {
					return stats, err
				}
				stats.skipped++
			} else {
				stats.replayed++
			}
			if msg.Offset+1 >= newest {
				return stats, nil
			}
		}
	}
	return stats, nil
}

var errSkipped = errors.New("skipped")

// replay публикует восстановленную запись или, в dry-run, только логирует её.
func (r *replayer) replay(msg *sarama.ConsumerMessage) error {
	entry := log.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	rec, err := restore(msg, r.cfg.eventsTopic, r.now().UTC())
	if err != nil {
		entry.WithError(err).Warn("skip unsupported dlq message")
		return errSkipped
	}
	if !r.cfg.execute {
		entry.WithFields(log.Fields{"target_topic": rec.Topic, "key": rec.Key}).Info("dlq replay candidate")
		return nil
	}
	if err := r.sink.Send(rec); err != nil {
		return fmt.Errorf("publish replay of offset %d: %w", msg.Offset, err)
	}
	return nil
}

// restore восстанавливает исходную запись из DLQ. Записи consumer'а несут исходный topic
// в заголовке, записи outbox упакованы в outbox.DeadLetter внутри конверта.
func restore(msg *sarama.ConsumerMessage, eventsTopic string, now time.Time) (kafka.Record, error) {
	if original := kafka.Header(msg, kafka.HeaderOriginalTopic); original != "" {
		return restoreConsumed(msg, original)
	}
	return restoreOutbox(msg, eventsTopic, now)
}

func restoreConsumed(msg *sarama.ConsumerMessage, topic string) (kafka.Record, error) {
	if len(msg.Value) == 0 {
		return kafka.Record{}, fmt.Errorf("dlq record for %s has empty value", topic)
	}

	rec := kafka.Record{
		Topic:   topic,
		Key:     string(msg.Key),
		Value:   slices.Clone(msg.Value),
		Headers: make(map[string]string, len(msg.Headers)),
	}
	for _, h := range msg.Headers {
		if h != nil && !slices.Contains(diagnosticHeaders, string(h.Key)) {
			rec.Headers[string(h.Key)] = string(h.Value)
		}
	}
	if rec.Key == "" {
		rec.Key = rec.Headers[kafka.HeaderReceiptID]
	}
	return rec, nil
}

func restoreOutbox(msg *sarama.ConsumerMessage, topic string, now time.Time) (kafka.Record, error) {
	var wrapper kafka.OutboxEnvelope
	if err := json.Unmarshal(msg.Value, &wrapper); err != nil || len(wrapper.Payload) == 0 {
		return kafka.Record{}, errNotReplayable
	}

	var dead outbox.DeadLetter
	if err := json.Unmarshal(wrapper.Payload, &dead); err != nil {
		return kafka.Record{}, fmt.Errorf("decode outbox dead letter: %w", err)
	}
	if len(dead.Payload) == 0 || string(dead.Payload) == "null" {
		return kafka.Record{}, errors.New("outbox dead letter carries no original payload")
	}

	original := kafka.OutboxEnvelope{
		ID:            cmp.Or(dead.OutboxID, wrapper.ID),
		AggregateType: cmp.Or(dead.AggregateType, wrapper.AggregateType),
		AggregateID:   cmp.Or(dead.AggregateID, wrapper.AggregateID),
		EventType:     cmp.Or(dead.EventType, wrapper.EventType),
		Payload:       dead.Payload,
		PublishedAt:   now,
	}
	return original.Record(topic)
}
