package kafka

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// Record — сообщение для отправки: значение уже сериализовано, заголовки строковые.
type Record struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Producer отправляет события заказов, записи DLQ и подтверждения оплаты.
type Producer struct {
	producer sarama.SyncProducer
	logger   *log.Entry
	now      func() time.Time
}

// NewProducer создаёт идемпотентный синхронный producer.
func NewProducer(brokers []string, clientID string) (*Producer, error) {
	producer, err := sarama.NewSyncProducer(brokers, producerConfig(clientID))
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewProducerFromSync(producer), nil
}

// producerConfig: события одного заказа не должны дублироваться и переставляться,
// поэтому acks=all, idempotent и один запрос в полёте на соединение.
func producerConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	if clientID != "" {
		config.ClientID = clientID
	}
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Idempotent = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Net.MaxOpenRequests = 1
	return config
}

// NewProducerFromSync оборачивает готовый SyncProducer (моки sarama в тестах).
func NewProducerFromSync(producer sarama.SyncProducer) *Producer {
	return &Producer{
		producer: producer,
		logger:   log.WithField("component", "kafka-producer"),
		now:      time.Now,
	}
}

// Send отправляет запись и ждёт подтверждения брокера.
func (p *Producer) Send(rec Record) error {
	msg := &sarama.ProducerMessage{
		Topic:     rec.Topic,
		Value:     sarama.ByteEncoder(rec.Value),
		Timestamp: p.now(),
	}
	if rec.Key != "" {
		msg.Key = sarama.StringEncoder(rec.Key)
	}
	// порядок заголовков стабилен, чтобы одинаковые записи выглядели одинаково
	for _, k := range slices.Sorted(maps.Keys(rec.Headers)) {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(rec.Headers[k])})
	}

	partition, offset, err := p.producer.SendMessage(msg)
	fields := log.Fields{"topic": rec.Topic, "key": rec.Key}
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Error("kafka send failed")
		return fmt.Errorf("send to %s: %w", rec.Topic, err)
	}

	fields["partition"], fields["offset"] = partition, offset
	p.logger.WithFields(fields).Debug("kafka record sent")
	return nil
}

func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
