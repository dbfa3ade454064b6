package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// HeaderEventType дублирует тип события из конверта, чтобы подписчики фильтровали без разбора JSON.
const HeaderEventType = "x-event-type"

var errPublisherNotInitialized = errors.New("kafka outbox publisher is not initialized")

// OutboxEnvelope — формат события заказа во внешнем topic.
// Тот же конверт несёт записи outbox в DLQ; тогда Payload содержит outbox.DeadLetter.
type OutboxEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewOutboxEnvelope упаковывает сообщение outbox; пустой payload становится JSON null.
func NewOutboxEnvelope(msg domain.OutboxMessage, publishedAt time.Time) OutboxEnvelope {
	payload := json.RawMessage(msg.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return OutboxEnvelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       payload,
		PublishedAt:   publishedAt.UTC(),
	}
}

// Key — ключ партиционирования: все события заказа попадают в одну партицию.
func (e OutboxEnvelope) Key() string {
	if e.AggregateID != "" {
		return e.AggregateID
	}
	return e.ID
}

// Record сериализует конверт в запись для topic.
func (e OutboxEnvelope) Record(topic string) (Record, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return Record{}, fmt.Errorf("encode outbox envelope %s: %w", e.ID, err)
	}
	return Record{
		Topic:   topic,
		Key:     e.Key(),
		Value:   data,
		Headers: map[string]string{HeaderEventType: e.EventType},
	}, nil
}

// OutboxTopicPublisher публикует outbox-сообщения в один topic.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

// NewOutboxPublisher создаёт Kafka-паблишер для transactional outbox. Пустой topic — события заказов.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &OutboxTopicPublisher{producer: producer, topic: topic, now: time.Now}
}

func (p *OutboxTopicPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errPublisherNotInitialized
	}
	rec, err := NewOutboxEnvelope(event, p.now()).Record(p.topic)
	if err != nil {
		return err
	}
	return p.producer.Send(rec)
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
