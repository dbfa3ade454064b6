package domain

import "time"

// OutboxAggregateOrder — тип агрегата для всех событий заказа.
const OutboxAggregateOrder = "order"

// OutboxMessage — событие, записанное вместе с изменением заказа и ждущее публикации.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats — состояние очереди неотправленных событий.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
	// FailedCount — события, ушедшие в DLQ после исчерпания попыток.
	FailedCount int
}

// Lag — возраст самого старого неотправленного события; ноль при пустой очереди.
func (s OutboxStats) Lag(now time.Time) time.Duration {
	if s.PendingCount == 0 || s.OldestPendingAt.IsZero() || now.Before(s.OldestPendingAt) {
		return 0
	}
	return now.Sub(s.OldestPendingAt)
}

// OutboxPublisher передаёт событие брокеру. Повторная публикация того же ID допустима.
type OutboxPublisher interface {
	Publish(event OutboxMessage) error
}

// OutboxRepository хранит события до публикации.
// MarkSent и MarkFailed выводят событие из очереди, повторно оно не выдаётся.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}
