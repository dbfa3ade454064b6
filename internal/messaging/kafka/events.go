package kafka

import "time"

// EventType определяет тип события заказа.
type EventType string

const (
	EventTypeOrderPlaced          EventType = "order.placed"
	EventTypeOrderStatusChanged   EventType = "order.status_changed"
	EventTypePaymentIntentCreated EventType = "payment.intent_created"
	EventTypePaymentIntentFailed  EventType = "payment.intent_failed"
	EventTypePaymentConfirmed     EventType = "payment.confirmed"
	EventTypePaymentFailed        EventType = "payment.failed"
	EventTypeStockReserved        EventType = "stock.reserved"
	EventTypeStockReleased        EventType = "stock.released"
	EventTypeStockReleaseFailed   EventType = "stock.release_failed"
)

// Topics для Kafka
const (
	TopicOrderEvents          = "oms.order.events"
	TopicPaymentConfirmations = "oms.payment.confirmations"
	TopicDeadLetterQueue      = "oms.dlq"
)

// Kafka headers
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	// Заголовки подтверждения оплаты: квитанция и подпись провайдера.
	HeaderReceiptID = "x-receipt-id"
	HeaderSignature = "x-signature"
)

// OrderEvent — событие заказа, публикуемое через outbox.
type OrderEvent struct {
	EventType     EventType              `json:"event_type"`
	OrderID       string                 `json:"order_id"`
	CustomerID    string                 `json:"customer_id"`
	DepotID       string                 `json:"depot_id"`
	Status        string                 `json:"status"`
	PaymentStatus string                 `json:"payment_status"`
	Timestamp     time.Time              `json:"timestamp"`
	Reason        string                 `json:"reason,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}
