package domain

import (
	"fmt"
	"strings"
	"time"
)

// TimelineEventType — вид записи в истории заказа.
type TimelineEventType string

const (
	TimelineOrderPlaced   TimelineEventType = "OrderPlaced"
	TimelineIntentCreated TimelineEventType = "PaymentIntentCreated"
	TimelineIntentFailed  TimelineEventType = "PaymentIntentFailed"
	TimelinePaymentPaid   TimelineEventType = "PaymentConfirmed"
	TimelinePaymentFailed TimelineEventType = "PaymentFailed"
	TimelineStatusChanged TimelineEventType = "StatusChanged"
	TimelineStockReleased TimelineEventType = "StockReleased"
	TimelineReleaseFailed TimelineEventType = "StockReleaseFailed"
	TimelineCashSettled   TimelineEventType = "CashSettled"
)

// MaxTimelineEvents — сколько записей хранилище отдаёт по одному заказу.
const MaxTimelineEvents = 500

func (t TimelineEventType) Valid() bool {
	switch t {
	case TimelineOrderPlaced, TimelineIntentCreated, TimelineIntentFailed,
		TimelinePaymentPaid, TimelinePaymentFailed, TimelineStatusChanged,
		TimelineStockReleased, TimelineReleaseFailed, TimelineCashSettled:
		return true
	default:
		return false
	}
}

// TimelineEvent описывает событие в жизненном цикле заказа.
type TimelineEvent struct {
	OrderID  string
	Type     TimelineEventType
	Reason   string
	Occurred time.Time
}

// Validate проверяет запись перед сохранением.
func (e TimelineEvent) Validate() error {
	if strings.TrimSpace(e.OrderID) == "" {
		return fmt.Errorf("%w: order_id is required", ErrTimelineEventInvalid)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrTimelineEventInvalid, e.Type)
	}
	return nil
}

// TimelineRepository хранит историю заказа. Append отклоняет записи, не прошедшие Validate.
type TimelineRepository interface {
	Append(event TimelineEvent) error
	List(orderID string) ([]TimelineEvent, error)
}
