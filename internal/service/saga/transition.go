package saga

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/kafka"
)

// Transition переводит заказ в target от имени actor.
// При ErrInvalidTransition и ErrForbidden вместе с ошибкой возвращается текущий заказ.
func (o *Orchestrator) Transition(ctx context.Context, orderID string, actor domain.Actor, target domain.OrderStatus) (domain.Order, error) {
	ctx, span := o.tracer.Start(ctx, "saga.Transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.target_status", string(target)),
		attribute.String("actor.role", string(actor.Role)),
	)

	order, err := o.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	logger := o.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"depot_id": order.DepotID,
		"actor":    actor.ID,
		"role":     actor.Role,
		"target":   target,
	})

	if !actorInScope(actor, order) {
		o.recordTransition(target, "forbidden")
		logger.Warn("actor is not allowed to act on order")
		return order, domain.ErrForbidden
	}

	var from domain.OrderStatus
	var settled bool
	changed, err := o.mutate(ctx, &order, func(current *domain.Order) (bool, error) {
		from = current.Status
		next, changed, err := domain.Transition(current.ID, current.Status, target, actor.Role)
		if err != nil || !changed {
			return false, err
		}
		current.Status = next
		// Наличные считаются полученными при вручении заказа.
		settled = next == domain.OrderStatusDelivered &&
			current.PaymentMode == domain.PaymentModeCash &&
			current.PaymentStatus != domain.PaymentStatusPaid
		if settled {
			current.PaymentStatus = domain.PaymentStatusPaid
		}
		return true, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidTransition):
			o.recordTransition(target, "rejected")
		case errors.Is(err, domain.ErrForbidden):
			o.recordTransition(target, "forbidden")
		default:
			o.recordTransition(target, "error")
		}
		logger.WithError(err).Warn("transition rejected")
		return order, err
	}
	if !changed {
		o.recordTransition(target, "noop")
		return order, nil
	}

	o.recordTransition(target, "ok")
	o.emit(order, kafka.EventTypeOrderStatusChanged, domain.TimelineStatusChanged, "", map[string]interface{}{
		"from":       string(from),
		"to":         string(order.Status),
		"actor_id":   actor.ID,
		"actor_role": string(actor.Role),
	})
	if settled {
		o.emit(order, kafka.EventTypePaymentConfirmed, domain.TimelineCashSettled, "cash collected on delivery", map[string]interface{}{
			"receipt_id": order.ReceiptID,
		})
	}
	logger.WithField("from", from).Info("order status changed")

	if order.Status == domain.OrderStatusCancelled {
		// Отмена уже сохранена; сбой возврата фиксируется событием для ручной сверки.
		_ = o.releaseStock(ctx, order, "order cancelled")
	}
	return order, nil
}

// actorInScope проверяет, что оператор работает со своим складом, а клиент со своим заказом.
func actorInScope(actor domain.Actor, order domain.Order) bool {
	switch actor.Role {
	case domain.ActorSystem:
		return true
	case domain.ActorOperator:
		return actor.DepotID != "" && actor.DepotID == order.DepotID
	case domain.ActorCustomer:
		return actor.ID != "" && actor.ID == order.CustomerID
	default:
		return false
	}
}

func (o *Orchestrator) recordTransition(target domain.OrderStatus, result string) {
	if o.metrics != nil {
		o.metrics.RecordTransition(string(target), result)
	}
}
