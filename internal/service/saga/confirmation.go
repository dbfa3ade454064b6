package saga

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/kafka"
)

// ConfirmOutcome — итог обработки подтверждения оплаты.
type ConfirmOutcome string

const (
	OutcomeApplied        ConfirmOutcome = "applied"
	OutcomeDuplicate      ConfirmOutcome = "duplicate"
	OutcomeDropped        ConfirmOutcome = "dropped"
	OutcomeUnknownReceipt ConfirmOutcome = "unknown_receipt"
)

// ConfirmPayment применяет подтверждение оплаты от провайдера.
// Поддельные, повторные и неизвестные подтверждения не считаются ошибкой:
// ошибка возвращается только если проверенное подтверждение не удалось сохранить.
// Статус исполнения заказа не меняется.
func (o *Orchestrator) ConfirmPayment(ctx context.Context, receiptID string, payload []byte, signature string) (ConfirmOutcome, error) {
	ctx, span := o.tracer.Start(ctx, "saga.ConfirmPayment")
	defer span.End()

	logger := o.logger.WithFields(log.Fields{
		"receipt_id": receiptID,
		"provider":   o.payments.Provider(),
	})

	confirmation, verdict := o.payments.VerifyConfirmation(receiptID, payload, signature)
	if verdict != domain.VerdictVerified {
		logger.WithError(domain.ErrForged).Warn("payment confirmation dropped")
		o.recordConfirmation(OutcomeDropped)
		return OutcomeDropped, nil
	}
	if receiptID == "" {
		receiptID = confirmation.ReceiptID
	}

	order, changed, err := o.orders.ApplyPayment(ctx, receiptID, confirmation.Status, confirmation.PaymentID)
	if err != nil {
		if errors.Is(err, domain.ErrReceiptNotFound) {
			logger.Warn("payment confirmation for unknown receipt")
			o.recordConfirmation(OutcomeUnknownReceipt)
			return OutcomeUnknownReceipt, nil
		}
		logger.WithError(err).Error("failed to apply payment confirmation")
		o.recordConfirmation("error")
		return "", err
	}
	if !changed {
		logger.WithField("order_id", order.ID).Debug("duplicate payment confirmation")
		o.recordConfirmation(OutcomeDuplicate)
		return OutcomeDuplicate, nil
	}

	eventType, timelineType := kafka.EventTypePaymentConfirmed, domain.TimelinePaymentPaid
	if order.PaymentStatus == domain.PaymentStatusFailed {
		eventType, timelineType = kafka.EventTypePaymentFailed, domain.TimelinePaymentFailed
	}
	o.emit(order, eventType, timelineType, "", map[string]interface{}{
		"receipt_id": receiptID,
		"payment_id": confirmation.PaymentID,
	})
	logger.WithFields(log.Fields{
		"order_id":       order.ID,
		"payment_status": order.PaymentStatus,
	}).Info("payment confirmation applied")
	o.recordConfirmation(OutcomeApplied)
	return OutcomeApplied, nil
}

func (o *Orchestrator) recordConfirmation(outcome ConfirmOutcome) {
	if o.metrics != nil {
		o.metrics.RecordConfirmation(string(outcome))
	}
}
