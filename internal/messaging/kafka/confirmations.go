package kafka

import (
	"context"
	"errors"

	"github.com/IBM/sarama"
)

// ConfirmFunc применяет подтверждение оплаты; ошибка означает, что сообщение нужно повторить.
type ConfirmFunc func(ctx context.Context, receiptID string, payload []byte, signature string) error

// ErrMissingReceipt — сообщение без заголовка квитанции.
var ErrMissingReceipt = errors.New("payment confirmation without receipt header")

// NewConfirmationHandler адаптирует ConfirmFunc к MessageHandler.
// Квитанция и подпись передаются заголовками, тело сообщения — исходный payload провайдера.
func NewConfirmationHandler(confirm ConfirmFunc) MessageHandler {
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		receiptID := Header(message, HeaderReceiptID)
		if receiptID == "" {
			receiptID = string(message.Key)
		}
		if receiptID == "" {
			return ErrMissingReceipt
		}
		return confirm(ctx, receiptID, message.Value, Header(message, HeaderSignature))
	}
}
