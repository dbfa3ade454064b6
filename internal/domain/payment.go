package domain

import "context"

// PaymentStatus описывает состояние оплаты заказа.
type PaymentStatus string

const (
	// PaymentStatusPending — оплата ещё не подтверждена (для наличных — до вручения).
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusPaid — провайдер подтвердил оплату.
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusFailed — провайдер сообщил о неуспешной оплате.
	PaymentStatusFailed PaymentStatus = "failed"
)

func (s PaymentStatus) Valid() bool {
	return s == PaymentStatusPending || s == PaymentStatusPaid || s == PaymentStatusFailed
}

// PaymentProcessor — платёжный провайдер: создаёт намерения и разбирает подтверждения.
// Подпись подтверждения проверяется до ParseConfirmation.
type PaymentProcessor interface {
	// Name — код провайдера для логов и метрик.
	Name() string
	CreateIntent(ctx context.Context, orderID string, amountMinor int64, currency string) (PaymentIntent, error)
	ParseConfirmation(payload []byte) (PaymentConfirmation, error)
}

// PaymentIntent — платёжное намерение у провайдера. В заказе хранится только ID.
type PaymentIntent struct {
	ID           string
	Provider     string
	AmountMinor  int64
	Currency     string
	ClientSecret string
}

// PaymentConfirmation — разобранное подтверждение оплаты от провайдера.
type PaymentConfirmation struct {
	ReceiptID string
	PaymentID string
	Status    PaymentStatus
}

// PaymentVerdict — результат проверки подписи подтверждения.
type PaymentVerdict string

const (
	VerdictVerified PaymentVerdict = "verified"
	VerdictForged   PaymentVerdict = "forged"
)

// CanApplyPayment сообщает, меняет ли подтверждение текущий статус оплаты.
// Оплаченный заказ больше не меняет статус оплаты.
func CanApplyPayment(current, next PaymentStatus) bool {
	switch {
	case current == PaymentStatusPaid:
		return false
	case current == next:
		return false
	case next == PaymentStatusPaid:
		return true
	case next == PaymentStatusFailed:
		return current == PaymentStatusPending
	default:
		return false
	}
}

// CanApplyReceipt учитывает, какой квитанцией пришло подтверждение.
// Квитанция, заменённая повторной оплатой, может только перевести заказ в paid.
func CanApplyReceipt(order Order, receiptID string, next PaymentStatus) bool {
	if receiptID != order.ReceiptID && next != PaymentStatusPaid {
		return false
	}
	return CanApplyPayment(order.PaymentStatus, next)
}
