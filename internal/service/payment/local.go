package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// LocalProcessor — встроенный провайдер для разработки и тестов.
// Квитанции выдаются локально, подтверждения подписываются общим HMAC-секретом.
type LocalProcessor struct {
	// Fail, если задан, возвращается из CreateIntent (имитация недоступности провайдера).
	Fail error
}

func NewLocalProcessor() *LocalProcessor {
	return &LocalProcessor{}
}

func (p *LocalProcessor) Name() string { return "local" }

func (p *LocalProcessor) CreateIntent(ctx context.Context, orderID string, amountMinor int64, currency string) (domain.PaymentIntent, error) {
	if err := ctx.Err(); err != nil {
		return domain.PaymentIntent{}, err
	}
	if p.Fail != nil {
		return domain.PaymentIntent{}, p.Fail
	}
	if amountMinor < 0 {
		return domain.PaymentIntent{}, domain.ErrAmountNegative
	}
	return domain.PaymentIntent{
		ID:          "order_" + ulid.Make().String(),
		Provider:    p.Name(),
		AmountMinor: amountMinor,
		Currency:    currency,
	}, nil
}

// Confirmation — JSON-представление подтверждения локального провайдера.
type Confirmation struct {
	ReceiptID string `json:"receipt_id"`
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
}

// ParseConfirmation принимает JSON или форму checkout-подписи "receipt|payment".
func (p *LocalProcessor) ParseConfirmation(payload []byte) (domain.PaymentConfirmation, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return domain.PaymentConfirmation{}, errors.New("empty confirmation payload")
	}

	if payload[0] != '{' {
		receipt, paymentID, ok := strings.Cut(string(payload), "|")
		if !ok || receipt == "" || paymentID == "" {
			return domain.PaymentConfirmation{}, errors.New("checkout confirmation must be receipt|payment")
		}
		return domain.PaymentConfirmation{ReceiptID: receipt, PaymentID: paymentID, Status: domain.PaymentStatusPaid}, nil
	}

	var c Confirmation
	if err := json.Unmarshal(payload, &c); err != nil {
		return domain.PaymentConfirmation{}, fmt.Errorf("decode confirmation: %w", err)
	}
	if c.ReceiptID == "" {
		return domain.PaymentConfirmation{}, errors.New("confirmation without receipt_id")
	}
	status, err := parseStatus(c.Status)
	if err != nil {
		return domain.PaymentConfirmation{}, err
	}
	return domain.PaymentConfirmation{ReceiptID: c.ReceiptID, PaymentID: c.PaymentID, Status: status}, nil
}

func parseStatus(raw string) (domain.PaymentStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "paid", "captured", "succeeded":
		return domain.PaymentStatusPaid, nil
	case "failed":
		return domain.PaymentStatusFailed, nil
	default:
		return "", fmt.Errorf("unknown confirmation status %q", raw)
	}
}

var _ domain.PaymentProcessor = (*LocalProcessor)(nil)
