package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const defaultIntentTimeout = 10 * time.Second

// GateOptions задаёт параметры платёжного шлюза.
type GateOptions struct {
	Logger        *log.Entry
	Breaker       *CircuitBreaker
	IntentTimeout time.Duration
}

// GateOption настраивает Gate.
type GateOption func(*GateOptions)

func WithLogger(logger *log.Entry) GateOption {
	return func(opts *GateOptions) { opts.Logger = logger }
}

// WithBreaker защищает вызовы провайдера circuit breaker'ом.
func WithBreaker(breaker *CircuitBreaker) GateOption {
	return func(opts *GateOptions) { opts.Breaker = breaker }
}

func WithIntentTimeout(timeout time.Duration) GateOption {
	return func(opts *GateOptions) { opts.IntentTimeout = timeout }
}

// Gate создаёт платёжные намерения и проверяет подтверждения оплаты.
type Gate struct {
	processor domain.PaymentProcessor
	verifier  Verifier
	breaker   *CircuitBreaker
	timeout   time.Duration
	logger    *log.Entry
}

func NewGate(processor domain.PaymentProcessor, verifier Verifier, options ...GateOption) *Gate {
	opts := GateOptions{IntentTimeout: defaultIntentTimeout}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "payment-gate")
	}
	if opts.IntentTimeout <= 0 {
		opts.IntentTimeout = defaultIntentTimeout
	}
	return &Gate{
		processor: processor,
		verifier:  verifier,
		breaker:   opts.Breaker,
		timeout:   opts.IntentTimeout,
		logger:    opts.Logger.WithField("provider", processor.Name()),
	}
}

// Provider возвращает код платёжного провайдера.
func (g *Gate) Provider() string {
	return g.processor.Name()
}

// CreateIntent создаёт намерение на полную сумму заказа.
// Любая ошибка провайдера или открытый breaker возвращаются как ErrProcessorUnavailable.
func (g *Gate) CreateIntent(ctx context.Context, orderID string, amountMinor int64, currency string) (domain.PaymentIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var intent domain.PaymentIntent
	call := func() error {
		var err error
		intent, err = g.processor.CreateIntent(ctx, orderID, amountMinor, currency)
		return err
	}

	var err error
	if g.breaker != nil {
		err = g.breaker.Execute("create_intent", call)
	} else {
		err = call()
	}
	if err != nil {
		g.logger.WithError(err).WithField("order_id", orderID).Warn("payment intent creation failed")
		if errors.Is(err, domain.ErrProcessorUnavailable) {
			return domain.PaymentIntent{}, err
		}
		return domain.PaymentIntent{}, fmt.Errorf("%w: %w", domain.ErrProcessorUnavailable, err)
	}
	if intent.Provider == "" {
		intent.Provider = g.processor.Name()
	}
	return intent, nil
}

// VerifyConfirmation проверяет подпись и разбирает подтверждение.
// Подтверждение для другой квитанции считается поддельным.
func (g *Gate) VerifyConfirmation(receiptID string, payload []byte, signature string) (domain.PaymentConfirmation, domain.PaymentVerdict) {
	if !g.verifier.Verify(payload, signature) {
		return domain.PaymentConfirmation{}, domain.VerdictForged
	}

	confirmation, err := g.processor.ParseConfirmation(payload)
	if err != nil {
		g.logger.WithError(err).WithField("receipt_id", receiptID).Warn("verified confirmation is malformed")
		return domain.PaymentConfirmation{}, domain.VerdictForged
	}
	if receiptID != "" && confirmation.ReceiptID != receiptID {
		g.logger.WithFields(log.Fields{
			"receipt_id": receiptID,
			"payload_id": confirmation.ReceiptID,
		}).Warn("confirmation receipt mismatch")
		return domain.PaymentConfirmation{}, domain.VerdictForged
	}
	return confirmation, domain.VerdictVerified
}
