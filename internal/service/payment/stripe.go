package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type stripeIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeProcessor создаёт PaymentIntent в Stripe.
type StripeProcessor struct {
	intents stripeIntentAPI
}

// NewStripeProcessor создаёт провайдер поверх официального клиента Stripe.
func NewStripeProcessor(apiKey string, backends *stripe.Backends) (*StripeProcessor, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("stripe: api key is required")
	}
	sc := client.New(apiKey, backends)
	return &StripeProcessor{intents: sc.PaymentIntents}, nil
}

func newStripeProcessorWithAPI(api stripeIntentAPI) *StripeProcessor {
	return &StripeProcessor{intents: api}
}

func (p *StripeProcessor) Name() string { return "stripe" }

// CreateIntent использует ID заказа как ключ идемпотентности Stripe.
func (p *StripeProcessor) CreateIntent(ctx context.Context, orderID string, amountMinor int64, currency string) (domain.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountMinor),
		Currency: stripe.String(strings.ToLower(currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey("intent-" + orderID)
	params.AddMetadata("order_id", orderID)

	pi, err := p.intents.New(params)
	if err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}
	return domain.PaymentIntent{
		ID:           pi.ID,
		Provider:     p.Name(),
		AmountMinor:  pi.Amount,
		Currency:     strings.ToUpper(string(pi.Currency)),
		ClientSecret: pi.ClientSecret,
	}, nil
}

// ParseConfirmation разбирает событие webhook Stripe о результате PaymentIntent.
func (p *StripeProcessor) ParseConfirmation(payload []byte) (domain.PaymentConfirmation, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return domain.PaymentConfirmation{}, fmt.Errorf("stripe: decode event: %w", err)
	}
	if event.Data == nil {
		return domain.PaymentConfirmation{}, errors.New("stripe: event without data")
	}

	var status domain.PaymentStatus
	switch string(event.Type) {
	case "payment_intent.succeeded":
		status = domain.PaymentStatusPaid
	case "payment_intent.payment_failed":
		status = domain.PaymentStatusFailed
	default:
		return domain.PaymentConfirmation{}, fmt.Errorf("stripe: unsupported event type %q", event.Type)
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return domain.PaymentConfirmation{}, fmt.Errorf("stripe: decode payment intent: %w", err)
	}
	confirmation := domain.PaymentConfirmation{ReceiptID: pi.ID, Status: status}
	if pi.LatestCharge != nil {
		confirmation.PaymentID = pi.LatestCharge.ID
	}
	return confirmation, nil
}

// StripeVerifier проверяет заголовок Stripe-Signature.
type StripeVerifier struct {
	secret string
}

func NewStripeVerifier(webhookSecret string) *StripeVerifier {
	return &StripeVerifier{secret: webhookSecret}
}

func (v *StripeVerifier) Verify(payload []byte, signature string) bool {
	if v.secret == "" {
		return false
	}
	return webhook.ValidatePayload(payload, signature, v.secret) == nil
}

var (
	_ domain.PaymentProcessor = (*StripeProcessor)(nil)
	_ Verifier                = (*StripeVerifier)(nil)
	_ Verifier                = (*HMACVerifier)(nil)
)
