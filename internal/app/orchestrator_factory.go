package app

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/payment"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/routing"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/saga"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/stock"
)

const tracerName = "github.com/vladislavdragonenkov/fulfillment"

// buildPaymentGate собирает платёжный шлюз с circuit breaker вокруг провайдера.
func buildPaymentGate(cfg Config, logger *log.Entry) (*payment.Gate, error) {
	var (
		processor domain.PaymentProcessor
		verifier  payment.Verifier
	)
	switch cfg.PaymentProvider {
	case PaymentProviderLocal:
		processor = payment.NewLocalProcessor()
		verifier = payment.NewHMACVerifier(cfg.PaymentWebhookSecret)
	case PaymentProviderStripe:
		stripeProcessor, err := payment.NewStripeProcessor(cfg.StripeAPIKey, nil)
		if err != nil {
			return nil, err
		}
		processor = stripeProcessor
		verifier = payment.NewStripeVerifier(cfg.StripeWebhookSecret)
	default:
		return nil, fmt.Errorf("unsupported payment provider %q", cfg.PaymentProvider)
	}

	gateLogger := logger.WithField("component", "payment-gate")
	breaker := payment.NewCircuitBreaker(cfg.BreakerMaxFailures, cfg.BreakerResetTimeout, gateLogger)
	return payment.NewGate(processor, verifier,
		payment.WithLogger(gateLogger),
		payment.WithBreaker(breaker),
		payment.WithIntentTimeout(cfg.PaymentIntentTimeout),
	), nil
}

// createOrchestrator связывает хранилища, маршрутизацию, сток и оплату.
func createOrchestrator(cfg Config, deps *runtimeDependencies, gate saga.PaymentGate, orderMetrics *metrics.OrderMetrics, logger *log.Entry) (*saga.Orchestrator, error) {
	directory := routing.NewCachedDirectory(deps.depots, cfg.DepotCacheTTL, logger.WithField("component", "depot-directory"))

	options := []saga.Option{
		saga.WithLogger(logger.WithField("component", "orchestrator")),
		saga.WithTracer(otel.Tracer(tracerName)),
		saga.WithDeliveryFee(cfg.DeliveryFeeMinor),
		saga.WithDepotCache(directory),
	}
	if cfg.Currency != "" {
		options = append(options, saga.WithCurrency(cfg.Currency))
	}
	if orderMetrics != nil {
		options = append(options, saga.WithMetrics(orderMetrics))
	}

	return saga.NewOrchestrator(saga.Deps{
		Orders:    deps.repo,
		Addresses: deps.addresses,
		Depots:    deps.depots,
		Resolver:  routing.NewResolver(directory),
		Stock:     stock.NewLedger(deps.stock, logger.WithField("component", "stock-ledger")),
		Payments:  gate,
		Outbox:    deps.outboxRepo,
		Timeline:  deps.timelineRepo,
	}, options...)
}
