package saga

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/routing"
)

const (
	tracerName = "github.com/vladislavdragonenkov/fulfillment/internal/service/saga"

	defaultCurrency  = "INR"
	defaultListLimit = 50
	maxListLimit     = 200
)

// DepotResolver выбирает ближайший склад для точки доставки.
type DepotResolver interface {
	Resolve(ctx context.Context, destination domain.Coordinate) (routing.Candidate, error)
	Rank(ctx context.Context, destination domain.Coordinate) ([]routing.Candidate, error)
}

// StockLedger резервирует и возвращает сток склада.
type StockLedger interface {
	ReserveLines(ctx context.Context, depotID string, lines []domain.StockLine) error
	ReleaseLines(ctx context.Context, depotID string, lines []domain.StockLine) error
	Quantity(ctx context.Context, depotID, itemID string) (int64, error)
	SetQuantity(ctx context.Context, depotID, itemID string, qty int64) error
}

// PaymentGate создаёт платёжные намерения и проверяет подтверждения.
type PaymentGate interface {
	Provider() string
	CreateIntent(ctx context.Context, orderID string, amountMinor int64, currency string) (domain.PaymentIntent, error)
	VerifyConfirmation(receiptID string, payload []byte, signature string) (domain.PaymentConfirmation, domain.PaymentVerdict)
}

// DepotStore возвращает склад по ID, включая неактивные, и сохраняет изменения справочника.
type DepotStore interface {
	Get(ctx context.Context, id string) (domain.Depot, error)
	Upsert(ctx context.Context, depot domain.Depot) error
}

// DepotCache — кэш справочника складов перед маршрутизацией.
type DepotCache interface {
	Invalidate()
}

// Deps — обязательные зависимости оркестратора.
type Deps struct {
	Orders    domain.OrderRepository
	Addresses domain.AddressBook
	Depots    DepotStore
	Resolver  DepotResolver
	Stock     StockLedger
	Payments  PaymentGate
	Outbox    domain.OutboxRepository
	Timeline  domain.TimelineRepository
}

func (d Deps) validate() error {
	switch {
	case d.Orders == nil:
		return errors.New("saga: orders repository is required")
	case d.Addresses == nil:
		return errors.New("saga: address book is required")
	case d.Depots == nil:
		return errors.New("saga: depot store is required")
	case d.Resolver == nil:
		return errors.New("saga: depot resolver is required")
	case d.Stock == nil:
		return errors.New("saga: stock ledger is required")
	case d.Payments == nil:
		return errors.New("saga: payment gate is required")
	case d.Outbox == nil:
		return errors.New("saga: outbox repository is required")
	}
	return nil
}

// Option настраивает оркестратор.
type Option func(*Orchestrator)

func WithLogger(logger *log.Entry) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics включает метрики; без опции оркестратор их не пишет.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithDepotCache сбрасывает кэш складов после каждого изменения справочника.
func WithDepotCache(cache DepotCache) Option {
	return func(o *Orchestrator) { o.depotCache = cache }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = tracer }
}

// WithDeliveryFee задаёт фиксированную стоимость доставки в минимальных единицах.
func WithDeliveryFee(feeMinor int64) Option {
	return func(o *Orchestrator) { o.deliveryFee = feeMinor }
}

// WithCurrency задаёт валюту по умолчанию для заказов без явной валюты.
func WithCurrency(currency string) Option {
	return func(o *Orchestrator) { o.currency = currency }
}

// Orchestrator оформляет заказы и ведёт их по жизненному циклу.
type Orchestrator struct {
	orders     domain.OrderRepository
	addresses  domain.AddressBook
	depots     DepotStore
	depotCache DepotCache
	resolver   DepotResolver
	stock      StockLedger
	payments   PaymentGate
	outbox     domain.OutboxRepository
	timeline   domain.TimelineRepository

	deliveryFee int64
	currency    string
	logger      *log.Entry
	metrics     *metrics.OrderMetrics
	tracer      trace.Tracer
	now         func() time.Time
}

// NewOrchestrator создаёт оркестратор.
func NewOrchestrator(deps Deps, options ...Option) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		orders:    deps.Orders,
		addresses: deps.Addresses,
		depots:    deps.Depots,
		resolver:  deps.Resolver,
		stock:     deps.Stock,
		payments:  deps.Payments,
		outbox:    deps.Outbox,
		timeline:  deps.Timeline,
		currency:  defaultCurrency,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(o)
	}
	if o.logger == nil {
		o.logger = log.WithField("component", "saga")
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	if o.deliveryFee < 0 {
		o.deliveryFee = 0
	}
	return o, nil
}

// mutate загружает заказ, применяет apply и сохраняет с optimistic locking.
// При конфликте версий заказ перечитывается и apply применяется заново.
func (o *Orchestrator) mutate(ctx context.Context, order *domain.Order, apply func(*domain.Order) (bool, error)) (bool, error) {
	const maxRetries = 3
	const baseDelay = 10 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		next := *order
		next.Items = append([]domain.OrderItem(nil), order.Items...)

		changed, err := apply(&next)
		if err != nil || !changed {
			return false, err
		}
		next.UpdatedAt = o.now()

		err = o.orders.Save(ctx, next)
		if err == nil {
			next.Version++
			*order = next
			return true, nil
		}
		if !domain.IsVersionConflict(err) || attempt == maxRetries-1 {
			o.logger.WithError(err).WithFields(log.Fields{
				"order_id": order.ID,
				"attempt":  attempt + 1,
			}).Error("failed to persist order")
			return false, err
		}

		o.logger.WithFields(log.Fields{
			"order_id": order.ID,
			"attempt":  attempt + 1,
			"version":  order.Version,
		}).Warn("version conflict detected, retrying")

		fresh, loadErr := o.orders.Get(ctx, order.ID)
		if loadErr != nil {
			o.logger.WithError(loadErr).WithField("order_id", order.ID).Error("failed to reload order after conflict")
			return false, loadErr
		}
		*order = fresh

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(baseDelay * time.Duration(1<<uint(attempt))):
		}
	}
	return false, domain.ErrOrderVersionConflict
}

// emit пишет событие в outbox и таймлайн заказа. Ошибки логируются и не прерывают операцию.
func (o *Orchestrator) emit(order domain.Order, eventType kafka.EventType, timelineType domain.TimelineEventType, reason string, metadata map[string]interface{}) {
	occurred := o.now()
	event := kafka.OrderEvent{
		EventType:     eventType,
		OrderID:       order.ID,
		CustomerID:    order.CustomerID,
		DepotID:       order.DepotID,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		Timestamp:     occurred,
		Reason:        reason,
		Metadata:      metadata,
	}
	fields := log.Fields{"order_id": order.ID, "event": eventType}

	data, err := json.Marshal(event)
	if err != nil {
		o.logger.WithError(err).WithFields(fields).Error("marshal event failed")
		return
	}
	msg := domain.OutboxMessage{
		AggregateType: domain.OutboxAggregateOrder,
		AggregateID:   order.ID,
		EventType:     string(eventType),
		Payload:       data,
	}
	if _, err := o.outbox.Enqueue(msg); err != nil {
		o.logger.WithError(err).WithFields(fields).Error("enqueue event failed")
	} else if o.metrics != nil {
		o.metrics.RecordOutboxEvent()
	}

	if o.timeline == nil || timelineType == "" {
		return
	}
	if err := o.timeline.Append(domain.TimelineEvent{
		OrderID:  order.ID,
		Type:     timelineType,
		Reason:   reason,
		Occurred: occurred,
	}); err != nil {
		o.logger.WithError(err).WithFields(fields).Warn("append timeline event failed")
	} else if o.metrics != nil {
		o.metrics.RecordTimelineEvent()
	}
}

// startStep открывает span шага и возвращает функцию его завершения.
func (o *Orchestrator) startStep(ctx context.Context, step domain.PlacementStep) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "placement."+string(step))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if o.metrics != nil {
			o.metrics.RecordStepDuration(string(step), time.Since(start))
		}
	}
}

// releaseStock возвращает сток заказа независимо от отмены ctx вызывающего.
func (o *Orchestrator) releaseStock(ctx context.Context, order domain.Order, reason string) error {
	ctx, end := o.startStep(context.WithoutCancel(ctx), domain.PlacementStepRelease)
	err := o.stock.ReleaseLines(ctx, order.DepotID, order.StockLines())
	end(err)

	if o.metrics != nil {
		o.metrics.RecordCompensation(err == nil)
	}
	if err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"depot_id": order.DepotID,
		}).Error("stock release failed")
		o.emit(order, kafka.EventTypeStockReleaseFailed, domain.TimelineReleaseFailed, err.Error(), nil)
		return err
	}
	o.emit(order, kafka.EventTypeStockReleased, domain.TimelineStockReleased, reason, nil)
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
