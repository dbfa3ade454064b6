package saga

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/kafka"
)

// cashReceiptPrefix — префикс кассового чека для заказов с оплатой наличными.
const cashReceiptPrefix = "INV-"

// CartLine — позиция корзины с ценой из каталога на момент оформления.
type CartLine struct {
	ItemID     string
	Name       string
	Qty        int32
	PriceMinor int64
}

// PlaceOrderCommand — запрос на оформление заказа.
type PlaceOrderCommand struct {
	CustomerID  string
	AddressID   string
	Cart        []CartLine
	PaymentMode domain.PaymentMode
	Currency    string
}

func (c PlaceOrderCommand) validate() error {
	if c.CustomerID == "" {
		return domain.ErrCustomerRequired
	}
	if c.AddressID == "" {
		return fmt.Errorf("%w: address id is empty", domain.ErrInvalidAddress)
	}
	if !c.PaymentMode.Valid() {
		return domain.ErrPaymentModeInvalid
	}
	if len(c.Cart) == 0 {
		return domain.ErrItemsRequired
	}
	var subtotal int64
	for _, line := range c.Cart {
		if line.ItemID == "" {
			return domain.ErrItemIDRequired
		}
		if line.Qty <= 0 {
			return domain.ErrItemQtyInvalid
		}
		if line.PriceMinor < 0 {
			return domain.ErrItemPriceInvalid
		}
		if line.PriceMinor > 0 && int64(line.Qty) > (math.MaxInt64-subtotal)/line.PriceMinor {
			return domain.ErrAmountOverflow
		}
		subtotal += int64(line.Qty) * line.PriceMinor
	}
	return nil
}

// Placement — результат оформления.
type Placement struct {
	Order domain.Order
	// Intent заполнен для онлайн-оплаты после успешного создания намерения.
	Intent     *domain.PaymentIntent
	DistanceKm float64
}

// PlaceOrder маршрутизирует заказ на ближайший склад, резервирует сток и сохраняет заказ.
// Если провайдер не создал намерение, заказ остаётся pending с удержанным резервом,
// а вызывающему возвращаются Placement и ошибка ErrProcessorUnavailable.
func (o *Orchestrator) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (placement Placement, err error) {
	ctx, span := o.tracer.Start(ctx, "saga.PlaceOrder")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	result := "failed"
	if o.metrics != nil {
		done := o.metrics.PlacementStarted()
		defer func() { done(result) }()
	}

	if err := cmd.validate(); err != nil {
		return Placement{}, err
	}
	if cmd.Currency == "" {
		cmd.Currency = o.currency
	}
	logger := o.logger.WithFields(log.Fields{
		"customer_id": cmd.CustomerID,
		"address_id":  cmd.AddressID,
	})

	destination, err := o.lookupAddress(ctx, cmd.AddressID)
	if err != nil {
		logger.WithError(err).Warn("address lookup failed")
		return Placement{}, err
	}

	stepCtx, end := o.startStep(ctx, domain.PlacementStepRoute)
	candidate, err := o.resolver.Resolve(stepCtx, destination)
	end(err)
	if err != nil {
		logger.WithError(err).Warn("depot resolution failed")
		return Placement{}, err
	}
	depotID := candidate.Depot.ID
	span.SetAttributes(
		attribute.String("depot.id", depotID),
		attribute.Float64("depot.distance_km", candidate.DistanceKm),
	)
	if o.metrics != nil {
		o.metrics.RecordRouteDistance(candidate.DistanceKm)
	}
	logger = logger.WithField("depot_id", depotID)

	order := o.buildOrder(cmd, destination, depotID)

	stepCtx, end = o.startStep(ctx, domain.PlacementStepReserve)
	err = o.stock.ReserveLines(stepCtx, depotID, order.StockLines())
	end(err)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientStock) && o.metrics != nil {
			o.metrics.RecordStockConflict(depotID)
		}
		logger.WithError(err).Warn("stock reservation failed")
		return Placement{}, err
	}

	if errs := order.ValidateInvariants(); len(errs) > 0 {
		err = errors.Join(errs...)
		_ = o.releaseStock(ctx, order, "order invariants violated")
		return Placement{}, err
	}

	stepCtx, end = o.startStep(ctx, domain.PlacementStepPersist)
	err = o.orders.Create(stepCtx, order)
	end(err)
	if err != nil {
		logger.WithError(err).Error("order persistence failed, releasing stock")
		if relErr := o.releaseStock(ctx, order, "order persistence failed"); relErr != nil {
			return Placement{}, errors.Join(err, relErr)
		}
		return Placement{}, err
	}

	o.emit(order, kafka.EventTypeStockReserved, "", "", map[string]interface{}{"lines": order.StockLines()})
	o.emit(order, kafka.EventTypeOrderPlaced, domain.TimelineOrderPlaced, "", map[string]interface{}{
		"amount_minor": order.AmountMinor,
		"currency":     order.Currency,
		"payment_mode": string(order.PaymentMode),
		"distance_km":  candidate.DistanceKm,
	})
	logger.WithField("order_id", order.ID).Info("order placed")

	placement = Placement{Order: order, DistanceKm: candidate.DistanceKm}
	if order.PaymentMode == domain.PaymentModeCash {
		result = "success"
		return placement, nil
	}

	intent, err := o.attachIntent(ctx, &placement.Order)
	if err != nil {
		result = "intent_failed"
		return placement, err
	}
	placement.Intent = &intent
	result = "success"
	return placement, nil
}

// RetryPayment создаёт новое платёжное намерение для онлайн-заказа без квитанции или с неуспешной оплатой.
func (o *Orchestrator) RetryPayment(ctx context.Context, orderID, customerID string) (Placement, error) {
	ctx, span := o.tracer.Start(ctx, "saga.RetryPayment")
	defer span.End()

	order, err := o.orders.Get(ctx, orderID)
	if err != nil {
		return Placement{}, err
	}
	if order.CustomerID != customerID {
		return Placement{Order: order}, domain.ErrForbidden
	}
	if !paymentRetryable(order) {
		return Placement{Order: order}, domain.ErrPaymentNotRetryable
	}

	intent, err := o.attachIntent(ctx, &order)
	if err != nil {
		return Placement{Order: order}, err
	}
	return Placement{Order: order, Intent: &intent}, nil
}

func paymentRetryable(order domain.Order) bool {
	if order.PaymentMode != domain.PaymentModeOnline || order.Status == domain.OrderStatusCancelled {
		return false
	}
	return order.ReceiptID == "" || order.PaymentStatus == domain.PaymentStatusFailed
}

// attachIntent создаёт намерение на полную сумму заказа и сохраняет его ID как квитанцию.
func (o *Orchestrator) attachIntent(ctx context.Context, order *domain.Order) (domain.PaymentIntent, error) {
	logger := o.logger.WithField("order_id", order.ID)

	stepCtx, end := o.startStep(ctx, domain.PlacementStepIntent)
	intent, err := o.payments.CreateIntent(stepCtx, order.ID, order.AmountMinor, order.Currency)
	end(err)
	if err != nil {
		logger.WithError(err).Warn("payment intent creation failed, order kept pending")
		o.emit(*order, kafka.EventTypePaymentIntentFailed, domain.TimelineIntentFailed, err.Error(), nil)
		return domain.PaymentIntent{}, err
	}

	_, err = o.mutate(ctx, order, func(current *domain.Order) (bool, error) {
		if !paymentRetryable(*current) {
			return false, domain.ErrPaymentNotRetryable
		}
		current.ReceiptID = intent.ID
		current.PaymentStatus = domain.PaymentStatusPending
		return true, nil
	})
	if err != nil {
		logger.WithError(err).Error("failed to attach receipt to order")
		return domain.PaymentIntent{}, err
	}

	o.emit(*order, kafka.EventTypePaymentIntentCreated, domain.TimelineIntentCreated, "", map[string]interface{}{
		"receipt_id": intent.ID,
		"provider":   intent.Provider,
	})
	logger.WithField("receipt_id", intent.ID).Info("payment intent attached")
	return intent, nil
}

func (o *Orchestrator) lookupAddress(ctx context.Context, addressID string) (domain.Coordinate, error) {
	ctx, end := o.startStep(ctx, domain.PlacementStepAddress)
	coordinate, err := o.resolveAddress(ctx, addressID)
	end(err)
	return coordinate, err
}

func (o *Orchestrator) resolveAddress(ctx context.Context, addressID string) (domain.Coordinate, error) {
	coordinate, err := o.addresses.Lookup(ctx, addressID)
	if err == nil {
		err = coordinate.Validate()
	} else if errors.Is(err, domain.ErrAddressNotFound) || errors.Is(err, domain.ErrNoCoordinates) {
		err = fmt.Errorf("%w: %w", domain.ErrInvalidAddress, err)
	}
	return coordinate, err
}

// buildOrder фиксирует цены корзины в позициях заказа.
func (o *Orchestrator) buildOrder(cmd PlaceOrderCommand, destination domain.Coordinate, depotID string) domain.Order {
	now := o.now()
	order := domain.Order{
		ID:               uuid.NewString(),
		CustomerID:       cmd.CustomerID,
		AddressID:        cmd.AddressID,
		Destination:      destination,
		DepotID:          depotID,
		Status:           domain.OrderStatusPending,
		PaymentMode:      cmd.PaymentMode,
		PaymentStatus:    domain.PaymentStatusPending,
		Currency:         cmd.Currency,
		DeliveryFeeMinor: o.deliveryFee,
		Items:            make([]domain.OrderItem, 0, len(cmd.Cart)),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, line := range cmd.Cart {
		order.Items = append(order.Items, domain.OrderItem{
			ID:         uuid.NewString(),
			ItemID:     line.ItemID,
			Name:       line.Name,
			Qty:        line.Qty,
			PriceMinor: line.PriceMinor,
			CreatedAt:  now,
		})
		order.SubtotalMinor += int64(line.Qty) * line.PriceMinor
	}
	order.AmountMinor = order.SubtotalMinor + order.DeliveryFeeMinor
	if cmd.PaymentMode == domain.PaymentModeCash {
		order.ReceiptID = cashReceiptPrefix + ulid.Make().String()
	}
	return order
}
