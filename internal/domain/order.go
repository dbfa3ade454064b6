package domain

import (
	"context"
	"time"
)

// OrderStatus описывает этап исполнения заказа.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан, сток зарезервирован, ждёт решения склада.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusAccepted — склад принял заказ в работу.
	OrderStatusAccepted OrderStatus = "accepted"
	// OrderStatusCancelled — заказ отклонён складом или отменён клиентом.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusShipped — заказ передан в доставку.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered — заказ вручён клиенту.
	OrderStatusDelivered OrderStatus = "delivered"
)

// Valid проверяет, что статус известен.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusAccepted, OrderStatusCancelled, OrderStatusShipped, OrderStatusDelivered:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что из статуса нет переходов.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCancelled || s == OrderStatusDelivered
}

// PaymentMode — способ оплаты заказа.
type PaymentMode string

const (
	PaymentModeCash   PaymentMode = "cash"
	PaymentModeOnline PaymentMode = "online"
)

func (m PaymentMode) Valid() bool {
	return m == PaymentModeCash || m == PaymentModeOnline
}

// OrderItem представляет одну позицию заказа со снимком цены на момент оформления.
type OrderItem struct {
	// ID позиции нужен для однозначной идентификации и аудита.
	ID string
	// ItemID — идентификатор товара в каталоге и в стоке склада.
	ItemID string
	Name   string
	Qty    int32
	// PriceMinor — цена за единицу в минимальных денежных единицах.
	PriceMinor int64
	CreatedAt  time.Time
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID          string
	CustomerID  string
	AddressID   string
	Destination Coordinate
	// DepotID назначается один раз при оформлении и больше не меняется.
	DepotID          string
	Status           OrderStatus
	PaymentMode      PaymentMode
	PaymentStatus    PaymentStatus
	Currency         string
	SubtotalMinor    int64
	DeliveryFeeMinor int64
	AmountMinor      int64
	// ReceiptID — идентификатор платёжного намерения или кассового чека.
	ReceiptID string
	PaymentID string
	Items     []OrderItem
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.CustomerID == "" {
		errs = append(errs, ErrCustomerRequired)
	}
	if o.DepotID == "" {
		errs = append(errs, ErrDepotRequired)
	}
	if o.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if !o.PaymentMode.Valid() {
		errs = append(errs, ErrPaymentModeInvalid)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if o.AmountMinor < 0 || o.DeliveryFeeMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}

	var calc int64
	for _, item := range o.Items {
		if item.ItemID == "" {
			errs = append(errs, ErrItemIDRequired)
		}
		if item.Qty <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.PriceMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		calc += int64(item.Qty) * item.PriceMinor
	}
	if calc != o.SubtotalMinor || o.SubtotalMinor+o.DeliveryFeeMinor != o.AmountMinor {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}

// StockLines сворачивает позиции заказа в строки резерва.
func (o *Order) StockLines() []StockLine {
	lines := make([]StockLine, 0, len(o.Items))
	for _, item := range o.Items {
		lines = append(lines, StockLine{ItemID: item.ItemID, Qty: int64(item.Qty)})
	}
	return lines
}

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ. Возвращает ошибку, если запись с таким ID уже существует.
	Create(ctx context.Context, order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(ctx context.Context, id string) (Order, error)
	// ListByCustomer возвращает заказы клиента, новые первыми.
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]Order, error)
	// ListByDepot возвращает заказы склада, новые первыми.
	ListByDepot(ctx context.Context, depotID string, limit int) ([]Order, error)
	// Save применяет обновления к заказу с учётом optimistic locking.
	Save(ctx context.Context, order Order) error
	// ApplyPayment атомарно переводит статус оплаты заказа с данной квитанцией.
	// changed=false, если статус уже итоговый (повторная доставка подтверждения).
	ApplyPayment(ctx context.Context, receiptID string, status PaymentStatus, paymentID string) (order Order, changed bool, err error)
}

// PlacementStep — шаг оформления заказа в спанах и метрике длительности шагов.
type PlacementStep string

const (
	PlacementStepAddress PlacementStep = "address"
	PlacementStepRoute   PlacementStep = "route"
	PlacementStepReserve PlacementStep = "reserve"
	PlacementStepPersist PlacementStep = "persist"
	PlacementStepIntent  PlacementStep = "intent"
	PlacementStepRelease PlacementStep = "release"
)
