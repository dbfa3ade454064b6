package saga

import (
	"context"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// DepotOrder — заказ склада с расстоянием от склада до точки доставки.
type DepotOrder struct {
	Order      domain.Order
	DistanceKm float64
}

// DepotOrders — очередь заказов склада со сводкой по статусам.
type DepotOrders struct {
	Depot   domain.Depot
	Orders  []DepotOrder
	Summary map[domain.OrderStatus]int
}

func (o *Orchestrator) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	return o.orders.Get(ctx, orderID)
}

// ListOrders возвращает заказы клиента, новые первыми.
func (o *Orchestrator) ListOrders(ctx context.Context, customerID string, limit int) ([]domain.Order, error) {
	if customerID == "" {
		return nil, domain.ErrCustomerRequired
	}
	return o.orders.ListByCustomer(ctx, customerID, clampLimit(limit))
}

// ListDepotOrders возвращает заказы склада. Расстояние не считается, если склад без координат.
func (o *Orchestrator) ListDepotOrders(ctx context.Context, depotID string, limit int) (DepotOrders, error) {
	if depotID == "" {
		return DepotOrders{}, domain.ErrDepotRequired
	}
	depot, err := o.depots.Get(ctx, depotID)
	if err != nil {
		return DepotOrders{}, err
	}
	orders, err := o.orders.ListByDepot(ctx, depotID, clampLimit(limit))
	if err != nil {
		return DepotOrders{}, err
	}

	result := DepotOrders{
		Depot:   depot,
		Orders:  make([]DepotOrder, 0, len(orders)),
		Summary: make(map[domain.OrderStatus]int),
	}
	for _, order := range orders {
		entry := DepotOrder{Order: order}
		if depot.Location != nil {
			entry.DistanceKm = domain.Distance(*depot.Location, order.Destination)
		}
		result.Orders = append(result.Orders, entry)
		result.Summary[order.Status]++
	}
	return result, nil
}

// Timeline возвращает историю событий заказа.
func (o *Orchestrator) Timeline(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	if _, err := o.orders.Get(ctx, orderID); err != nil {
		return nil, err
	}
	if o.timeline == nil {
		return nil, nil
	}
	return o.timeline.List(orderID)
}
