package grpcsvc

import (
	"context"
	"errors"
	"math"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/saga"
)

const (
	defaultListOrdersLimit = 100
	maxNearbyLimit         = 1000
)

// Orchestrator — операции оформления и сопровождения заказов, которые отдаёт API.
type Orchestrator interface {
	PlaceOrder(ctx context.Context, cmd saga.PlaceOrderCommand) (saga.Placement, error)
	RetryPayment(ctx context.Context, orderID, customerID string) (saga.Placement, error)
	Transition(ctx context.Context, orderID string, actor domain.Actor, target domain.OrderStatus) (domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	ListOrders(ctx context.Context, customerID string, limit int) ([]domain.Order, error)
	ListDepotOrders(ctx context.Context, depotID string, limit int) (saga.DepotOrders, error)
	Timeline(ctx context.Context, orderID string) ([]domain.TimelineEvent, error)
	SetStock(ctx context.Context, actor domain.Actor, depotID, itemID string, qty int64) (saga.StockLevel, error)
	UpsertDepot(ctx context.Context, actor domain.Actor, depot domain.Depot) (domain.Depot, error)
	NearbyDepots(ctx context.Context, addressID string, itemIDs []string, limit int) ([]saga.NearbyDepot, error)
}

// OrderService реализует gRPC API поверх оркестратора заказов.
type OrderService struct {
	orch     Orchestrator
	idemRepo domain.IdempotencyRepository
	logger   *log.Entry
	now      func() time.Time
}

var _ OrderServiceServer = (*OrderService)(nil)

// NewOrderService конструирует сервис с зависимостями. idemRepo может быть nil,
// тогда мутирующие методы не требуют idempotency-key.
func NewOrderService(orch Orchestrator, idemRepo domain.IdempotencyRepository, logger *log.Entry) *OrderService {
	if logger == nil {
		logger = log.New().WithField("component", "order-service")
	}
	return &OrderService{
		orch:     orch,
		idemRepo: idemRepo,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// PlaceOrder оформляет заказ. Ошибка создания платёжного намерения возвращается
// как Unavailable с уже созданным заказом в деталях статуса.
func (s *OrderService) PlaceOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	cmd, err := decodePlaceOrder(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return s.withIdempotency(ctx, MethodPlaceOrder, req, func(ctx context.Context) (*structpb.Struct, error) {
		placement, err := s.orch.PlaceOrder(ctx, cmd)
		if err != nil {
			return nil, s.fail(MethodPlaceOrder, err, placementDetails(placement))
		}
		return structpb.NewStruct(placementFields(placement))
	})
}

// RetryPayment запрашивает новое платёжное намерение.
func (s *OrderService) RetryPayment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	orderID := stringField(req, "order_id")
	if orderID == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}
	placement, err := s.orch.RetryPayment(ctx, orderID, stringField(req, "customer_id"))
	if err != nil {
		return nil, s.fail(MethodRetryPayment, err, placementDetails(placement))
	}
	return structpb.NewStruct(placementFields(placement))
}

// TransitionOrder меняет статус исполнения. При отказе текущий заказ приходит в деталях статуса.
func (s *OrderService) TransitionOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	orderID := stringField(req, "order_id")
	if orderID == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}
	target := domain.OrderStatus(stringField(req, "target_status"))
	if !target.Valid() {
		return nil, status.Errorf(codes.InvalidArgument, "unknown target_status %q", target)
	}
	actor := decodeActor(req)

	return s.withIdempotency(ctx, MethodTransitionOrder, req, func(ctx context.Context) (*structpb.Struct, error) {
		order, err := s.orch.Transition(ctx, orderID, actor, target)
		if err != nil {
			return nil, s.fail(MethodTransitionOrder, err, orderDetails(order))
		}
		return structpb.NewStruct(map[string]interface{}{"order": orderFields(order)})
	})
}

// GetOrder возвращает заказ вместе с таймлайном.
func (s *OrderService) GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	orderID := stringField(req, "order_id")
	if orderID == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}
	order, err := s.orch.GetOrder(ctx, orderID)
	if err != nil {
		return nil, s.fail(MethodGetOrder, err, nil)
	}
	events, err := s.orch.Timeline(ctx, orderID)
	if err != nil {
		s.logger.WithError(err).WithField("order_id", orderID).Warn("failed to load order timeline")
	}
	return structpb.NewStruct(map[string]interface{}{
		"order":    orderFields(order),
		"timeline": timelineFields(events),
	})
}

// ListOrders возвращает заказы клиента.
func (s *OrderService) ListOrders(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	orders, err := s.orch.ListOrders(ctx, stringField(req, "customer_id"), pageSize(req))
	if err != nil {
		return nil, s.fail(MethodListOrders, err, nil)
	}
	items := make([]interface{}, 0, len(orders))
	for _, order := range orders {
		items = append(items, orderFields(order))
	}
	return structpb.NewStruct(map[string]interface{}{"orders": items})
}

// ListDepotOrders возвращает очередь заказов склада для оператора.
func (s *OrderService) ListDepotOrders(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	result, err := s.orch.ListDepotOrders(ctx, stringField(req, "depot_id"), pageSize(req))
	if err != nil {
		return nil, s.fail(MethodListDepotOrders, err, nil)
	}
	return structpb.NewStruct(depotOrdersFields(result))
}

// SetStock перезаписывает остаток позиции на складе оператора.
func (s *OrderService) SetStock(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	qty, err := wholeField(req, "quantity", maxExactInteger)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	depotID := stringField(req, "depot_id")
	itemID := stringField(req, "item_id")
	actor := decodeActor(req)

	return s.withIdempotency(ctx, MethodSetStock, req, func(ctx context.Context) (*structpb.Struct, error) {
		level, err := s.orch.SetStock(ctx, actor, depotID, itemID, qty)
		if err != nil {
			return nil, s.fail(MethodSetStock, err, nil)
		}
		fields := stockLevelFields(level)
		fields["depot_id"] = depotID
		return structpb.NewStruct(fields)
	})
}

// UpsertDepot создаёт или обновляет склад.
func (s *OrderService) UpsertDepot(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	depot := decodeDepot(req)
	actor := decodeActor(req)

	return s.withIdempotency(ctx, MethodUpsertDepot, req, func(ctx context.Context) (*structpb.Struct, error) {
		saved, err := s.orch.UpsertDepot(ctx, actor, depot)
		if err != nil {
			return nil, s.fail(MethodUpsertDepot, err, nil)
		}
		return structpb.NewStruct(map[string]interface{}{"depot": depotFields(saved)})
	})
}

// NearbyDepots возвращает ближайшие к адресу склады с остатками.
func (s *OrderService) NearbyDepots(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit, err := wholeField(req, "limit", maxNearbyLimit)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	depots, err := s.orch.NearbyDepots(ctx, stringField(req, "address_id"), stringList(req, "item_ids"), int(limit))
	if err != nil {
		return nil, s.fail(MethodNearbyDepots, err, nil)
	}
	return structpb.NewStruct(nearbyDepotsFields(depots))
}

func (s *OrderService) fail(method string, err error, details map[string]interface{}) error {
	st := toStatus(err, details)
	entry := s.logger.WithError(err).WithFields(log.Fields{
		"method": method,
		"code":   status.Code(st).String(),
	})
	if status.Code(st) == codes.Internal || errors.Is(err, domain.ErrStoreUnavailable) {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}
	return st
}

func placementDetails(p saga.Placement) map[string]interface{} {
	if p.Order.ID == "" {
		return nil
	}
	return placementFields(p)
}

func pageSize(req *structpb.Struct) int {
	size, err := wholeField(req, "page_size", math.MaxInt32)
	if err != nil || size <= 0 {
		return defaultListOrdersLimit
	}
	return int(size)
}
