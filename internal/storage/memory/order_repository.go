package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// orderRepositoryInMemory — in-memory реализация OrderRepository с индексом по квитанции.
// Индекс хранит и квитанции, заменённые повторной оплатой.
type orderRepositoryInMemory struct {
	mu        sync.RWMutex
	items     map[string]domain.Order
	byReceipt map[string]string
}

// NewOrderRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewOrderRepository() domain.OrderRepository {
	return &orderRepositoryInMemory{
		items:     make(map[string]domain.Order),
		byReceipt: make(map[string]string),
	}
}

func (r *orderRepositoryInMemory) Create(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[order.ID]; exists {
		return domain.ErrOrderVersionConflict
	}
	r.items[order.ID] = cloneOrder(order)
	r.indexReceipt(order)
	return nil
}

func (r *orderRepositoryInMemory) Get(_ context.Context, id string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

func (r *orderRepositoryInMemory) ListByCustomer(_ context.Context, customerID string, limit int) ([]domain.Order, error) {
	return r.list(func(o domain.Order) bool { return o.CustomerID == customerID }, limit), nil
}

func (r *orderRepositoryInMemory) ListByDepot(_ context.Context, depotID string, limit int) ([]domain.Order, error) {
	return r.list(func(o domain.Order) bool { return o.DepotID == depotID }, limit), nil
}

func (r *orderRepositoryInMemory) list(match func(domain.Order) bool, limit int) []domain.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Order, 0)
	for _, order := range r.items {
		if match(order) {
			result = append(result, cloneOrder(order))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// Save перезаписывает заказ, проверяя версию (optimistic locking).
func (r *orderRepositoryInMemory) Save(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[order.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if current.Version != order.Version {
		return domain.ErrOrderVersionConflict
	}
	if owner, taken := r.byReceipt[order.ReceiptID]; taken && owner != order.ID {
		return domain.ErrOrderVersionConflict
	}
	order.Version++
	r.items[order.ID] = cloneOrder(order)
	r.indexReceipt(order)
	return nil
}

// ApplyPayment меняет статус оплаты под общей блокировкой, повторы становятся no-op.
func (r *orderRepositoryInMemory) ApplyPayment(_ context.Context, receiptID string, status domain.PaymentStatus, paymentID string) (domain.Order, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byReceipt[receiptID]
	if !ok {
		return domain.Order{}, false, domain.ErrReceiptNotFound
	}
	order := r.items[id]
	if !domain.CanApplyReceipt(order, receiptID, status) {
		return cloneOrder(order), false, nil
	}

	order.PaymentStatus = status
	if paymentID != "" {
		order.PaymentID = paymentID
	}
	order.UpdatedAt = time.Now().UTC()
	order.Version++
	r.items[id] = order
	return cloneOrder(order), true, nil
}

func (r *orderRepositoryInMemory) indexReceipt(order domain.Order) {
	if order.ReceiptID != "" {
		r.byReceipt[order.ReceiptID] = order.ID
	}
}

func cloneOrder(order domain.Order) domain.Order {
	order.Items = append([]domain.OrderItem(nil), order.Items...)
	return order
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
