package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type stockKey struct {
	depotID string
	itemID  string
}

// StockStore хранит остатки в памяти; атомарность обеспечивает мьютекс процесса.
type StockStore struct {
	mu    sync.Mutex
	stock map[stockKey]int64
}

func NewStockStore() *StockStore {
	return &StockStore{stock: make(map[stockKey]int64)}
}

// Decrement списывает qty, только если остатка хватает.
func (s *StockStore) Decrement(_ context.Context, depotID, itemID string, qty int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stockKey{depotID, itemID}
	if s.stock[key] < qty {
		return false, nil
	}
	s.stock[key] -= qty
	return true, nil
}

func (s *StockStore) Increment(_ context.Context, depotID, itemID string, qty int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stock[stockKey{depotID, itemID}] += qty
	return nil
}

func (s *StockStore) Quantity(_ context.Context, depotID, itemID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stock[stockKey{depotID, itemID}], nil
}

func (s *StockStore) Set(_ context.Context, depotID, itemID string, qty int64) error {
	if qty < 0 {
		return domain.ErrStockNegative
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stock[stockKey{depotID, itemID}] = qty
	return nil
}

var _ domain.StockStore = (*StockStore)(nil)
