package domain

import (
	"context"
	"time"
)

// StockEntry — остаток товара на конкретном складе.
type StockEntry struct {
	DepotID   string
	ItemID    string
	Quantity  int64
	UpdatedAt time.Time
}

// StockLine — запрошенное количество товара в рамках одного резерва.
type StockLine struct {
	ItemID string
	Qty    int64
}

// Validate проверяет строку резерва.
func (l StockLine) Validate() error {
	if l.ItemID == "" {
		return ErrItemIDRequired
	}
	if l.Qty <= 0 {
		return ErrItemQtyInvalid
	}
	return nil
}

// StockStore — хранилище остатков с атомарными примитивами на стороне хранилища.
type StockStore interface {
	// Decrement уменьшает остаток на qty, только если остаток >= qty. false — остатка не хватило.
	Decrement(ctx context.Context, depotID, itemID string, qty int64) (bool, error)
	// Increment безусловно увеличивает остаток, создавая запись при необходимости.
	Increment(ctx context.Context, depotID, itemID string, qty int64) error
	// Quantity возвращает текущий остаток (0 для отсутствующей записи).
	Quantity(ctx context.Context, depotID, itemID string) (int64, error)
	// Set перезаписывает остаток (ручная корректировка склада).
	Set(ctx context.Context, depotID, itemID string, qty int64) error
}
