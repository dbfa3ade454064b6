package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// StockStore держит остатки в stock_entries. Проверка и списание идут
// одним условным UPDATE, поэтому параллельные резервы не уводят остаток в минус.
type StockStore struct {
	db *sql.DB
}

func NewStockStore(store *Store) *StockStore {
	return &StockStore{db: store.DB()}
}

func (s *StockStore) Decrement(ctx context.Context, depotID, itemID string, qty int64) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE stock_entries
		SET quantity = quantity - $3, updated_at = $4
		WHERE depot_id = $1 AND item_id = $2 AND quantity >= $3
	`, depotID, itemID, qty, time.Now().UTC())
	if err != nil {
		return false, storeErr("decrement stock", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("stock rows affected", err)
	}
	return affected == 1, nil
}

func (s *StockStore) Increment(ctx context.Context, depotID, itemID string, qty int64) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_entries (depot_id, item_id, quantity, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (depot_id, item_id) DO UPDATE
		SET quantity = stock_entries.quantity + EXCLUDED.quantity,
		    updated_at = EXCLUDED.updated_at
	`, depotID, itemID, qty, time.Now().UTC())
	if isCheckViolation(err) {
		return domain.ErrStockNegative
	}
	return storeErr("increment stock", err)
}

func (s *StockStore) Quantity(ctx context.Context, depotID, itemID string) (int64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var qty int64
	err := s.db.QueryRowContext(ctx,
		`SELECT quantity FROM stock_entries WHERE depot_id = $1 AND item_id = $2`, depotID, itemID,
	).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, storeErr("read stock", err)
	}
	return qty, nil
}

func (s *StockStore) Set(ctx context.Context, depotID, itemID string, qty int64) error {
	if qty < 0 {
		return domain.ErrStockNegative
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_entries (depot_id, item_id, quantity, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (depot_id, item_id) DO UPDATE
		SET quantity = EXCLUDED.quantity,
		    updated_at = EXCLUDED.updated_at
	`, depotID, itemID, qty, time.Now().UTC())
	if isCheckViolation(err) {
		return domain.ErrStockNegative
	}
	return storeErr("set stock", err)
}

var _ domain.StockStore = (*StockStore)(nil)
