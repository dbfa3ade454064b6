package stock

import (
	"context"
	"errors"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// Ledger резервирует и освобождает остатки склада поверх атомарных примитивов хранилища.
type Ledger struct {
	store  domain.StockStore
	logger *log.Entry
}

func NewLedger(store domain.StockStore, logger *log.Entry) *Ledger {
	if logger == nil {
		logger = log.WithField("component", "stock-ledger")
	}
	return &Ledger{store: store, logger: logger}
}

// Reserve атомарно списывает qty единиц товара. Нехватка возвращает *domain.InsufficientStockError.
func (l *Ledger) Reserve(ctx context.Context, depotID, itemID string, qty int64) error {
	if err := (domain.StockLine{ItemID: itemID, Qty: qty}).Validate(); err != nil {
		return err
	}
	ok, err := l.store.Decrement(ctx, depotID, itemID, qty)
	if err != nil {
		return fmt.Errorf("reserve %s: %w", itemID, err)
	}
	if !ok {
		return &domain.InsufficientStockError{DepotID: depotID, ItemID: itemID, Requested: qty}
	}
	return nil
}

// Release безусловно возвращает qty единиц на склад.
func (l *Ledger) Release(ctx context.Context, depotID, itemID string, qty int64) error {
	if err := (domain.StockLine{ItemID: itemID, Qty: qty}).Validate(); err != nil {
		return err
	}
	if err := l.store.Increment(ctx, depotID, itemID, qty); err != nil {
		return fmt.Errorf("release %s: %w", itemID, err)
	}
	return nil
}

// ReserveLines резервирует все строки в порядке возрастания ItemID.
// При первой же неудаче уже списанное возвращается до выхода из метода.
func (l *Ledger) ReserveLines(ctx context.Context, depotID string, lines []domain.StockLine) error {
	merged, err := mergeLines(lines)
	if err != nil {
		return err
	}

	reserved := make([]domain.StockLine, 0, len(merged))
	for _, line := range merged {
		if err := l.Reserve(ctx, depotID, line.ItemID, line.Qty); err != nil {
			if relErr := l.compensate(ctx, depotID, reserved); relErr != nil {
				return errors.Join(err, relErr)
			}
			return err
		}
		reserved = append(reserved, line)
	}
	return nil
}

// ReleaseLines возвращает на склад все строки (отмена заказа).
func (l *Ledger) ReleaseLines(ctx context.Context, depotID string, lines []domain.StockLine) error {
	merged, err := mergeLines(lines)
	if err != nil {
		return err
	}
	var errs []error
	for _, line := range merged {
		if err := l.Release(ctx, depotID, line.ItemID, line.Qty); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Quantity возвращает текущий остаток.
func (l *Ledger) Quantity(ctx context.Context, depotID, itemID string) (int64, error) {
	return l.store.Quantity(ctx, depotID, itemID)
}

// SetQuantity перезаписывает остаток; отрицательные значения отклоняются.
func (l *Ledger) SetQuantity(ctx context.Context, depotID, itemID string, qty int64) error {
	if itemID == "" {
		return domain.ErrItemIDRequired
	}
	if qty < 0 {
		return domain.ErrStockNegative
	}
	return l.store.Set(ctx, depotID, itemID, qty)
}

// compensate возвращает зарезервированное даже если вызывающий уже отменил ctx.
func (l *Ledger) compensate(ctx context.Context, depotID string, reserved []domain.StockLine) error {
	if len(reserved) == 0 {
		return nil
	}
	ctx = context.WithoutCancel(ctx)

	var errs []error
	for _, line := range reserved {
		if err := l.store.Increment(ctx, depotID, line.ItemID, line.Qty); err != nil {
			l.logger.WithError(err).WithFields(log.Fields{
				"depot_id": depotID,
				"item_id":  line.ItemID,
				"qty":      line.Qty,
			}).Error("compensating release failed")
			errs = append(errs, fmt.Errorf("compensate %s: %w", line.ItemID, err))
		}
	}
	return errors.Join(errs...)
}

// mergeLines складывает повторяющиеся товары и сортирует строки по ItemID.
func mergeLines(lines []domain.StockLine) ([]domain.StockLine, error) {
	if len(lines) == 0 {
		return nil, domain.ErrItemsRequired
	}
	totals := make(map[string]int64, len(lines))
	for _, line := range lines {
		if err := line.Validate(); err != nil {
			return nil, err
		}
		totals[line.ItemID] += line.Qty
	}

	merged := make([]domain.StockLine, 0, len(totals))
	for itemID, qty := range totals {
		merged = append(merged, domain.StockLine{ItemID: itemID, Qty: qty})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ItemID < merged[j].ItemID })
	return merged, nil
}
