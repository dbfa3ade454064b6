package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const orderColumns = `
	id, customer_id, address_id, dest_lat, dest_lng, depot_id, status,
	payment_mode, payment_status, currency, subtotal_minor, delivery_fee_minor,
	amount_minor, receipt_id, payment_id, version, created_at, updated_at`

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order                       domain.Order
		status, mode, paymentStatus string
		receiptID                   sql.NullString
	)
	err := row.Scan(
		&order.ID, &order.CustomerID, &order.AddressID,
		&order.Destination.Lat, &order.Destination.Lng, &order.DepotID, &status,
		&mode, &paymentStatus, &order.Currency, &order.SubtotalMinor, &order.DeliveryFeeMinor,
		&order.AmountMinor, &receiptID, &order.PaymentID, &order.Version, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.PaymentMode = domain.PaymentMode(mode)
	order.PaymentStatus = domain.PaymentStatus(paymentStatus)
	if !order.Status.Valid() || !order.PaymentStatus.Valid() {
		return domain.Order{}, fmt.Errorf("order %s has unknown status %q/%q", order.ID, status, paymentStatus)
	}
	order.ReceiptID = receiptID.String
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order) (err error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin create order", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`,
		order.ID, order.CustomerID, order.AddressID, order.Destination.Lat, order.Destination.Lng,
		order.DepotID, string(order.Status), string(order.PaymentMode), string(order.PaymentStatus),
		order.Currency, order.SubtotalMinor, order.DeliveryFeeMinor, order.AmountMinor,
		nullableString(order.ReceiptID), order.PaymentID, order.Version, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrOrderVersionConflict
		}
		return storeErr("insert order", err)
	}

	if err = recordReceipt(ctx, tx, order); err != nil {
		return err
	}

	for _, item := range order.Items {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, item_id, name, qty, price_minor, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, item.ID, order.ID, item.ItemID, item.Name, item.Qty, item.PriceMinor, item.CreatedAt); err != nil {
			return storeErr("insert order item", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return storeErr("commit create order", err)
	}
	return nil
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return r.getBy(ctx, `id = $1`, id)
}

func (r *orderRepository) getBy(ctx context.Context, where string, arg any) (domain.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, storeErr("select order", err)
	}

	items, err := r.loadItems(ctx, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items
	return order, nil
}

func (r *orderRepository) ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Order, error) {
	return r.list(ctx, "customer_id", customerID, limit)
}

func (r *orderRepository) ListByDepot(ctx context.Context, depotID string, limit int) ([]domain.Order, error) {
	return r.list(ctx, "depot_id", depotID, limit)
}

func (r *orderRepository) list(ctx context.Context, column, value string, limit int) ([]domain.Order, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM orders WHERE %s = $1 ORDER BY created_at DESC, id DESC`, orderColumns, column)
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, query+" LIMIT $2", value, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, query, value)
	}
	if err != nil {
		return nil, storeErr("list orders", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, storeErr("scan order row", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate order rows", err)
	}

	for i := range orders {
		items, err := r.loadItems(ctx, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}
	return orders, nil
}

// Save обновляет изменяемые поля заказа при совпадении версии.
// Склад, адрес и позиции после оформления не меняются; новая квитанция
// добавляется в order_receipts, прежние остаются там же.
func (r *orderRepository) Save(ctx context.Context, order domain.Order) (err error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin save order", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1,
		    payment_status = $2,
		    receipt_id = $3,
		    payment_id = $4,
		    version = version + 1,
		    updated_at = $5
		WHERE id = $6
		  AND version = $7
	`,
		string(order.Status),
		string(order.PaymentStatus),
		nullableString(order.ReceiptID),
		order.PaymentID,
		order.UpdatedAt,
		order.ID,
		order.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrOrderVersionConflict
		}
		return storeErr("update order", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if affected == 0 {
		found, existsErr := orderExists(ctx, tx, order.ID)
		switch {
		case existsErr != nil:
			err = existsErr
		case !found:
			err = domain.ErrOrderNotFound
		default:
			err = domain.ErrOrderVersionConflict
		}
		return err
	}

	if err = recordReceipt(ctx, tx, order); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return storeErr("commit save order", err)
	}
	return nil
}

func recordReceipt(ctx context.Context, tx *sql.Tx, order domain.Order) error {
	if order.ReceiptID == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO order_receipts (receipt_id, order_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (receipt_id) DO NOTHING
	`, order.ReceiptID, order.ID, order.UpdatedAt)
	return storeErr("record order receipt", err)
}

// ApplyPayment — условный UPDATE по любой квитанции заказа: оплаченный заказ не понижается,
// failed применяется только к pending и только по текущей квитанции.
// Повтор того же подтверждения не меняет строку.
func (r *orderRepository) ApplyPayment(ctx context.Context, receiptID string, status domain.PaymentStatus, paymentID string) (domain.Order, bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var id string
	err := r.db.QueryRowContext(ctx, `
		UPDATE orders o
		SET payment_status = $2::text,
		    payment_id = CASE WHEN $3::text = '' THEN o.payment_id ELSE $3::text END,
		    version = o.version + 1,
		    updated_at = $4
		FROM order_receipts rc
		WHERE rc.receipt_id = $1
		  AND o.id = rc.order_id
		  AND o.payment_status <> 'paid'
		  AND o.payment_status <> $2::text
		  AND ($2::text = 'paid' OR ($2::text = 'failed' AND o.payment_status = 'pending' AND o.receipt_id = $1))
		RETURNING o.id
	`, receiptID, string(status), paymentID, time.Now().UTC()).Scan(&id)

	switch {
	case err == nil:
		order, getErr := r.getBy(ctx, `id = $1`, id)
		return order, true, getErr
	case errors.Is(err, sql.ErrNoRows):
		order, getErr := r.getBy(ctx, `id = (SELECT order_id FROM order_receipts WHERE receipt_id = $1)`, receiptID)
		if errors.Is(getErr, domain.ErrOrderNotFound) {
			return domain.Order{}, false, domain.ErrReceiptNotFound
		}
		return order, false, getErr
	default:
		return domain.Order{}, false, storeErr("apply payment", err)
	}
}

func (r *orderRepository) loadItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, item_id, name, qty, price_minor, created_at
		FROM order_items
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, storeErr("load order items", err)
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.ItemID, &item.Name, &item.Qty, &item.PriceMinor, &item.CreatedAt); err != nil {
			return nil, storeErr("scan order item", err)
		}
		item.CreatedAt = item.CreatedAt.UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate order items", err)
	}
	return items, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func orderExists(ctx context.Context, q queryRower, orderID string) (bool, error) {
	var id string
	err := q.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = $1`, orderID).Scan(&id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, storeErr("check order exists", err)
}

var _ domain.OrderRepository = (*orderRepository)(nil)
