// Package mysql хранит остатки складов в MySQL.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const (
	opTimeout = 5 * time.Second

	// ER_CHECK_CONSTRAINT_VIOLATED
	errCheckViolated = 3819
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS stock_entries (
    depot_id   VARCHAR(64)  NOT NULL,
    item_id    VARCHAR(128) NOT NULL,
    quantity   BIGINT       NOT NULL,
    updated_at DATETIME(6)  NOT NULL,
    PRIMARY KEY (depot_id, item_id),
    CONSTRAINT stock_non_negative CHECK (quantity >= 0)
)`

// StockStore реализует domain.StockStore на MySQL. Списание — условный UPDATE.
type StockStore struct {
	db *sql.DB
}

// Open подключается к MySQL и создаёт таблицу остатков, если её нет.
func Open(ctx context.Context, dsn string) (*StockStore, error) {
	cfg, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true

	connector, err := gomysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(25)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure stock schema: %w", err)
	}
	return &StockStore{db: db}, nil
}

func NewStockStore(db *sql.DB) *StockStore {
	return &StockStore{db: db}
}

func (s *StockStore) Decrement(ctx context.Context, depotID, itemID string, qty int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE stock_entries
		SET quantity = quantity - ?, updated_at = ?
		WHERE depot_id = ? AND item_id = ? AND quantity >= ?`,
		qty, time.Now().UTC(), depotID, itemID, qty,
	)
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
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_entries (depot_id, item_id, quantity, updated_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE quantity = quantity + VALUES(quantity), updated_at = VALUES(updated_at)`,
		depotID, itemID, qty, time.Now().UTC(),
	)
	if isCheckViolation(err) {
		return domain.ErrStockNegative
	}
	return storeErr("increment stock", err)
}

func (s *StockStore) Quantity(ctx context.Context, depotID, itemID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var qty int64
	err := s.db.QueryRowContext(ctx,
		`SELECT quantity FROM stock_entries WHERE depot_id = ? AND item_id = ?`, depotID, itemID,
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
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_entries (depot_id, item_id, quantity, updated_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE quantity = VALUES(quantity), updated_at = VALUES(updated_at)`,
		depotID, itemID, qty, time.Now().UTC(),
	)
	return storeErr("set stock", err)
}

func (s *StockStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *StockStore) Close() error {
	return s.db.Close()
}

func isCheckViolation(err error) bool {
	var myErr *gomysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == errCheckViolated
}

func storeErr(op string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	return domain.StoreError(op, err)
}

var _ domain.StockStore = (*StockStore)(nil)
