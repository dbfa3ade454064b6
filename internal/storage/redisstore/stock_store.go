// Package redisstore хранит остатки складов в Redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const stockKeyPrefix = "stock:"

// decrementScript списывает ARGV[1] единиц, только если остатка хватает.
// Отсутствующий ключ означает нулевой остаток.
var decrementScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	return 0
end
if tonumber(current) >= tonumber(ARGV[1]) then
	redis.call('DECRBY', KEYS[1], ARGV[1])
	return 1
end
return 0
`)

// StockStore реализует domain.StockStore поверх Redis.
type StockStore struct {
	client redis.UniversalClient
}

func NewStockStore(client redis.UniversalClient) *StockStore {
	return &StockStore{client: client}
}

// Open подключается к Redis и проверяет доступность.
func Open(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func stockKey(depotID, itemID string) string {
	return stockKeyPrefix + depotID + ":" + itemID
}

func (s *StockStore) Decrement(ctx context.Context, depotID, itemID string, qty int64) (bool, error) {
	granted, err := decrementScript.Run(ctx, s.client, []string{stockKey(depotID, itemID)}, qty).Int()
	if err != nil {
		return false, storeErr("decrement stock", err)
	}
	return granted == 1, nil
}

func (s *StockStore) Increment(ctx context.Context, depotID, itemID string, qty int64) error {
	return storeErr("increment stock", s.client.IncrBy(ctx, stockKey(depotID, itemID), qty).Err())
}

func (s *StockStore) Quantity(ctx context.Context, depotID, itemID string) (int64, error) {
	qty, err := s.client.Get(ctx, stockKey(depotID, itemID)).Int64()
	if errors.Is(err, redis.Nil) {
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
	return storeErr("set stock", s.client.Set(ctx, stockKey(depotID, itemID), qty, 0).Err())
}

// Ping используется readiness-пробой.
func (s *StockStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func storeErr(op string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	return domain.StoreError(op, err)
}

var _ domain.StockStore = (*StockStore)(nil)
