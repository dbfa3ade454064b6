package app

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/fulfillment/internal/health"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/inventory"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/mysql"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/postgres"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/redisstore"
)

// runtimeDependencies — хранилища, выбранные конфигурацией.
type runtimeDependencies struct {
	repo            domain.OrderRepository
	outboxRepo      domain.OutboxRepository
	timelineRepo    domain.TimelineRepository
	idempotencyRepo domain.IdempotencyRepository
	depots          domain.DepotRepository
	addresses       addressStore
	stock           domain.StockStore

	// checkers попадают в readiness-пробу.
	checkers map[string]healthcheck.Checker
	closeFns []func() error
}

// addressStore — адресная книга с записью для загрузки справочников.
type addressStore interface {
	domain.AddressBook
	inventory.AddressWriter
}

func (d *runtimeDependencies) addCloser(fn func() error) {
	d.closeFns = append(d.closeFns, fn)
}

// close закрывает подключения в обратном порядке.
func (d *runtimeDependencies) close() error {
	var errs []error
	for i := len(d.closeFns) - 1; i >= 0; i-- {
		errs = append(errs, d.closeFns[i]())
	}
	d.closeFns = nil
	return errors.Join(errs...)
}

// initRuntimeDependencies открывает хранилища заказов и остатков.
// При ошибке уже открытые подключения закрываются.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (_ *runtimeDependencies, err error) {
	if err := cfg.validateStorage(); err != nil {
		return nil, err
	}

	deps := &runtimeDependencies{checkers: make(map[string]healthcheck.Checker)}
	defer func() {
		if err != nil {
			_ = deps.close()
		}
	}()

	var pg *postgres.Store
	openPostgres := func() (*postgres.Store, error) {
		if pg != nil {
			return pg, nil
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		deps.addCloser(store.Close)
		deps.checkers["postgres"] = healthcheck.Ping("postgres", store.Ping)
		if cfg.PostgresAutoMigrate {
			applied, err := postgres.NewMigrator(store, logger.WithField("component", "migrator")).Up(ctx, 0)
			if err != nil {
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
			logger.WithField("applied", applied).Info("postgres migrations are up to date")
		}
		pg = store
		return store, nil
	}

	switch cfg.StorageDriver {
	case StorageDriverMemory:
		deps.repo = memory.NewOrderRepository()
		deps.outboxRepo = memory.NewOutboxRepository()
		deps.timelineRepo = memory.NewTimelineRepository()
		deps.idempotencyRepo = memory.NewIdempotencyRepository()
		deps.depots = memory.NewDepotRepository()
		deps.addresses = memory.NewAddressBook()
	case StorageDriverPostgres:
		store, err := openPostgres()
		if err != nil {
			return nil, fmt.Errorf("init postgres storage: %w", err)
		}
		deps.repo = postgres.NewOrderRepository(store)
		deps.outboxRepo = postgres.NewOutboxRepository(store)
		deps.timelineRepo = postgres.NewTimelineRepository(store)
		deps.idempotencyRepo = postgres.NewIdempotencyRepository(store)
		deps.depots = postgres.NewDepotRepository(store)
		deps.addresses = postgres.NewAddressBook(store)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	switch cfg.stockDriver() {
	case StockDriverMemory:
		deps.stock = memory.NewStockStore()
	case StockDriverPostgres:
		store, err := openPostgres()
		if err != nil {
			return nil, fmt.Errorf("init postgres stock: %w", err)
		}
		deps.stock = postgres.NewStockStore(store)
	case StockDriverRedis:
		client, err := redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("init redis stock: %w", err)
		}
		deps.addCloser(client.Close)
		stock := redisstore.NewStockStore(client)
		deps.checkers["redis"] = healthcheck.Ping("redis", stock.Ping)
		deps.stock = stock
	case StockDriverMySQL:
		stock, err := mysql.Open(ctx, cfg.MySQLDSN)
		if err != nil {
			return nil, fmt.Errorf("init mysql stock: %w", err)
		}
		deps.addCloser(stock.Close)
		deps.checkers["mysql"] = healthcheck.Ping("mysql", stock.Ping)
		deps.stock = stock
	default:
		return nil, fmt.Errorf("unsupported stock driver %q", cfg.StockDriver)
	}

	if cfg.SeedFile != "" {
		seed, err := inventory.LoadFile(cfg.SeedFile)
		if err != nil {
			return nil, err
		}
		target := inventory.Target{Depots: deps.depots, Addresses: deps.addresses, Stock: deps.stock}
		if err := seed.Apply(ctx, target, logger.WithField("component", "inventory-seed")); err != nil {
			return nil, err
		}
	}

	logger.WithFields(log.Fields{
		"storage": cfg.StorageDriver,
		"stock":   cfg.stockDriver(),
	}).Info("storage initialized")
	return deps, nil
}
