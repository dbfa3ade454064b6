package routing

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const defaultDirectoryTTL = 30 * time.Second

// CachedDirectory кэширует список складов на короткое время.
// Остатки через этот кэш не читаются никогда.
type CachedDirectory struct {
	source domain.DepotDirectory
	ttl    time.Duration
	logger *log.Entry
	now    func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	depots    []domain.Depot
	expiresAt time.Time
}

// NewCachedDirectory оборачивает справочник кэшем; ttl <= 0 задаёт значение по умолчанию.
func NewCachedDirectory(source domain.DepotDirectory, ttl time.Duration, logger *log.Entry) *CachedDirectory {
	if ttl <= 0 {
		ttl = defaultDirectoryTTL
	}
	if logger == nil {
		logger = log.WithField("component", "depot-directory")
	}
	return &CachedDirectory{
		source: source,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

func (c *CachedDirectory) ActiveDepots(ctx context.Context) ([]domain.Depot, error) {
	c.mu.RLock()
	if c.depots != nil && c.now().Before(c.expiresAt) {
		depots := c.depots
		c.mu.RUnlock()
		return depots, nil
	}
	c.mu.RUnlock()

	// Параллельные промахи схлопываются в один запрос к хранилищу.
	v, err, _ := c.group.Do("depots", func() (interface{}, error) {
		depots, err := c.source.ActiveDepots(ctx)
		if err != nil {
			return nil, err
		}
		if depots == nil {
			depots = []domain.Depot{}
		}

		c.mu.Lock()
		c.depots = depots
		c.expiresAt = c.now().Add(c.ttl)
		c.mu.Unlock()

		c.logger.WithField("depots", len(depots)).Debug("depot directory refreshed")
		return depots, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.Depot), nil
}

// Invalidate сбрасывает кэш, следующий запрос пойдёт в хранилище.
func (c *CachedDirectory) Invalidate() {
	c.mu.Lock()
	c.depots = nil
	c.mu.Unlock()
}

var _ domain.DepotDirectory = (*CachedDirectory)(nil)
