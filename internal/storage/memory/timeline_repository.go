package memory

import (
	"sync"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type timelineRepositoryInMemory struct {
	mu     sync.RWMutex
	events map[string][]domain.TimelineEvent
	now    func() time.Time
}

// NewTimelineRepository создаёт in-memory реализацию TimelineRepository.
// Как и в PostgreSQL, по заказу хранится не больше domain.MaxTimelineEvents записей.
func NewTimelineRepository() domain.TimelineRepository {
	return &timelineRepositoryInMemory{
		events: make(map[string][]domain.TimelineEvent),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *timelineRepositoryInMemory) Append(event domain.TimelineEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Occurred.IsZero() {
		event.Occurred = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	events := r.events[event.OrderID]
	if len(events) >= domain.MaxTimelineEvents {
		// список уже полон: новые записи всё равно не попадут в выдачу
		return nil
	}
	r.events[event.OrderID] = append(events, event)
	return nil
}

// List возвращает копию событий заказа в порядке записи.
func (r *timelineRepositoryInMemory) List(orderID string) ([]domain.TimelineEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	events := r.events[orderID]
	out := make([]domain.TimelineEvent, len(events))
	copy(out, events)
	return out, nil
}

var _ domain.TimelineRepository = (*timelineRepositoryInMemory)(nil)
