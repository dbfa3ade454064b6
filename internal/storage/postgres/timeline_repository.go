package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type timelineRepository struct {
	db *sql.DB
}

// NewTimelineRepository создаёт PostgreSQL-реализацию TimelineRepository.
func NewTimelineRepository(store *Store) domain.TimelineRepository {
	return &timelineRepository{db: store.DB()}
}

// Append пишет событие; время по умолчанию ставится на стороне сервиса, чтобы совпадать с outbox.
func (r *timelineRepository) Append(event domain.TimelineEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Occurred.IsZero() {
		event.Occurred = time.Now().UTC()
	}

	ctx, cancel := withTimeout(context.Background())
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO timeline_events (order_id, type, reason, occurred) VALUES ($1, $2, $3, $4)`,
		event.OrderID, string(event.Type), event.Reason, event.Occurred,
	)
	return storeErr("append timeline event", err)
}

// List отдаёт первые domain.MaxTimelineEvents событий заказа в порядке вставки.
func (r *timelineRepository) List(orderID string) ([]domain.TimelineEvent, error) {
	ctx, cancel := withTimeout(context.Background())
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT type, reason, occurred
		FROM timeline_events
		WHERE order_id = $1
		ORDER BY id
		LIMIT $2
	`, orderID, domain.MaxTimelineEvents)
	if err != nil {
		return nil, storeErr("list timeline events", err)
	}
	defer rows.Close()

	events := []domain.TimelineEvent{}
	for rows.Next() {
		var (
			kind  string
			event = domain.TimelineEvent{OrderID: orderID}
		)
		if err := rows.Scan(&kind, &event.Reason, &event.Occurred); err != nil {
			return nil, storeErr("scan timeline event", err)
		}
		event.Type = domain.TimelineEventType(kind)
		event.Occurred = event.Occurred.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate timeline events", err)
	}
	return events, nil
}

var _ domain.TimelineRepository = (*timelineRepository)(nil)
