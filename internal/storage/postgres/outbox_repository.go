package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type outboxStatus string

const (
	outboxPending outboxStatus = "pending"
	outboxSent    outboxStatus = "sent"
	outboxFailed  outboxStatus = "failed"

	defaultOutboxBatch = 100
)

type outboxRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewOutboxRepository(store *Store) domain.OutboxRepository {
	return &outboxRepository{
		db:  store.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue идемпотентна по ID: повтор возвращает сообщение, не сбрасывая его статус.
func (r *outboxRepository) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	ctx, cancel := withTimeout(context.Background())
	defer cancel()

	now := r.now()
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO outbox_messages (id, aggregate_type, aggregate_id, event_type, payload, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (id) DO NOTHING
	`, msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, outboxPending, now); err != nil {
		return domain.OutboxMessage{}, storeErr("enqueue outbox message", err)
	}
	return msg, nil
}

// PullPending отдаёт pending-сообщения в порядке seq, то есть в порядке записи.
func (r *outboxRepository) PullPending(limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultOutboxBatch
	}

	ctx, cancel := withTimeout(context.Background())
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload
		FROM outbox_messages
		WHERE status = $1
		ORDER BY seq
		LIMIT $2
	`, outboxPending, limit)
	if err != nil {
		return nil, storeErr("pull pending outbox", err)
	}
	defer rows.Close()

	var batch []domain.OutboxMessage
	for rows.Next() {
		var msg domain.OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.Payload); err != nil {
			return nil, storeErr("scan outbox message", err)
		}
		batch = append(batch, msg)
	}
	return batch, storeErr("iterate outbox rows", rows.Err())
}

func (r *outboxRepository) Stats() (domain.OutboxStats, error) {
	ctx, cancel := withTimeout(context.Background())
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = $1),
			MIN(created_at) FILTER (WHERE status = $1),
			COUNT(*) FILTER (WHERE status = $2)
		FROM outbox_messages
	`, outboxPending, outboxFailed).Scan(&stats.PendingCount, &oldest, &stats.FailedCount); err != nil {
		return domain.OutboxStats{}, storeErr("outbox stats", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func (r *outboxRepository) MarkSent(id string) error   { return r.settle(id, outboxSent) }
func (r *outboxRepository) MarkFailed(id string) error { return r.settle(id, outboxFailed) }

// settle выводит сообщение из очереди и засчитывает попытку.
func (r *outboxRepository) settle(id string, status outboxStatus) error {
	ctx, cancel := withTimeout(context.Background())
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = $2, attempt_count = attempt_count + 1, updated_at = $3
		WHERE id = $1
	`, id, status, r.now())
	if err != nil {
		return storeErr("settle outbox message", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return storeErr("settle outbox rows affected", err)
	} else if n == 0 {
		return errors.Join(domain.ErrOutboxPublish, errors.New("outbox message "+id+" not found"))
	}
	return nil
}

var _ domain.OutboxRepository = (*outboxRepository)(nil)
