package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const defaultIdempotencyTTL = 24 * time.Hour

type idempotencyRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewIdempotencyRepository создаёт PostgreSQL-реализацию IdempotencyRepository.
func NewIdempotencyRepository(store *Store) domain.IdempotencyRepository {
	return &idempotencyRepository{
		db:  store.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// CreateProcessing занимает ключ одним запросом. Просроченная запись
// перезаписывается, живая возвращается вместе с ошибкой.
func (r *idempotencyRepository) CreateProcessing(key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	key, requestHash = strings.TrimSpace(key), strings.TrimSpace(requestHash)
	switch {
	case key == "":
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	case requestHash == "":
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	now := r.now()
	if ttlAt.IsZero() {
		ttlAt = now.Add(defaultIdempotencyTTL)
	}

	ctx, cancel := withTimeout(context.Background())
	defer cancel()

	var claimed string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO idempotency_keys (key, request_hash, response_body, result_code, status, ttl_at, created_at, updated_at)
		VALUES ($1, $2, NULL, NULL, $3, $4, $5, $5)
		ON CONFLICT (key) DO UPDATE
		SET request_hash = EXCLUDED.request_hash,
		    response_body = NULL,
		    result_code = NULL,
		    status = EXCLUDED.status,
		    ttl_at = EXCLUDED.ttl_at,
		    created_at = EXCLUDED.created_at,
		    updated_at = EXCLUDED.updated_at
		WHERE idempotency_keys.ttl_at <= $5
		RETURNING key
	`, key, requestHash, string(domain.IdempotencyStatusProcessing), ttlAt, now).Scan(&claimed)

	switch {
	case err == nil:
		return domain.IdempotencyRecord{
			Key:         key,
			RequestHash: requestHash,
			Status:      domain.IdempotencyStatusProcessing,
			TTLAt:       ttlAt,
			CreatedAt:   now,
			UpdatedAt:   now,
		}, nil
	case errors.Is(err, sql.ErrNoRows):
		// ключ занят живой записью
		existing, getErr := r.Get(key)
		if getErr != nil {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyAlreadyExists
		}
		if existing.RequestHash != requestHash {
			return existing, domain.ErrIdempotencyHashMismatch
		}
		return existing, domain.ErrIdempotencyKeyAlreadyExists
	default:
		return domain.IdempotencyRecord{}, storeErr("claim idempotency key", err)
	}
}

func (r *idempotencyRepository) Get(key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := withTimeout(context.Background())
	defer cancel()

	var (
		record     domain.IdempotencyRecord
		status     string
		body       []byte
		resultCode sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT key, request_hash, response_body, result_code, status, ttl_at, created_at, updated_at
		FROM idempotency_keys
		WHERE key = $1
	`, key).Scan(&record.Key, &record.RequestHash, &body, &resultCode, &status, &record.TTLAt, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
		}
		return domain.IdempotencyRecord{}, storeErr("get idempotency record", err)
	}

	record.Status = domain.IdempotencyStatus(status)
	if !record.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("invalid idempotency status %q for key %s", status, key)
	}
	record.ResponseBody = append([]byte(nil), body...)
	record.ResultCode = int(resultCode.Int64)
	record.TTLAt = record.TTLAt.UTC()
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

func (r *idempotencyRepository) MarkDone(key string, responseBody []byte, resultCode int) error {
	return r.finish(key, domain.IdempotencyStatusDone, responseBody, resultCode)
}

func (r *idempotencyRepository) MarkFailed(key string, responseBody []byte, resultCode int) error {
	return r.finish(key, domain.IdempotencyStatusFailed, responseBody, resultCode)
}

// DeleteExpired удаляет просроченные ключи пачкой; limit<=0 снимает ограничение.
func (r *idempotencyRepository) DeleteExpired(before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = r.now()
	}

	ctx, cancel := withTimeout(context.Background())
	defer cancel()

	query := `DELETE FROM idempotency_keys WHERE ttl_at <= $1`
	args := []any{before}
	if limit > 0 {
		query = `
			DELETE FROM idempotency_keys
			WHERE key IN (
				SELECT key FROM idempotency_keys
				WHERE ttl_at <= $1
				ORDER BY ttl_at
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)`
		args = append(args, limit)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, storeErr("delete expired idempotency keys", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("idempotency rows affected", err)
	}
	return int(affected), nil
}

// ListStuck возвращает просроченные ключи в статусе processing: запрос начался, но ответ не записан.
func (r *idempotencyRepository) ListStuck(before time.Time, limit int) ([]domain.IdempotencyRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	ctx, cancel := withTimeout(context.Background())
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT key, request_hash, ttl_at, created_at, updated_at
		FROM idempotency_keys
		WHERE status = $1 AND ttl_at <= $2
		ORDER BY created_at
		LIMIT $3
	`, string(domain.IdempotencyStatusProcessing), before, limit)
	if err != nil {
		return nil, storeErr("list stuck idempotency keys", err)
	}
	defer rows.Close()

	var stuck []domain.IdempotencyRecord
	for rows.Next() {
		record := domain.IdempotencyRecord{Status: domain.IdempotencyStatusProcessing}
		if err := rows.Scan(&record.Key, &record.RequestHash, &record.TTLAt, &record.CreatedAt, &record.UpdatedAt); err != nil {
			return nil, storeErr("scan stuck idempotency key", err)
		}
		record.TTLAt, record.CreatedAt, record.UpdatedAt = record.TTLAt.UTC(), record.CreatedAt.UTC(), record.UpdatedAt.UTC()
		stuck = append(stuck, record)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate stuck idempotency keys", err)
	}
	return stuck, nil
}

// finish фиксирует ответ только для ключа в статусе processing.
func (r *idempotencyRepository) finish(key string, status domain.IdempotencyStatus, responseBody []byte, resultCode int) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := withTimeout(context.Background())
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET response_body = $2,
		    result_code = $3,
		    status = $4,
		    updated_at = $5
		WHERE key = $1
	`, key, responseBody, resultCode, string(status), r.now())
	if err != nil {
		return storeErr("finish idempotency key", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storeErr("idempotency rows affected", err)
	}
	if affected == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
