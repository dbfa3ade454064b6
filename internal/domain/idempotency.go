package domain

import (
	"errors"
	"time"
)

var (
	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyAlreadyExists — ключ занят тем же запросом: ответ можно повторить.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch — ключ переиспользован с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	ErrIdempotencyKeyNotFound  = errors.New("idempotency key not found")
)

// IsIdempotencyConflict сообщает, что ключ уже занят живой записью.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}

// IdempotencyStatus — стадия обработки запроса оформления или смены статуса.
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusDone       IdempotencyStatus = "done"
	IdempotencyStatusFailed     IdempotencyStatus = "failed"
)

func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// IdempotencyRecord — сохранённый результат gRPC-вызова по ключу idempotency-key.
// ResultCode хранит gRPC-код ответа, ResponseBody — protojson ответа или описание ошибки.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseBody []byte
	ResultCode   int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Expired — ключ можно занять заново.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.TTLAt.After(now)
}

// Stuck — запрос начался, но результат так и не записан до истечения TTL.
// Обычно это падение процесса посреди оформления заказа: сток мог остаться в резерве.
func (r IdempotencyRecord) Stuck(now time.Time) bool {
	return r.Status == IdempotencyStatusProcessing && r.Expired(now)
}

// Settled — результат записан и повтор запроса получит его без повторного выполнения.
func (r IdempotencyRecord) Settled() bool {
	return r.Status == IdempotencyStatusDone || r.Status == IdempotencyStatusFailed
}

// IdempotencyRepository хранит результаты вызовов по ключу.
// CreateProcessing занимает ключ; для живой записи возвращает её вместе с ошибкой конфликта.
type IdempotencyRepository interface {
	CreateProcessing(key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(key string) (IdempotencyRecord, error)
	MarkDone(key string, responseBody []byte, resultCode int) error
	MarkFailed(key string, responseBody []byte, resultCode int) error
	DeleteExpired(before time.Time, limit int) (int, error)
}
