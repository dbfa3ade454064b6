package memory

import (
	"cmp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const defaultIdempotencyTTL = 24 * time.Hour

// idempotencyStore держит ключи в памяти процесса; записи отдаются копиями.
type idempotencyStore struct {
	mu   sync.Mutex
	keys map[string]domain.IdempotencyRecord
	now  func() time.Time
}

func NewIdempotencyRepository() domain.IdempotencyRepository {
	return &idempotencyStore{
		keys: make(map[string]domain.IdempotencyRecord),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func normalizeKey(key string) (string, error) {
	if key = strings.TrimSpace(key); key == "" {
		return "", domain.ErrIdempotencyKeyRequired
	}
	return key, nil
}

// CreateProcessing занимает ключ; просроченная запись перезаписывается.
func (s *idempotencyStore) CreateProcessing(key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	if requestHash = strings.TrimSpace(requestHash); requestHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if held, ok := s.keys[key]; ok && !held.Expired(now) {
		conflict := domain.ErrIdempotencyKeyAlreadyExists
		if held.RequestHash != requestHash {
			conflict = domain.ErrIdempotencyHashMismatch
		}
		return cloneRecord(held), conflict
	}

	claimed := domain.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      domain.IdempotencyStatusProcessing,
		TTLAt:       cmp.Or(ttlAt, now.Add(defaultIdempotencyTTL)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.keys[key] = claimed
	return cloneRecord(claimed), nil
}

func (s *idempotencyStore) Get(key string) (domain.IdempotencyRecord, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.keys[key]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return cloneRecord(record), nil
}

func (s *idempotencyStore) MarkDone(key string, responseBody []byte, resultCode int) error {
	return s.settle(key, domain.IdempotencyStatusDone, responseBody, resultCode)
}

func (s *idempotencyStore) MarkFailed(key string, responseBody []byte, resultCode int) error {
	return s.settle(key, domain.IdempotencyStatusFailed, responseBody, resultCode)
}

// DeleteExpired удаляет ключи с истёкшим TTL, начиная с самых старых; limit <= 0 снимает ограничение.
func (s *idempotencyStore) DeleteExpired(before time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := s.collect(limit, func(r domain.IdempotencyRecord) bool {
		return r.Expired(cmp.Or(before, s.now()))
	}, func(a, b domain.IdempotencyRecord) int { return a.TTLAt.Compare(b.TTLAt) })
	for _, record := range expired {
		delete(s.keys, record.Key)
	}
	return len(expired), nil
}

// ListStuck отдаёт просроченные ключи, оставшиеся в processing, от старых к новым.
func (s *idempotencyStore) ListStuck(before time.Time, limit int) ([]domain.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.collect(limit, func(r domain.IdempotencyRecord) bool { return r.Stuck(before) },
		func(a, b domain.IdempotencyRecord) int { return a.CreatedAt.Compare(b.CreatedAt) }), nil
}

// collect вызывается под s.mu.
func (s *idempotencyStore) collect(limit int, match func(domain.IdempotencyRecord) bool, order func(a, b domain.IdempotencyRecord) int) []domain.IdempotencyRecord {
	var out []domain.IdempotencyRecord
	for _, record := range s.keys {
		if match(record) {
			out = append(out, cloneRecord(record))
		}
	}
	slices.SortFunc(out, order)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *idempotencyStore) settle(key string, status domain.IdempotencyStatus, responseBody []byte, resultCode int) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.keys[key]
	if !ok {
		return domain.ErrIdempotencyKeyNotFound
	}
	record.Status = status
	record.ResponseBody = slices.Clone(responseBody)
	record.ResultCode = resultCode
	record.UpdatedAt = s.now()
	s.keys[key] = record
	return nil
}

func cloneRecord(r domain.IdempotencyRecord) domain.IdempotencyRecord {
	r.ResponseBody = slices.Clone(r.ResponseBody)
	return r
}

var _ domain.IdempotencyRepository = (*idempotencyStore)(nil)
