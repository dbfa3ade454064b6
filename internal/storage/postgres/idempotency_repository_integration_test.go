package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

func TestIdempotencyRepository_PostgresClaimAndMarkDone(t *testing.T) {
	repo := NewIdempotencyRepository(openPostgresStoreForIntegrationTest(t))

	ttl := time.Now().UTC().Add(2 * time.Hour).Round(time.Second)
	created, err := repo.CreateProcessing("place-order-1", "hash-1", ttl)
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusProcessing, created.Status)

	require.NoError(t, repo.MarkDone("place-order-1", []byte(`{"order":{"id":"o-1"}}`), 0))

	got, err := repo.Get("place-order-1")
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusDone, got.Status)
	require.JSONEq(t, `{"order":{"id":"o-1"}}`, string(got.ResponseBody))
	require.True(t, got.TTLAt.Equal(ttl), "ttl mismatch: expected %s, got %s", ttl, got.TTLAt)

	require.ErrorIs(t, repo.MarkFailed("missing", nil, 9), domain.ErrIdempotencyKeyNotFound)
	_, err = repo.Get("missing")
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
}

func TestIdempotencyRepository_PostgresConflictAndHashMismatch(t *testing.T) {
	repo := NewIdempotencyRepository(openPostgresStoreForIntegrationTest(t))

	ttl := time.Now().UTC().Add(time.Hour)
	_, err := repo.CreateProcessing("transition-1", "hash-a", ttl)
	require.NoError(t, err)

	existing, err := repo.CreateProcessing("transition-1", "hash-a", ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)
	require.Equal(t, domain.IdempotencyStatusProcessing, existing.Status)

	_, err = repo.CreateProcessing("transition-1", "hash-b", ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)
}

func TestIdempotencyRepository_PostgresExpiredKeyIsReclaimed(t *testing.T) {
	repo := NewIdempotencyRepository(openPostgresStoreForIntegrationTest(t))

	_, err := repo.CreateProcessing("reused", "old-hash", time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.NoError(t, repo.MarkFailed("reused", []byte(`{"code":14}`), 14))

	claimed, err := repo.CreateProcessing("reused", "new-hash", time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, "new-hash", claimed.RequestHash)

	got, err := repo.Get("reused")
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusProcessing, got.Status)
	require.Empty(t, got.ResponseBody)
}

func TestIdempotencyRepository_PostgresDeleteExpired(t *testing.T) {
	repo := NewIdempotencyRepository(openPostgresStoreForIntegrationTest(t))

	now := time.Now().UTC()
	for i, key := range []string{"expired-1", "expired-2", "expired-3"} {
		_, err := repo.CreateProcessing(key, "h", now.Add(-time.Duration(5-i)*time.Minute))
		require.NoError(t, err)
	}
	_, err := repo.CreateProcessing("active-1", "h", now.Add(time.Hour))
	require.NoError(t, err)

	removed, err := repo.DeleteExpired(now, 2)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	removed, err = repo.DeleteExpired(now, 0)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = repo.Get("active-1")
	require.NoError(t, err)
}

func TestIdempotencyRepository_PostgresListStuck(t *testing.T) {
	repo := NewIdempotencyRepository(openPostgresStoreForIntegrationTest(t))
	lister, ok := repo.(interface {
		ListStuck(time.Time, int) ([]domain.IdempotencyRecord, error)
	})
	require.True(t, ok, "postgres repository must list stuck keys")

	now := time.Now().UTC()
	_, err := repo.CreateProcessing("stuck-place", "h", now.Add(-time.Minute))
	require.NoError(t, err)
	_, err = repo.CreateProcessing("done-place", "h", now.Add(-time.Minute))
	require.NoError(t, err)
	require.NoError(t, repo.MarkDone("done-place", []byte(`{}`), 0))
	_, err = repo.CreateProcessing("live-place", "h", now.Add(time.Hour))
	require.NoError(t, err)

	stuck, err := lister.ListStuck(now, 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	require.Equal(t, "stuck-place", stuck[0].Key)
	require.Equal(t, domain.IdempotencyStatusProcessing, stuck[0].Status)
}
