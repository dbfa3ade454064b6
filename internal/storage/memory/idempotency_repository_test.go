package memory_test

import (
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
)

func TestIdempotencyRepository_CreateConflicts(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	ttl := time.Now().UTC().Add(time.Hour)

	created, err := repo.CreateProcessing("place-1", "hash-a", ttl)
	if err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}
	if created.Status != domain.IdempotencyStatusProcessing {
		t.Fatalf("expected processing, got %s", created.Status)
	}

	if _, err := repo.CreateProcessing("place-1", "hash-a", ttl); !errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists) {
		t.Fatalf("expected ErrIdempotencyKeyAlreadyExists, got %v", err)
	}
	if _, err := repo.CreateProcessing("place-1", "hash-b", ttl); !errors.Is(err, domain.ErrIdempotencyHashMismatch) {
		t.Fatalf("expected ErrIdempotencyHashMismatch, got %v", err)
	}
	if _, err := repo.CreateProcessing(" ", "hash", ttl); !errors.Is(err, domain.ErrIdempotencyKeyRequired) {
		t.Fatalf("expected ErrIdempotencyKeyRequired, got %v", err)
	}
}

func TestIdempotencyRepository_ExpiredKeyIsReusable(t *testing.T) {
	repo := memory.NewIdempotencyRepository()

	if _, err := repo.CreateProcessing("place-2", "hash-old", time.Now().UTC().Add(-time.Second)); err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}
	record, err := repo.CreateProcessing("place-2", "hash-new", time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("expired key must be reusable, got %v", err)
	}
	if record.RequestHash != "hash-new" {
		t.Fatalf("expected new hash, got %s", record.RequestHash)
	}
}

func TestIdempotencyRepository_MarkDoneAndDeleteExpired(t *testing.T) {
	repo := memory.NewIdempotencyRepository()

	if _, err := repo.CreateProcessing("expired", "h1", time.Now().UTC().Add(-time.Minute)); err != nil {
		t.Fatalf("CreateProcessing expired failed: %v", err)
	}
	if _, err := repo.CreateProcessing("active", "h2", time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatalf("CreateProcessing active failed: %v", err)
	}
	if err := repo.MarkDone("active", []byte(`{"ok":true}`), 0); err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}
	if err := repo.MarkFailed("missing", nil, 500); !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		t.Fatalf("expected ErrIdempotencyKeyNotFound, got %v", err)
	}

	active, err := repo.Get("active")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if active.Status != domain.IdempotencyStatusDone || active.ResultCode != 0 || string(active.ResponseBody) != `{"ok":true}` {
		t.Fatalf("unexpected record: %+v", active)
	}

	removed, err := repo.DeleteExpired(time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected removed=1, got %d", removed)
	}
	if _, err := repo.Get("expired"); !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		t.Fatalf("expected expired key to be deleted, got %v", err)
	}
}

func TestIdempotencyRepository_ListStuck(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	lister, ok := repo.(interface {
		ListStuck(time.Time, int) ([]domain.IdempotencyRecord, error)
	})
	if !ok {
		t.Fatal("memory repository must list stuck keys")
	}

	now := time.Now().UTC()
	for _, key := range []string{"stuck-1", "stuck-2", "done"} {
		if _, err := repo.CreateProcessing(key, "h", now.Add(-time.Minute)); err != nil {
			t.Fatalf("CreateProcessing(%s): %v", key, err)
		}
	}
	if err := repo.MarkDone("done", nil, 0); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	if _, err := repo.CreateProcessing("live", "h", now.Add(time.Hour)); err != nil {
		t.Fatalf("CreateProcessing(live): %v", err)
	}

	stuck, err := lister.ListStuck(now, 0)
	if err != nil {
		t.Fatalf("ListStuck: %v", err)
	}
	if len(stuck) != 2 {
		t.Fatalf("expected 2 stuck keys, got %+v", stuck)
	}
	limited, _ := lister.ListStuck(now, 1)
	if len(limited) != 1 {
		t.Fatalf("limit must apply, got %d", len(limited))
	}
}
