package postgres

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

func TestOutboxRepository_PostgresFlow(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOutboxRepository(store)

	placed, err := repo.Enqueue(domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   "order-1",
		EventType:     "order.placed",
		Payload:       []byte(`{"order_id":"order-1","depot_id":"D1"}`),
	})
	if err != nil {
		t.Fatalf("enqueue placed: %v", err)
	}
	if placed.ID == "" {
		t.Fatal("expected generated id for outbox message")
	}

	paid := domain.OutboxMessage{
		ID:            "outbox-paid-1",
		AggregateType: "order",
		AggregateID:   "order-1",
		EventType:     "order.paid",
		Payload:       []byte(`{"order_id":"order-1"}`),
	}
	if _, err := repo.Enqueue(paid); err != nil {
		t.Fatalf("enqueue paid: %v", err)
	}
	// повторная постановка того же события не плодит дубль
	if _, err := repo.Enqueue(paid); err != nil {
		t.Fatalf("re-enqueue paid: %v", err)
	}

	pending, err := repo.PullPending(0)
	if err != nil {
		t.Fatalf("pull pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != placed.ID {
		t.Fatalf("expected 2 pending messages oldest first, got %+v", pending)
	}

	stats, err := repo.Stats()
	if err != nil {
		t.Fatalf("stats before settle: %v", err)
	}
	if stats.PendingCount != 2 || stats.OldestPendingAt.IsZero() {
		t.Fatalf("unexpected stats before settle: %+v", stats)
	}

	if err := repo.MarkSent(placed.ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := repo.MarkFailed(paid.ID); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	after, err := repo.PullPending(10)
	if err != nil {
		t.Fatalf("pull pending after settle: %v", err)
	}
	if len(after) != 0 {
		t.Fatalf("expected no pending after settle, got %d", len(after))
	}

	stats, err = repo.Stats()
	if err != nil {
		t.Fatalf("stats after settle: %v", err)
	}
	if stats.PendingCount != 0 || stats.FailedCount != 1 || !stats.OldestPendingAt.IsZero() {
		t.Fatalf("unexpected stats after settle: %+v", stats)
	}
}

func TestOutboxRepository_PostgresSameInstantKeepsWriteOrder(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOutboxRepository(store).(*outboxRepository)

	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return frozen }

	// ID выбраны так, чтобы сортировка по ним дала обратный порядок
	var want []string
	for i := 9; i >= 0; i-- {
		id := fmt.Sprintf("evt-%d", i)
		if _, err := repo.Enqueue(domain.OutboxMessage{ID: id, AggregateType: "order", AggregateID: "order-7", EventType: "order.status", Payload: []byte(`{}`)}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
		want = append(want, id)
	}

	pending, err := repo.PullPending(len(want))
	if err != nil {
		t.Fatalf("pull pending: %v", err)
	}
	if len(pending) != len(want) {
		t.Fatalf("expected %d pending, got %d", len(want), len(pending))
	}
	for i, msg := range pending {
		if msg.ID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], msg.ID)
		}
	}
}

func TestOutboxRepository_PostgresMissingRows(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOutboxRepository(store)

	if err := repo.MarkSent("missing-outbox"); !errors.Is(err, domain.ErrOutboxPublish) {
		t.Fatalf("expected ErrOutboxPublish on mark sent missing id, got %v", err)
	}
	if err := repo.MarkFailed("missing-outbox"); !errors.Is(err, domain.ErrOutboxPublish) {
		t.Fatalf("expected ErrOutboxPublish on mark failed missing id, got %v", err)
	}
}
