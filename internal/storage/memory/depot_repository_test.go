package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

func TestDepotRepository_ActiveDepotsFiltersAndSorts(t *testing.T) {
	ctx := context.Background()
	repo := NewDepotRepository(
		domain.Depot{ID: "D3", Active: true, Location: &domain.Coordinate{Lat: 1, Lng: 1}},
		domain.Depot{ID: "D1", Active: true, Location: &domain.Coordinate{Lat: 2, Lng: 2}},
		domain.Depot{ID: "D2", Active: false, Location: &domain.Coordinate{Lat: 3, Lng: 3}},
		domain.Depot{ID: "D4", Active: true},
	)

	depots, err := repo.ActiveDepots(ctx)
	if err != nil {
		t.Fatalf("active depots: %v", err)
	}
	if len(depots) != 2 || depots[0].ID != "D1" || depots[1].ID != "D3" {
		t.Fatalf("unexpected depots: %+v", depots)
	}

	// Изменение копии не должно влиять на справочник.
	depots[0].Location.Lat = 50
	stored, _ := repo.Get(ctx, "D1")
	if stored.Location.Lat != 2 {
		t.Fatal("directory leaked internal pointer")
	}

	if err := repo.Upsert(ctx, domain.Depot{ID: "D2", Active: true, Location: &domain.Coordinate{Lat: 3, Lng: 3}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	depots, _ = repo.ActiveDepots(ctx)
	if len(depots) != 3 {
		t.Fatalf("expected reactivated depot, got %d", len(depots))
	}
	if _, err := repo.Get(ctx, "D404"); !errors.Is(err, domain.ErrDepotNotFound) {
		t.Fatalf("expected ErrDepotNotFound, got %v", err)
	}
}

func TestAddressBook_Lookup(t *testing.T) {
	ctx := context.Background()
	book := NewAddressBook(
		domain.Address{ID: "home", CustomerID: "c1", Location: &domain.Coordinate{Lat: 12.91, Lng: 77.61}},
		domain.Address{ID: "draft", CustomerID: "c1"},
	)

	coord, err := book.Lookup(ctx, "home")
	if err != nil || coord.Lat != 12.91 {
		t.Fatalf("unexpected lookup: %+v %v", coord, err)
	}
	if _, err := book.Lookup(ctx, "draft"); !errors.Is(err, domain.ErrNoCoordinates) {
		t.Fatalf("expected ErrNoCoordinates, got %v", err)
	}
	if _, err := book.Lookup(ctx, "nope"); !errors.Is(err, domain.ErrAddressNotFound) {
		t.Fatalf("expected ErrAddressNotFound, got %v", err)
	}
}
