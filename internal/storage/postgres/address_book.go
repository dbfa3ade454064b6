package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// AddressBook разрешает сохранённые адреса клиентов в координаты.
type AddressBook struct {
	db *sql.DB
}

func NewAddressBook(store *Store) *AddressBook {
	return &AddressBook{db: store.DB()}
}

func (b *AddressBook) Lookup(ctx context.Context, addressID string) (domain.Coordinate, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var lat, lng sql.NullFloat64
	err := b.db.QueryRowContext(ctx, `SELECT lat, lng FROM addresses WHERE id = $1`, addressID).Scan(&lat, &lng)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Coordinate{}, domain.ErrAddressNotFound
		}
		return domain.Coordinate{}, storeErr("lookup address", err)
	}
	loc := coordinateFromColumns(lat, lng)
	if loc == nil {
		return domain.Coordinate{}, domain.ErrNoCoordinates
	}
	return *loc, nil
}

// Upsert сохраняет адрес; используется при загрузке справочников.
func (b *AddressBook) Upsert(ctx context.Context, address domain.Address) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	lat, lng := coordinateColumns(address.Location)
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO addresses (id, customer_id, line, lat, lng)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET customer_id = EXCLUDED.customer_id,
		    line = EXCLUDED.line,
		    lat = EXCLUDED.lat,
		    lng = EXCLUDED.lng
	`, address.ID, address.CustomerID, address.Line, lat, lng)
	return storeErr("upsert address", err)
}

var _ domain.AddressBook = (*AddressBook)(nil)
