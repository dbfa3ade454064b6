package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const depotColumns = `id, name, address, active, lat, lng, created_at, updated_at`

type depotRepository struct {
	db *sql.DB
}

// NewDepotRepository создаёт PostgreSQL-справочник складов.
func NewDepotRepository(store *Store) domain.DepotRepository {
	return &depotRepository{db: store.DB()}
}

func scanDepot(row rowScanner) (domain.Depot, error) {
	var (
		depot    domain.Depot
		lat, lng sql.NullFloat64
	)
	if err := row.Scan(&depot.ID, &depot.Name, &depot.Address, &depot.Active, &lat, &lng, &depot.CreatedAt, &depot.UpdatedAt); err != nil {
		return domain.Depot{}, err
	}
	depot.Location = coordinateFromColumns(lat, lng)
	depot.CreatedAt = depot.CreatedAt.UTC()
	depot.UpdatedAt = depot.UpdatedAt.UTC()
	return depot, nil
}

// ActiveDepots возвращает активные геокодированные склады по возрастанию ID.
func (r *depotRepository) ActiveDepots(ctx context.Context) ([]domain.Depot, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+depotColumns+`
		FROM depots
		WHERE active AND lat IS NOT NULL AND lng IS NOT NULL
		ORDER BY id
	`)
	if err != nil {
		return nil, storeErr("list active depots", err)
	}
	defer rows.Close()

	depots := make([]domain.Depot, 0)
	for rows.Next() {
		depot, err := scanDepot(rows)
		if err != nil {
			return nil, storeErr("scan depot", err)
		}
		depots = append(depots, depot)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate depots", err)
	}
	return depots, nil
}

func (r *depotRepository) Get(ctx context.Context, id string) (domain.Depot, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	depot, err := scanDepot(r.db.QueryRowContext(ctx, `SELECT `+depotColumns+` FROM depots WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Depot{}, domain.ErrDepotNotFound
		}
		return domain.Depot{}, storeErr("get depot", err)
	}
	return depot, nil
}

// Upsert сохраняет склад; created_at существующей записи не меняется.
func (r *depotRepository) Upsert(ctx context.Context, depot domain.Depot) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	if depot.CreatedAt.IsZero() {
		depot.CreatedAt = now
	}
	lat, lng := coordinateColumns(depot.Location)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO depots (`+depotColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    address = EXCLUDED.address,
		    active = EXCLUDED.active,
		    lat = EXCLUDED.lat,
		    lng = EXCLUDED.lng,
		    updated_at = EXCLUDED.updated_at
	`, depot.ID, depot.Name, depot.Address, depot.Active, lat, lng, depot.CreatedAt, now)
	return storeErr("upsert depot", err)
}

var _ domain.DepotRepository = (*depotRepository)(nil)
