package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// DepotRepository — справочник складов в памяти.
type DepotRepository struct {
	mu     sync.RWMutex
	depots map[string]domain.Depot
}

// NewDepotRepository создаёт справочник, заполненный переданными складами.
func NewDepotRepository(depots ...domain.Depot) *DepotRepository {
	r := &DepotRepository{depots: make(map[string]domain.Depot, len(depots))}
	for _, d := range depots {
		r.depots[d.ID] = copyDepot(d)
	}
	return r
}

// ActiveDepots возвращает активные склады с координатами, упорядоченные по ID.
func (r *DepotRepository) ActiveDepots(_ context.Context) ([]domain.Depot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Depot, 0, len(r.depots))
	for _, d := range r.depots {
		if d.Eligible() {
			result = append(result, copyDepot(d))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *DepotRepository) Get(_ context.Context, id string) (domain.Depot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.depots[id]
	if !ok {
		return domain.Depot{}, domain.ErrDepotNotFound
	}
	return copyDepot(d), nil
}

func (r *DepotRepository) Upsert(_ context.Context, depot domain.Depot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := r.depots[depot.ID]; ok {
		depot.CreatedAt = existing.CreatedAt
	} else if depot.CreatedAt.IsZero() {
		depot.CreatedAt = now
	}
	depot.UpdatedAt = now
	r.depots[depot.ID] = copyDepot(depot)
	return nil
}

func copyDepot(d domain.Depot) domain.Depot {
	if d.Location != nil {
		loc := *d.Location
		d.Location = &loc
	}
	return d
}

var _ domain.DepotRepository = (*DepotRepository)(nil)

// AddressBook — адреса клиентов в памяти.
type AddressBook struct {
	mu        sync.RWMutex
	addresses map[string]domain.Address
}

func NewAddressBook(addresses ...domain.Address) *AddressBook {
	b := &AddressBook{addresses: make(map[string]domain.Address, len(addresses))}
	for _, a := range addresses {
		b.addresses[a.ID] = a
	}
	return b
}

// Put добавляет или заменяет адрес.
func (b *AddressBook) Put(address domain.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addresses[address.ID] = address
}

// Upsert — Put с сигнатурой хранилища для загрузки справочников.
func (b *AddressBook) Upsert(_ context.Context, address domain.Address) error {
	b.Put(address)
	return nil
}

func (b *AddressBook) Lookup(_ context.Context, addressID string) (domain.Coordinate, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	a, ok := b.addresses[addressID]
	if !ok {
		return domain.Coordinate{}, domain.ErrAddressNotFound
	}
	if a.Location == nil {
		return domain.Coordinate{}, domain.ErrNoCoordinates
	}
	return *a.Location, nil
}

var _ domain.AddressBook = (*AddressBook)(nil)
