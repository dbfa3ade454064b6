package domain

import (
	"context"
	"time"
)

// Depot — склад, с которого исполняется заказ.
type Depot struct {
	ID      string
	Name    string
	Address string
	Active  bool
	// Location пустой, пока склад не геокодирован.
	Location  *Coordinate
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Eligible сообщает, может ли склад участвовать в маршрутизации.
func (d Depot) Eligible() bool {
	return d.Active && d.Location != nil
}

// DepotDirectory отдаёт склады, пригодные для маршрутизации.
type DepotDirectory interface {
	// ActiveDepots возвращает активные склады с координатами, упорядоченные по ID.
	ActiveDepots(ctx context.Context) ([]Depot, error)
}

// DepotRepository — справочник складов с операциями записи (наполнение и сопровождение).
type DepotRepository interface {
	DepotDirectory
	Get(ctx context.Context, id string) (Depot, error)
	Upsert(ctx context.Context, depot Depot) error
}

// AddressBook разрешает адрес клиента в координаты.
type AddressBook interface {
	// Lookup возвращает ErrAddressNotFound или ErrNoCoordinates при невозможности разрешить адрес.
	Lookup(ctx context.Context, addressID string) (Coordinate, error)
}

// Address — сохранённый адрес доставки клиента.
type Address struct {
	ID         string
	CustomerID string
	Line       string
	Location   *Coordinate
}
