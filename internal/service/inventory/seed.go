// Package inventory загружает справочники складов, адресов и остатков.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// Seed — содержимое YAML-файла начальных данных.
type Seed struct {
	Depots    []SeedDepot   `yaml:"depots"`
	Addresses []SeedAddress `yaml:"addresses"`
	Stock     []SeedStock   `yaml:"stock"`
}

type SeedDepot struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Address string   `yaml:"address"`
	Active  *bool    `yaml:"active"`
	Lat     *float64 `yaml:"lat"`
	Lng     *float64 `yaml:"lng"`
}

type SeedAddress struct {
	ID         string   `yaml:"id"`
	CustomerID string   `yaml:"customer_id"`
	Line       string   `yaml:"line"`
	Lat        *float64 `yaml:"lat"`
	Lng        *float64 `yaml:"lng"`
}

type SeedStock struct {
	DepotID  string `yaml:"depot_id"`
	ItemID   string `yaml:"item_id"`
	Quantity int64  `yaml:"quantity"`
}

// AddressWriter сохраняет адреса клиентов.
type AddressWriter interface {
	Upsert(ctx context.Context, address domain.Address) error
}

// Target — хранилища, в которые применяется Seed.
type Target struct {
	Depots    domain.DepotRepository
	Addresses AddressWriter
	Stock     domain.StockStore
}

// LoadFile читает Seed из YAML-файла.
func LoadFile(path string) (Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return Seed{}, fmt.Errorf("open seed: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load разбирает и проверяет Seed. Неизвестные поля считаются ошибкой.
func Load(r io.Reader) (Seed, error) {
	var seed Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil && !errors.Is(err, io.EOF) {
		return Seed{}, fmt.Errorf("decode seed: %w", err)
	}
	if err := seed.Validate(); err != nil {
		return Seed{}, err
	}
	return seed, nil
}

func (s Seed) Validate() error {
	var errs []error
	depots := make(map[string]struct{}, len(s.Depots))
	for i, d := range s.Depots {
		if d.ID == "" {
			errs = append(errs, fmt.Errorf("depots[%d]: id is required", i))
			continue
		}
		if _, dup := depots[d.ID]; dup {
			errs = append(errs, fmt.Errorf("depots[%d]: duplicate id %q", i, d.ID))
		}
		depots[d.ID] = struct{}{}
		if _, err := coordinate(d.Lat, d.Lng); err != nil {
			errs = append(errs, fmt.Errorf("depot %s: %w", d.ID, err))
		}
	}
	for i, a := range s.Addresses {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("addresses[%d]: id is required", i))
			continue
		}
		if _, err := coordinate(a.Lat, a.Lng); err != nil {
			errs = append(errs, fmt.Errorf("address %s: %w", a.ID, err))
		}
	}
	for i, st := range s.Stock {
		switch {
		case st.ItemID == "":
			errs = append(errs, fmt.Errorf("stock[%d]: item_id is required", i))
		case st.Quantity < 0:
			errs = append(errs, fmt.Errorf("stock[%d]: %w", i, domain.ErrStockNegative))
		}
		if _, ok := depots[st.DepotID]; !ok {
			errs = append(errs, fmt.Errorf("stock[%d]: unknown depot %q", i, st.DepotID))
		}
	}
	return errors.Join(errs...)
}

// Apply записывает справочники в хранилища. Остатки перезаписываются значениями из Seed.
func (s Seed) Apply(ctx context.Context, target Target, logger *log.Entry) error {
	if logger == nil {
		logger = log.WithField("component", "inventory-seed")
	}

	for _, d := range s.Depots {
		loc, _ := coordinate(d.Lat, d.Lng)
		active := d.Active == nil || *d.Active
		if err := target.Depots.Upsert(ctx, domain.Depot{ID: d.ID, Name: d.Name, Address: d.Address, Active: active, Location: loc}); err != nil {
			return fmt.Errorf("seed depot %s: %w", d.ID, err)
		}
	}
	if target.Addresses != nil {
		for _, a := range s.Addresses {
			loc, _ := coordinate(a.Lat, a.Lng)
			if err := target.Addresses.Upsert(ctx, domain.Address{ID: a.ID, CustomerID: a.CustomerID, Line: a.Line, Location: loc}); err != nil {
				return fmt.Errorf("seed address %s: %w", a.ID, err)
			}
		}
	}
	for _, st := range s.Stock {
		if err := target.Stock.Set(ctx, st.DepotID, st.ItemID, st.Quantity); err != nil {
			return fmt.Errorf("seed stock %s/%s: %w", st.DepotID, st.ItemID, err)
		}
	}

	logger.WithFields(log.Fields{
		"depots":    len(s.Depots),
		"addresses": len(s.Addresses),
		"stock":     len(s.Stock),
	}).Info("inventory seed applied")
	return nil
}

// coordinate собирает координату; обе половины должны быть заданы вместе.
func coordinate(lat, lng *float64) (*domain.Coordinate, error) {
	if lat == nil && lng == nil {
		return nil, nil
	}
	if lat == nil || lng == nil {
		return nil, errors.New("lat and lng must be set together")
	}
	c := domain.Coordinate{Lat: *lat, Lng: *lng}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
