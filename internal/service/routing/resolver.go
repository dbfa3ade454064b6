package routing

import (
	"context"
	"fmt"
	"sort"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// Candidate — склад вместе с расстоянием до точки доставки.
type Candidate struct {
	Depot      domain.Depot
	DistanceKm float64
}

// Resolver выбирает ближайший склад для точки доставки.
type Resolver struct {
	directory domain.DepotDirectory
}

func NewResolver(directory domain.DepotDirectory) *Resolver {
	return &Resolver{directory: directory}
}

// Resolve возвращает ближайший пригодный склад. При равных расстояниях выигрывает меньший ID.
func (r *Resolver) Resolve(ctx context.Context, destination domain.Coordinate) (Candidate, error) {
	if err := destination.Validate(); err != nil {
		return Candidate{}, err
	}

	depots, err := r.directory.ActiveDepots(ctx)
	if err != nil {
		return Candidate{}, fmt.Errorf("load depots: %w", err)
	}

	var (
		best  Candidate
		found bool
	)
	for _, depot := range depots {
		if !depot.Eligible() {
			continue
		}
		d := domain.Distance(destination, *depot.Location)
		if !found || d < best.DistanceKm || (d == best.DistanceKm && depot.ID < best.Depot.ID) {
			best = Candidate{Depot: depot, DistanceKm: d}
			found = true
		}
	}
	if !found {
		return Candidate{}, domain.ErrNoEligibleDepot
	}
	return best, nil
}

// Rank возвращает все пригодные склады по возрастанию расстояния.
func (r *Resolver) Rank(ctx context.Context, destination domain.Coordinate) ([]Candidate, error) {
	if err := destination.Validate(); err != nil {
		return nil, err
	}

	depots, err := r.directory.ActiveDepots(ctx)
	if err != nil {
		return nil, fmt.Errorf("load depots: %w", err)
	}

	result := make([]Candidate, 0, len(depots))
	for _, depot := range depots {
		if depot.Eligible() {
			result = append(result, Candidate{Depot: depot, DistanceKm: domain.Distance(destination, *depot.Location)})
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].DistanceKm != result[j].DistanceKm {
			return result[i].DistanceKm < result[j].DistanceKm
		}
		return result[i].Depot.ID < result[j].Depot.ID
	})
	return result, nil
}
