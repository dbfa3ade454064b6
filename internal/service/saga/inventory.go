package saga

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const maxNearbyDepots = 20

// StockLevel — остаток позиции на складе.
type StockLevel struct {
	ItemID   string
	Quantity int64
}

// NearbyDepot — пригодный склад, расстояние до адреса и остатки запрошенных позиций.
type NearbyDepot struct {
	Depot      domain.Depot
	DistanceKm float64
	Stock      []StockLevel
}

// SetStock перезаписывает остаток позиции на складе.
// Оператор меняет только свой склад, клиент не меняет ничего.
func (o *Orchestrator) SetStock(ctx context.Context, actor domain.Actor, depotID, itemID string, qty int64) (StockLevel, error) {
	ctx, span := o.tracer.Start(ctx, "saga.SetStock")
	defer span.End()
	span.SetAttributes(
		attribute.String("depot.id", depotID),
		attribute.String("item.id", itemID),
		attribute.String("actor.role", string(actor.Role)),
	)

	if depotID == "" {
		return StockLevel{}, domain.ErrDepotRequired
	}
	if !actorManagesDepot(actor, depotID) {
		return StockLevel{}, domain.ErrForbidden
	}
	if _, err := o.depots.Get(ctx, depotID); err != nil {
		return StockLevel{}, err
	}
	if err := o.stock.SetQuantity(ctx, depotID, itemID, qty); err != nil {
		return StockLevel{}, err
	}

	o.logger.WithFields(log.Fields{
		"depot_id": depotID,
		"item_id":  itemID,
		"qty":      qty,
		"actor":    actor.ID,
		"role":     actor.Role,
	}).Info("stock quantity set")
	return StockLevel{ItemID: itemID, Quantity: qty}, nil
}

// UpsertDepot создаёт или обновляет склад. Доступно только системным вызовам.
func (o *Orchestrator) UpsertDepot(ctx context.Context, actor domain.Actor, depot domain.Depot) (domain.Depot, error) {
	ctx, span := o.tracer.Start(ctx, "saga.UpsertDepot")
	defer span.End()
	span.SetAttributes(attribute.String("depot.id", depot.ID))

	if actor.Role != domain.ActorSystem {
		return domain.Depot{}, domain.ErrForbidden
	}
	depot.ID = strings.TrimSpace(depot.ID)
	if depot.ID == "" {
		return domain.Depot{}, domain.ErrDepotRequired
	}
	if depot.Location != nil {
		if err := depot.Location.Validate(); err != nil {
			return domain.Depot{}, err
		}
	}
	if err := o.depots.Upsert(ctx, depot); err != nil {
		return domain.Depot{}, err
	}
	if o.depotCache != nil {
		o.depotCache.Invalidate()
	}

	saved, err := o.depots.Get(ctx, depot.ID)
	if err != nil {
		return domain.Depot{}, err
	}
	o.logger.WithFields(log.Fields{
		"depot_id": saved.ID,
		"active":   saved.Active,
		"eligible": saved.Eligible(),
	}).Info("depot upserted")
	return saved, nil
}

// NearbyDepots возвращает ближайшие к адресу пригодные склады с остатками по itemIDs.
// limit <= 0 означает один ближайший склад.
func (o *Orchestrator) NearbyDepots(ctx context.Context, addressID string, itemIDs []string, limit int) ([]NearbyDepot, error) {
	ctx, span := o.tracer.Start(ctx, "saga.NearbyDepots")
	defer span.End()
	span.SetAttributes(attribute.String("address.id", addressID))

	if strings.TrimSpace(addressID) == "" {
		return nil, fmt.Errorf("%w: address id is empty", domain.ErrInvalidAddress)
	}
	destination, err := o.resolveAddress(ctx, addressID)
	if err != nil {
		return nil, err
	}
	candidates, err := o.resolver.Rank(ctx, destination)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, domain.ErrNoEligibleDepot
	}

	switch {
	case limit <= 0:
		limit = 1
	case limit > maxNearbyDepots:
		limit = maxNearbyDepots
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]NearbyDepot, 0, len(candidates))
	for _, candidate := range candidates {
		entry := NearbyDepot{Depot: candidate.Depot, DistanceKm: candidate.DistanceKm}
		for _, itemID := range itemIDs {
			if itemID == "" {
				return nil, domain.ErrItemIDRequired
			}
			qty, err := o.stock.Quantity(ctx, candidate.Depot.ID, itemID)
			if err != nil {
				return nil, err
			}
			entry.Stock = append(entry.Stock, StockLevel{ItemID: itemID, Quantity: qty})
		}
		result = append(result, entry)
	}
	return result, nil
}

func actorManagesDepot(actor domain.Actor, depotID string) bool {
	switch actor.Role {
	case domain.ActorSystem:
		return true
	case domain.ActorOperator:
		return actor.DepotID != "" && actor.DepotID == depotID
	default:
		return false
	}
}
