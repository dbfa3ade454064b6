package grpcsvc

import (
	"fmt"
	"math"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/saga"
)

func stringField(req *structpb.Struct, name string) string {
	return strings.TrimSpace(req.GetFields()[name].GetStringValue())
}

// maxExactInteger — 2^53, дальше float64 теряет единицы.
const maxExactInteger = 1 << 53

// wholeField читает целое число из JSON-числа. Дробные значения и числа
// по модулю больше limit отклоняются, отсутствующее поле даёт 0.
func wholeField(req *structpb.Struct, name string, limit float64) (int64, error) {
	value := req.GetFields()[name].GetNumberValue()
	switch {
	case math.IsNaN(value) || math.IsInf(value, 0):
		return 0, fmt.Errorf("%s must be a finite number", name)
	case value != math.Trunc(value):
		return 0, fmt.Errorf("%s must be a whole number, got %v", name, value)
	case math.Abs(value) > limit:
		return 0, fmt.Errorf("%s is out of range: %v", name, value)
	}
	return int64(value), nil
}

func structField(req *structpb.Struct, name string) *structpb.Struct {
	return req.GetFields()[name].GetStructValue()
}

func decodePlaceOrder(req *structpb.Struct) (saga.PlaceOrderCommand, error) {
	cmd := saga.PlaceOrderCommand{
		CustomerID:  stringField(req, "customer_id"),
		AddressID:   stringField(req, "address_id"),
		PaymentMode: domain.PaymentMode(strings.ToLower(stringField(req, "payment_mode"))),
		Currency:    strings.ToUpper(stringField(req, "currency")),
	}
	for i, value := range req.GetFields()["items"].GetListValue().GetValues() {
		item := value.GetStructValue()
		qty, err := wholeField(item, "qty", math.MaxInt32)
		if err != nil {
			return saga.PlaceOrderCommand{}, fmt.Errorf("items[%d]: %w", i, err)
		}
		price, err := wholeField(item, "price_minor", maxExactInteger)
		if err != nil {
			return saga.PlaceOrderCommand{}, fmt.Errorf("items[%d]: %w", i, err)
		}
		cmd.Cart = append(cmd.Cart, saga.CartLine{
			ItemID:     stringField(item, "item_id"),
			Name:       stringField(item, "name"),
			Qty:        int32(qty),
			PriceMinor: price,
		})
	}
	return cmd, nil
}

func decodeActor(req *structpb.Struct) domain.Actor {
	actor := structField(req, "actor")
	return domain.Actor{
		ID:      stringField(actor, "id"),
		Role:    domain.ActorRole(strings.ToLower(stringField(actor, "role"))),
		DepotID: stringField(actor, "depot_id"),
	}
}

func orderFields(order domain.Order) map[string]interface{} {
	items := make([]interface{}, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, map[string]interface{}{
			"id":          item.ID,
			"item_id":     item.ItemID,
			"name":        item.Name,
			"qty":         item.Qty,
			"price_minor": item.PriceMinor,
		})
	}
	return map[string]interface{}{
		"id":                 order.ID,
		"customer_id":        order.CustomerID,
		"address_id":         order.AddressID,
		"destination":        coordinateFields(order.Destination),
		"depot_id":           order.DepotID,
		"status":             string(order.Status),
		"payment_mode":       string(order.PaymentMode),
		"payment_status":     string(order.PaymentStatus),
		"currency":           order.Currency,
		"subtotal_minor":     order.SubtotalMinor,
		"delivery_fee_minor": order.DeliveryFeeMinor,
		"amount_minor":       order.AmountMinor,
		"receipt_id":         order.ReceiptID,
		"items":              items,
		"version":            order.Version,
		"created_at":         order.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":         order.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func coordinateFields(c domain.Coordinate) map[string]interface{} {
	return map[string]interface{}{"lat": c.Lat, "lng": c.Lng}
}

func placementFields(p saga.Placement) map[string]interface{} {
	fields := map[string]interface{}{
		"order":       orderFields(p.Order),
		"distance_km": p.DistanceKm,
	}
	if p.Intent != nil {
		fields["payment_intent"] = map[string]interface{}{
			"id":            p.Intent.ID,
			"provider":      p.Intent.Provider,
			"amount_minor":  p.Intent.AmountMinor,
			"currency":      p.Intent.Currency,
			"client_secret": p.Intent.ClientSecret,
		}
	}
	return fields
}

func timelineFields(events []domain.TimelineEvent) []interface{} {
	out := make([]interface{}, 0, len(events))
	for _, event := range events {
		out = append(out, map[string]interface{}{
			"type":     string(event.Type),
			"reason":   event.Reason,
			"occurred": event.Occurred.UTC().Format(time.RFC3339Nano),
		})
	}
	return out
}

func depotFields(d domain.Depot) map[string]interface{} {
	depot := map[string]interface{}{
		"id":      d.ID,
		"name":    d.Name,
		"address": d.Address,
		"active":  d.Active,
	}
	if d.Location != nil {
		depot["location"] = coordinateFields(*d.Location)
	}
	return depot
}

// decodeDepot читает склад; location без lat или lng считается отсутствующим.
func decodeDepot(req *structpb.Struct) domain.Depot {
	depot := structField(req, "depot")
	result := domain.Depot{
		ID:      stringField(depot, "id"),
		Name:    stringField(depot, "name"),
		Address: stringField(depot, "address"),
		Active:  depot.GetFields()["active"].GetBoolValue(),
	}
	location := structField(depot, "location").GetFields()
	lat, hasLat := location["lat"]
	lng, hasLng := location["lng"]
	if hasLat && hasLng {
		result.Location = &domain.Coordinate{Lat: lat.GetNumberValue(), Lng: lng.GetNumberValue()}
	}
	return result
}

func stringList(req *structpb.Struct, name string) []string {
	values := req.GetFields()[name].GetListValue().GetValues()
	out := make([]string, 0, len(values))
	for _, value := range values {
		out = append(out, strings.TrimSpace(value.GetStringValue()))
	}
	return out
}

func stockLevelFields(level saga.StockLevel) map[string]interface{} {
	return map[string]interface{}{
		"item_id":  level.ItemID,
		"quantity": level.Quantity,
	}
}

func nearbyDepotsFields(depots []saga.NearbyDepot) map[string]interface{} {
	out := make([]interface{}, 0, len(depots))
	for _, entry := range depots {
		stock := make([]interface{}, 0, len(entry.Stock))
		for _, level := range entry.Stock {
			stock = append(stock, stockLevelFields(level))
		}
		out = append(out, map[string]interface{}{
			"depot":       depotFields(entry.Depot),
			"distance_km": entry.DistanceKm,
			"stock":       stock,
		})
	}
	return map[string]interface{}{"depots": out}
}

func depotOrdersFields(result saga.DepotOrders) map[string]interface{} {
	depot := depotFields(result.Depot)

	orders := make([]interface{}, 0, len(result.Orders))
	for _, entry := range result.Orders {
		orders = append(orders, map[string]interface{}{
			"order":       orderFields(entry.Order),
			"distance_km": entry.DistanceKm,
		})
	}

	summary := make(map[string]interface{}, len(result.Summary))
	for status, count := range result.Summary {
		summary[string(status)] = count
	}

	return map[string]interface{}{
		"depot":   depot,
		"orders":  orders,
		"summary": summary,
	}
}
