package saga

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/payment"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/routing"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/stock"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
)

const testSecret = "test-secret"

type fixture struct {
	orch      *Orchestrator
	orders    domain.OrderRepository
	stock     *memory.StockStore
	processor *payment.LocalProcessor
	verifier  *payment.HMACVerifier
	outbox    *memory.OutboxRepository
	timeline  domain.TimelineRepository
}

type fixtureOption func(*Deps)

func coord(lat, lng float64) *domain.Coordinate {
	return &domain.Coordinate{Lat: lat, Lng: lng}
}

func newFixture(t *testing.T, depots []domain.Depot, options ...fixtureOption) *fixture {
	t.Helper()

	store := memory.NewStockStore()
	ctx := context.Background()
	for _, d := range depots {
		for item, qty := range map[string]int64{"itemX": 5, "itemY": 1} {
			if err := store.Set(ctx, d.ID, item, qty); err != nil {
				t.Fatalf("seed stock: %v", err)
			}
		}
	}

	logger := log.New().WithField("test", t.Name())
	depotRepo := memory.NewDepotRepository(depots...)
	processor := payment.NewLocalProcessor()
	verifier := payment.NewHMACVerifier(testSecret)

	f := &fixture{
		orders:    memory.NewOrderRepository(),
		stock:     store,
		processor: processor,
		verifier:  verifier,
		outbox:    memory.NewOutboxRepository(),
		timeline:  memory.NewTimelineRepository(),
	}
	deps := Deps{
		Orders: f.orders,
		Addresses: memory.NewAddressBook(
			domain.Address{ID: "addr-blr", CustomerID: "cust-1", Location: coord(12.91, 77.61)},
			domain.Address{ID: "addr-unmapped", CustomerID: "cust-1"},
			domain.Address{ID: "addr-invalid", CustomerID: "cust-1", Location: coord(120, 0)},
		),
		Depots:   depotRepo,
		Resolver: routing.NewResolver(depotRepo),
		Stock:    stock.NewLedger(store, logger),
		Payments: payment.NewGate(processor, verifier, payment.WithLogger(logger)),
		Outbox:   f.outbox,
		Timeline: f.timeline,
	}
	for _, option := range options {
		option(&deps)
	}
	f.orders = deps.Orders

	orch, err := NewOrchestrator(deps,
		WithLogger(logger),
		WithMetrics(metrics.NewOrderMetricsWithRegisterer(prometheus.NewRegistry())),
	)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	f.orch = orch
	return f
}

func twoDepots() []domain.Depot {
	return []domain.Depot{
		{ID: "D1", Name: "Bengaluru", Active: true, Location: coord(12.90, 77.60)},
		{ID: "D2", Name: "Delhi", Active: true, Location: coord(28.60, 77.20)},
	}
}

func (f *fixture) quantity(t *testing.T, depotID, itemID string) int64 {
	t.Helper()
	qty, err := f.stock.Quantity(context.Background(), depotID, itemID)
	if err != nil {
		t.Fatalf("quantity: %v", err)
	}
	return qty
}

func (f *fixture) confirmation(t *testing.T, receiptID, status string) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(payment.Confirmation{ReceiptID: receiptID, PaymentID: "pay-" + receiptID, Status: status})
	if err != nil {
		t.Fatalf("marshal confirmation: %v", err)
	}
	return payload, f.verifier.Sign(payload)
}

func orderCmd(mode domain.PaymentMode, lines ...CartLine) PlaceOrderCommand {
	if len(lines) == 0 {
		lines = []CartLine{{ItemID: "itemX", Name: "Widget", Qty: 2, PriceMinor: 1000}}
	}
	return PlaceOrderCommand{
		CustomerID:  "cust-1",
		AddressID:   "addr-blr",
		Cart:        lines,
		PaymentMode: mode,
	}
}

func operator(depotID string) domain.Actor {
	return domain.Actor{ID: "op-" + depotID, Role: domain.ActorOperator, DepotID: depotID}
}

func TestNewOrchestratorRequiresDeps(t *testing.T) {
	if _, err := NewOrchestrator(Deps{}); err == nil {
		t.Fatal("expected error for empty deps")
	}
}

func TestPlaceOrderRoutesToNearestDepot(t *testing.T) {
	f := newFixture(t, twoDepots())

	placement, err := f.orch.PlaceOrder(context.Background(), orderCmd(domain.PaymentModeOnline))
	if err != nil {
		t.Fatalf("place order: %v", err)
	}

	order := placement.Order
	if order.DepotID != "D1" {
		t.Fatalf("expected depot D1, got %s", order.DepotID)
	}
	if order.Status != domain.OrderStatusPending || order.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("unexpected statuses %s/%s", order.Status, order.PaymentStatus)
	}
	if got := f.quantity(t, "D1", "itemX"); got != 3 {
		t.Fatalf("expected D1 itemX = 3, got %d", got)
	}
	if got := f.quantity(t, "D2", "itemX"); got != 5 {
		t.Fatalf("D2 must be untouched, got %d", got)
	}
	if placement.DistanceKm <= 0 || placement.DistanceKm > 2 {
		t.Fatalf("unexpected distance %.3f", placement.DistanceKm)
	}
	if placement.Intent == nil || placement.Intent.ID == "" || order.ReceiptID != placement.Intent.ID {
		t.Fatalf("expected intent attached as receipt, got %+v / %q", placement.Intent, order.ReceiptID)
	}
	if placement.Intent.AmountMinor != order.AmountMinor {
		t.Fatalf("intent amount %d != order amount %d", placement.Intent.AmountMinor, order.AmountMinor)
	}

	stored, err := f.orders.Get(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if stored.ReceiptID != order.ReceiptID || stored.Version != order.Version {
		t.Fatalf("returned order diverges from stored: %+v vs %+v", order, stored)
	}
	if len(f.outbox.ByEventType(string(kafka.EventTypeOrderPlaced))) != 1 {
		t.Fatal("expected order.placed event in outbox")
	}
	if len(f.outbox.ByEventType(string(kafka.EventTypePaymentIntentCreated))) != 1 {
		t.Fatal("expected payment.intent_created event in outbox")
	}
}

func TestPlaceOrderAppliesDeliveryFee(t *testing.T) {
	f := newFixture(t, twoDepots())
	orch, err := NewOrchestrator(Deps{
		Orders:    f.orch.orders,
		Addresses: f.orch.addresses,
		Depots:    f.orch.depots,
		Resolver:  f.orch.resolver,
		Stock:     f.orch.stock,
		Payments:  f.orch.payments,
		Outbox:    f.outbox,
	}, WithDeliveryFee(4000), WithCurrency("USD"))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	placement, err := orch.PlaceOrder(context.Background(), orderCmd(domain.PaymentModeCash))
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	order := placement.Order
	if order.SubtotalMinor != 2000 || order.DeliveryFeeMinor != 4000 || order.AmountMinor != 6000 {
		t.Fatalf("unexpected totals: %d + %d = %d", order.SubtotalMinor, order.DeliveryFeeMinor, order.AmountMinor)
	}
	if order.Currency != "USD" {
		t.Fatalf("expected default currency USD, got %s", order.Currency)
	}
	if !strings.HasPrefix(order.ReceiptID, cashReceiptPrefix) {
		t.Fatalf("cash order must get invoice receipt, got %q", order.ReceiptID)
	}
	if placement.Intent != nil {
		t.Fatal("cash order must not create payment intent")
	}
}

func TestPlaceOrderConcurrentOrdersNeverOversell(t *testing.T) {
	f := newFixture(t, twoDepots())
	cmd := orderCmd(domain.PaymentModeCash, CartLine{ItemID: "itemX", Qty: 3, PriceMinor: 100})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.orch.PlaceOrder(context.Background(), cmd)
		}(i)
	}
	wg.Wait()

	var succeeded int
	var shortage *domain.InsufficientStockError
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.As(err, &shortage):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one success, got %d (%v)", succeeded, errs)
	}
	if shortage == nil || shortage.ItemID != "itemX" || shortage.DepotID != "D1" {
		t.Fatalf("expected shortage on itemX at D1, got %+v", shortage)
	}
	if got := f.quantity(t, "D1", "itemX"); got != 2 {
		t.Fatalf("expected D1 itemX = 2, got %d", got)
	}
}

func TestPlaceOrderShortageCompensatesEarlierLines(t *testing.T) {
	f := newFixture(t, twoDepots())

	_, err := f.orch.PlaceOrder(context.Background(), orderCmd(domain.PaymentModeCash,
		CartLine{ItemID: "itemX", Qty: 2, PriceMinor: 100},
		CartLine{ItemID: "itemY", Qty: 2, PriceMinor: 100},
	))
	var shortage *domain.InsufficientStockError
	if !errors.As(err, &shortage) || shortage.ItemID != "itemY" {
		t.Fatalf("expected shortage on itemY, got %v", err)
	}
	if got := f.quantity(t, "D1", "itemX"); got != 5 {
		t.Fatalf("itemX reservation must be released, got %d", got)
	}
	if got := f.quantity(t, "D1", "itemY"); got != 1 {
		t.Fatalf("itemY must be untouched, got %d", got)
	}
	orders, err := f.orders.ListByCustomer(context.Background(), "cust-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("failed placement must not persist order, got %d", len(orders))
	}
}

func TestPlaceOrderAddressErrors(t *testing.T) {
	f := newFixture(t, twoDepots())

	for _, addressID := range []string{"addr-missing", "addr-unmapped", "addr-invalid", ""} {
		cmd := orderCmd(domain.PaymentModeCash)
		cmd.AddressID = addressID
		if _, err := f.orch.PlaceOrder(context.Background(), cmd); !errors.Is(err, domain.ErrInvalidAddress) {
			t.Fatalf("address %q: expected ErrInvalidAddress, got %v", addressID, err)
		}
	}
	if got := f.quantity(t, "D1", "itemX"); got != 5 {
		t.Fatalf("stock must be untouched, got %d", got)
	}
}

func TestPlaceOrderNoEligibleDepot(t *testing.T) {
	f := newFixture(t, []domain.Depot{
		{ID: "D9", Active: false, Location: coord(12.9, 77.6)},
		{ID: "D8", Active: true},
	})

	if _, err := f.orch.PlaceOrder(context.Background(), orderCmd(domain.PaymentModeCash)); !errors.Is(err, domain.ErrNoEligibleDepot) {
		t.Fatalf("expected ErrNoEligibleDepot, got %v", err)
	}
}

func TestPlaceOrderValidatesCommand(t *testing.T) {
	f := newFixture(t, twoDepots())

	cases := map[string]struct {
		mutate func(*PlaceOrderCommand)
		want   error
	}{
		"customer": {func(c *PlaceOrderCommand) { c.CustomerID = "" }, domain.ErrCustomerRequired},
		"mode":     {func(c *PlaceOrderCommand) { c.PaymentMode = "card" }, domain.ErrPaymentModeInvalid},
		"empty":    {func(c *PlaceOrderCommand) { c.Cart = nil }, domain.ErrItemsRequired},
		"qty":      {func(c *PlaceOrderCommand) { c.Cart[0].Qty = 0 }, domain.ErrItemQtyInvalid},
		"price":    {func(c *PlaceOrderCommand) { c.Cart[0].PriceMinor = -1 }, domain.ErrItemPriceInvalid},
		"item":     {func(c *PlaceOrderCommand) { c.Cart[0].ItemID = "" }, domain.ErrItemIDRequired},
		"overflow": {func(c *PlaceOrderCommand) {
			c.Cart[0].Qty, c.Cart[0].PriceMinor = math.MaxInt32, 1<<40
		}, domain.ErrAmountOverflow},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cmd := orderCmd(domain.PaymentModeCash)
			tc.mutate(&cmd)
			if _, err := f.orch.PlaceOrder(context.Background(), cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

type failingCreateRepo struct {
	domain.OrderRepository
}

func (r failingCreateRepo) Create(context.Context, domain.Order) error {
	return domain.StoreError("insert order", errors.New("connection refused"))
}

func TestPlaceOrderPersistenceFailureReleasesStock(t *testing.T) {
	f := newFixture(t, twoDepots(), func(d *Deps) {
		d.Orders = failingCreateRepo{OrderRepository: d.Orders}
	})

	_, err := f.orch.PlaceOrder(context.Background(), orderCmd(domain.PaymentModeOnline))
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if got := f.quantity(t, "D1", "itemX"); got != 5 {
		t.Fatalf("reservation must be compensated, got %d", got)
	}
	if len(f.outbox.ByEventType(string(kafka.EventTypeStockReleased))) != 1 {
		t.Fatal("expected stock.released event")
	}
}

func TestPlaceOrderIntentFailureKeepsReservation(t *testing.T) {
	f := newFixture(t, twoDepots())
	f.processor.Fail = errors.New("gateway timeout")

	placement, err := f.orch.PlaceOrder(context.Background(), orderCmd(domain.PaymentModeOnline))
	if !errors.Is(err, domain.ErrProcessorUnavailable) {
		t.Fatalf("expected ErrProcessorUnavailable, got %v", err)
	}
	if placement.Order.ID == "" {
		t.Fatal("placement must carry the persisted order")
	}
	stored, err := f.orders.Get(context.Background(), placement.Order.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != domain.OrderStatusPending || stored.PaymentStatus != domain.PaymentStatusPending || stored.ReceiptID != "" {
		t.Fatalf("unexpected stored order: %+v", stored)
	}
	if got := f.quantity(t, "D1", "itemX"); got != 3 {
		t.Fatalf("reservation must be held, got %d", got)
	}

	f.processor.Fail = nil
	retried, err := f.orch.RetryPayment(context.Background(), stored.ID, "cust-1")
	if err != nil {
		t.Fatalf("retry payment: %v", err)
	}
	if retried.Intent == nil || retried.Order.ReceiptID != retried.Intent.ID {
		t.Fatalf("retry must attach receipt, got %+v", retried)
	}
	if _, err := f.orch.RetryPayment(context.Background(), stored.ID, "cust-1"); !errors.Is(err, domain.ErrPaymentNotRetryable) {
		t.Fatalf("expected ErrPaymentNotRetryable for pending receipt, got %v", err)
	}
	if _, err := f.orch.RetryPayment(context.Background(), stored.ID, "cust-2"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for other customer, got %v", err)
	}
}

func TestTransitionRejectsSkippingStates(t *testing.T) {
	f := newFixture(t, twoDepots())
	placement, err := f.orch.PlaceOrder(context.Background(), orderCmd(domain.PaymentModeCash))
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	current, err := f.orch.Transition(context.Background(), placement.Order.ID, operator("D1"), domain.OrderStatusShipped)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	var transitionErr *domain.TransitionError
	if !errors.As(err, &transitionErr) || transitionErr.From != domain.OrderStatusPending {
		t.Fatalf("error must carry current status, got %v", err)
	}
	if current.Status != domain.OrderStatusPending {
		t.Fatalf("returned order must be pending, got %s", current.Status)
	}
	stored, _ := f.orders.Get(context.Background(), placement.Order.ID)
	if stored.Status != domain.OrderStatusPending {
		t.Fatalf("stored order must stay pending, got %s", stored.Status)
	}
}

func TestTransitionFullLifecycleSettlesCash(t *testing.T) {
	f := newFixture(t, twoDepots())
	placement, err := f.orch.PlaceOrder(context.Background(), orderCmd(domain.PaymentModeCash))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	id := placement.Order.ID

	for _, target := range []domain.OrderStatus{domain.OrderStatusAccepted, domain.OrderStatusShipped} {
		order, err := f.orch.Transition(context.Background(), id, operator("D1"), target)
		if err != nil {
			t.Fatalf("transition to %s: %v", target, err)
		}
		if order.PaymentStatus != domain.PaymentStatusPending {
			t.Fatalf("cash must stay unpaid until delivery, got %s", order.PaymentStatus)
		}
	}

	delivered, err := f.orch.Transition(context.Background(), id, domain.Actor{ID: "courier", Role: domain.ActorSystem}, domain.OrderStatusDelivered)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if delivered.Status != domain.OrderStatusDelivered || delivered.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("unexpected delivered order %s/%s", delivered.Status, delivered.PaymentStatus)
	}

	events, err := f.orch.Timeline(context.Background(), id)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	var settled bool
	for _, e := range events {
		if e.Type == domain.TimelineCashSettled {
			settled = true
		}
	}
	if !settled {
		t.Fatalf("expected cash settlement in timeline, got %+v", events)
	}
	if got := f.quantity(t, "D1", "itemX"); got != 3 {
		t.Fatalf("delivered order keeps stock consumed, got %d", got)
	}
}

func TestTransitionRepeatIsIdempotent(t *testing.T) {
	f := newFixture(t, twoDepots())
	placement, _ := f.orch.PlaceOrder(context.Background(), orderCmd(domain.PaymentModeCash))

	first, err := f.orch.Transition(context.Background(), placement.Order.ID, operator("D1"), domain.OrderStatusAccepted)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	second, err := f.orch.Transition(context.Background(), placement.Order.ID, operator("D1"), domain.OrderStatusAccepted)
	if err != nil {
		t.Fatalf("repeat accept: %v", err)
	}
	if second.Version != first.Version {
		t.Fatalf("repeat must not persist, versions %d vs %d", first.Version, second.Version)
	}
	if n := len(f.outbox.ByEventType(string(kafka.EventTypeOrderStatusChanged))); n != 1 {
		t.Fatalf("expected one status event, got %d", n)
	}
}

func TestTransitionForbiddenActors(t *testing.T) {
	f := newFixture(t, twoDepots())
	placement, _ := f.orch.PlaceOrder(context.Background(), orderCmd(domain.PaymentModeCash))
	id := placement.Order.ID

	cases := map[string]struct {
		actor  domain.Actor
		target domain.OrderStatus
	}{
		"other depot operator":  {operator("D2"), domain.OrderStatusAccepted},
		"unscoped operator":     {domain.Actor{ID: "op", Role: domain.ActorOperator}, domain.OrderStatusAccepted},
		"customer accepts":      {domain.Actor{ID: "cust-1", Role: domain.ActorCustomer}, domain.OrderStatusAccepted},
		"other customer cancel": {domain.Actor{ID: "cust-2", Role: domain.ActorCustomer}, domain.OrderStatusCancelled},
		"unknown role":          {domain.Actor{ID: "x", Role: "admin"}, domain.OrderStatusAccepted},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			order, err := f.orch.Transition(context.Background(), id, tc.actor, tc.target)
			if !errors.Is(err, domain.ErrForbidden) {
				t.Fatalf("expected ErrForbidden, got %v", err)
			}
			if order.Status != domain.OrderStatusPending {
				t.Fatalf("order must stay pending, got %s", order.Status)
			}
		})
	}
}

func TestTransitionCancelReleasesStock(t *testing.T) {
	f := newFixture(t, twoDepots())
	placement, _ := f.orch.PlaceOrder(context.Background(), orderCmd(domain.PaymentModeCash))

	order, err := f.orch.Transition(context.Background(), placement.Order.ID,
		domain.Actor{ID: "cust-1", Role: domain.ActorCustomer}, domain.OrderStatusCancelled)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", order.Status)
	}
	if got := f.quantity(t, "D1", "itemX"); got != 5 {
		t.Fatalf("cancel must release stock, got %d", got)
	}

	// Повторная отмена не возвращает сток второй раз.
	if _, err := f.orch.Transition(context.Background(), placement.Order.ID, operator("D1"), domain.OrderStatusCancelled); err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	if got := f.quantity(t, "D1", "itemX"); got != 5 {
		t.Fatalf("repeat cancel must be a no-op, got %d", got)
	}
}

func TestTransitionUnknownOrder(t *testing.T) {
	f := newFixture(t, twoDepots())
	if _, err := f.orch.Transition(context.Background(), "missing", operator("D1"), domain.OrderStatusAccepted); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

type conflictOnceRepo struct {
	domain.OrderRepository
	mu       sync.Mutex
	conflict bool
}

func (r *conflictOnceRepo) Save(ctx context.Context, order domain.Order) error {
	r.mu.Lock()
	if !r.conflict {
		r.conflict = true
		r.mu.Unlock()
		return domain.ErrOrderVersionConflict
	}
	r.mu.Unlock()
	return r.OrderRepository.Save(ctx, order)
}

func TestTransitionRetriesVersionConflict(t *testing.T) {
	repo := &conflictOnceRepo{OrderRepository: memory.NewOrderRepository(), conflict: true}
	f := newFixture(t, twoDepots(), func(d *Deps) { d.Orders = repo })
	placement, err := f.orch.PlaceOrder(context.Background(), orderCmd(domain.PaymentModeCash))
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	repo.mu.Lock()
	repo.conflict = false
	repo.mu.Unlock()

	order, err := f.orch.Transition(context.Background(), placement.Order.ID, operator("D1"), domain.OrderStatusAccepted)
	if err != nil {
		t.Fatalf("transition after conflict: %v", err)
	}
	if order.Status != domain.OrderStatusAccepted {
		t.Fatalf("expected accepted, got %s", order.Status)
	}
}

func TestConfirmPaymentDuplicateWebhookAppliedOnce(t *testing.T) {
	f := newFixture(t, twoDepots())
	placement, err := f.orch.PlaceOrder(context.Background(), orderCmd(domain.PaymentModeOnline))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	receipt := placement.Order.ReceiptID
	payload, signature := f.confirmation(t, receipt, "paid")

	outcome, err := f.orch.ConfirmPayment(context.Background(), receipt, payload, signature)
	if err != nil || outcome != OutcomeApplied {
		t.Fatalf("first delivery: %s %v", outcome, err)
	}
	outcome, err = f.orch.ConfirmPayment(context.Background(), receipt, payload, signature)
	if err != nil || outcome != OutcomeDuplicate {
		t.Fatalf("second delivery: %s %v", outcome, err)
	}

	order, _ := f.orders.Get(context.Background(), placement.Order.ID)
	if order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected paid, got %s", order.PaymentStatus)
	}
	if order.Status != domain.OrderStatusPending {
		t.Fatalf("confirmation must not touch fulfillment status, got %s", order.Status)
	}
	if n := len(f.outbox.ByEventType(string(kafka.EventTypePaymentConfirmed))); n != 1 {
		t.Fatalf("expected one payment.confirmed event, got %d", n)
	}
}

func TestConfirmPaymentConcurrentDeliveries(t *testing.T) {
	f := newFixture(t, twoDepots())
	placement, _ := f.orch.PlaceOrder(context.Background(), orderCmd(domain.PaymentModeOnline))
	receipt := placement.Order.ReceiptID
	payload, signature := f.confirmation(t, receipt, "paid")

	var wg sync.WaitGroup
	outcomes := make([]ConfirmOutcome, 8)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], _ = f.orch.ConfirmPayment(context.Background(), receipt, payload, signature)
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, o := range outcomes {
		if o == OutcomeApplied {
			applied++
		}
	}
	if applied != 1 {
		t.Fatalf("expected exactly one applied outcome, got %v", outcomes)
	}
}

func TestConfirmPaymentForgedIsDropped(t *testing.T) {
	f := newFixture(t, twoDepots())
	placement, _ := f.orch.PlaceOrder(context.Background(), orderCmd(domain.PaymentModeOnline))
	receipt := placement.Order.ReceiptID
	payload, _ := f.confirmation(t, receipt, "paid")

	outcome, err := f.orch.ConfirmPayment(context.Background(), receipt, payload, "deadbeef")
	if err != nil || outcome != OutcomeDropped {
		t.Fatalf("expected dropped, got %s %v", outcome, err)
	}

	// Подписанное подтверждение чужой квитанции тоже считается подделкой.
	otherPayload, otherSig := f.confirmation(t, "order_other", "paid")
	outcome, err = f.orch.ConfirmPayment(context.Background(), receipt, otherPayload, otherSig)
	if err != nil || outcome != OutcomeDropped {
		t.Fatalf("expected dropped for mismatched receipt, got %s %v", outcome, err)
	}

	order, _ := f.orders.Get(context.Background(), placement.Order.ID)
	if order.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("forged confirmation must not change payment, got %s", order.PaymentStatus)
	}
}

func TestConfirmPaymentUnknownReceipt(t *testing.T) {
	f := newFixture(t, twoDepots())
	payload, signature := f.confirmation(t, "order_unknown", "paid")

	outcome, err := f.orch.ConfirmPayment(context.Background(), "", payload, signature)
	if err != nil || outcome != OutcomeUnknownReceipt {
		t.Fatalf("expected unknown receipt, got %s %v", outcome, err)
	}
}

func TestConfirmPaymentFailedThenPaid(t *testing.T) {
	f := newFixture(t, twoDepots())
	placement, _ := f.orch.PlaceOrder(context.Background(), orderCmd(domain.PaymentModeOnline))
	receipt := placement.Order.ReceiptID

	payload, signature := f.confirmation(t, receipt, "failed")
	if outcome, err := f.orch.ConfirmPayment(context.Background(), receipt, payload, signature); err != nil || outcome != OutcomeApplied {
		t.Fatalf("failed confirmation: %s %v", outcome, err)
	}
	order, _ := f.orders.Get(context.Background(), placement.Order.ID)
	if order.PaymentStatus != domain.PaymentStatusFailed {
		t.Fatalf("expected failed, got %s", order.PaymentStatus)
	}

	payload, signature = f.confirmation(t, receipt, "paid")
	if outcome, err := f.orch.ConfirmPayment(context.Background(), receipt, payload, signature); err != nil || outcome != OutcomeApplied {
		t.Fatalf("late paid confirmation: %s %v", outcome, err)
	}

	// Оплаченный заказ не откатывается в failed.
	payload, signature = f.confirmation(t, receipt, "failed")
	if outcome, _ := f.orch.ConfirmPayment(context.Background(), receipt, payload, signature); outcome != OutcomeDuplicate {
		t.Fatalf("paid must not be downgraded, got %s", outcome)
	}
}

func TestConfirmPaymentLatePaidOnSupersededReceipt(t *testing.T) {
	f := newFixture(t, twoDepots())
	ctx := context.Background()
	placement, err := f.orch.PlaceOrder(ctx, orderCmd(domain.PaymentModeOnline))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	first := placement.Order.ReceiptID

	payload, signature := f.confirmation(t, first, "failed")
	if outcome, err := f.orch.ConfirmPayment(ctx, first, payload, signature); err != nil || outcome != OutcomeApplied {
		t.Fatalf("failed confirmation: %s %v", outcome, err)
	}
	retried, err := f.orch.RetryPayment(ctx, placement.Order.ID, "cust-1")
	if err != nil {
		t.Fatalf("retry payment: %v", err)
	}
	second := retried.Order.ReceiptID
	if second == "" || second == first {
		t.Fatalf("retry must attach a new receipt, got %q", second)
	}

	// отказ по старой квитанции не трогает новое намерение
	payload, signature = f.confirmation(t, first, "failed")
	if outcome, err := f.orch.ConfirmPayment(ctx, first, payload, signature); err != nil || outcome != OutcomeDuplicate {
		t.Fatalf("stale failure must be ignored, got %s %v", outcome, err)
	}

	payload, signature = f.confirmation(t, first, "paid")
	outcome, err := f.orch.ConfirmPayment(ctx, first, payload, signature)
	if err != nil || outcome != OutcomeApplied {
		t.Fatalf("late paid on first receipt: %s %v", outcome, err)
	}
	order, _ := f.orders.Get(ctx, placement.Order.ID)
	if order.PaymentStatus != domain.PaymentStatusPaid || order.PaymentID != "pay-"+first {
		t.Fatalf("expected paid by first receipt, got %s/%s", order.PaymentStatus, order.PaymentID)
	}
	if order.ReceiptID != second {
		t.Fatalf("current receipt must stay %s, got %s", second, order.ReceiptID)
	}

	payload, signature = f.confirmation(t, second, "paid")
	if outcome, _ := f.orch.ConfirmPayment(ctx, second, payload, signature); outcome != OutcomeDuplicate {
		t.Fatalf("second paid must be a no-op, got %s", outcome)
	}
}

type failingApplyRepo struct {
	domain.OrderRepository
}

func (r failingApplyRepo) ApplyPayment(context.Context, string, domain.PaymentStatus, string) (domain.Order, bool, error) {
	return domain.Order{}, false, domain.StoreError("apply payment", errors.New("timeout"))
}

func TestConfirmPaymentStoreFailureIsReturned(t *testing.T) {
	f := newFixture(t, twoDepots(), func(d *Deps) {
		d.Orders = failingApplyRepo{OrderRepository: d.Orders}
	})
	payload, signature := f.confirmation(t, "order_any", "paid")

	if _, err := f.orch.ConfirmPayment(context.Background(), "order_any", payload, signature); !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestListDepotOrders(t *testing.T) {
	f := newFixture(t, twoDepots())
	first, _ := f.orch.PlaceOrder(context.Background(), orderCmd(domain.PaymentModeCash))
	if _, err := f.orch.PlaceOrder(context.Background(), orderCmd(domain.PaymentModeCash)); err != nil {
		t.Fatalf("place: %v", err)
	}
	if _, err := f.orch.Transition(context.Background(), first.Order.ID, operator("D1"), domain.OrderStatusAccepted); err != nil {
		t.Fatalf("accept: %v", err)
	}

	view, err := f.orch.ListDepotOrders(context.Background(), "D1", 0)
	if err != nil {
		t.Fatalf("list depot orders: %v", err)
	}
	if len(view.Orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(view.Orders))
	}
	if view.Summary[domain.OrderStatusAccepted] != 1 || view.Summary[domain.OrderStatusPending] != 1 {
		t.Fatalf("unexpected summary %+v", view.Summary)
	}
	for _, o := range view.Orders {
		if o.DistanceKm <= 0 || o.DistanceKm > 2 {
			t.Fatalf("unexpected distance %.3f", o.DistanceKm)
		}
	}

	empty, err := f.orch.ListDepotOrders(context.Background(), "D2", 10)
	if err != nil || len(empty.Orders) != 0 {
		t.Fatalf("expected empty D2 list, got %+v %v", empty, err)
	}
	if _, err := f.orch.ListDepotOrders(context.Background(), "D404", 10); !errors.Is(err, domain.ErrDepotNotFound) {
		t.Fatalf("expected ErrDepotNotFound, got %v", err)
	}

	mine, err := f.orch.ListOrders(context.Background(), "cust-1", 1)
	if err != nil || len(mine) != 1 {
		t.Fatalf("expected limited customer list, got %d %v", len(mine), err)
	}
}
