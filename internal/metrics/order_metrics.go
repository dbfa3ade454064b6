package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OrderMetrics содержит метрики оформления и сопровождения заказов.
type OrderMetrics struct {
	placements      *prometheus.CounterVec
	activePlacement prometheus.Gauge
	placementTime   prometheus.Histogram
	stepDuration    *prometheus.HistogramVec
	routeDistance   prometheus.Histogram

	stockConflicts *prometheus.CounterVec
	compensations  *prometheus.CounterVec

	transitions   *prometheus.CounterVec
	confirmations *prometheus.CounterVec

	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter
}

// NewOrderMetrics регистрирует метрики в DefaultRegisterer.
func NewOrderMetrics() *OrderMetrics {
	return NewOrderMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOrderMetricsWithRegisterer регистрирует метрики в переданном registerer.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewOrderMetricsWithRegisterer(registerer prometheus.Registerer) *OrderMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &OrderMetrics{
		placements: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fulfillment_order_placements_total",
			Help: "Order placement attempts grouped by result.",
		}, []string{"result"})),
		activePlacement: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fulfillment_order_placements_in_flight",
			Help: "Number of order placements currently in progress.",
		})),
		placementTime: register(registerer, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fulfillment_order_placement_duration_seconds",
			Help:    "End-to-end duration of order placement.",
			Buckets: prometheus.DefBuckets,
		})),
		stepDuration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fulfillment_order_step_duration_seconds",
			Help:    "Duration of individual placement steps.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"step"})),
		routeDistance: register(registerer, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fulfillment_route_distance_km",
			Help:    "Distance between the destination and the chosen depot.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		})),
		stockConflicts: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fulfillment_stock_conflicts_total",
			Help: "Reservations rejected because stock was insufficient.",
		}, []string{"depot"})),
		compensations: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fulfillment_stock_compensations_total",
			Help: "Compensating stock releases grouped by result.",
		}, []string{"result"})),
		transitions: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fulfillment_order_transitions_total",
			Help: "Order status transition requests grouped by target status and result.",
		}, []string{"to", "result"})),
		confirmations: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fulfillment_payment_confirmations_total",
			Help: "Payment confirmations grouped by outcome.",
		}, []string{"outcome"})),
		timelineEvents: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fulfillment_timeline_events_total",
			Help: "Total number of timeline events recorded.",
		})),
		outboxEvents: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fulfillment_outbox_events_total",
			Help: "Total number of events enqueued to the outbox.",
		})),
	}
}

// register регистрирует коллектор или возвращает ранее зарегистрированный того же типа.
func register[T prometheus.Collector](registerer prometheus.Registerer, collector T) T {
	err := registerer.Register(collector)
	if err == nil {
		return collector
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		existing, ok := already.ExistingCollector.(T)
		if !ok {
			panic(fmt.Sprintf("collector already registered with unexpected type %T", already.ExistingCollector))
		}
		return existing
	}
	panic(fmt.Sprintf("register collector: %v", err))
}

// PlacementStarted отмечает начало оформления и возвращает функцию завершения.
func (m *OrderMetrics) PlacementStarted() func(result string) {
	start := time.Now()
	m.activePlacement.Inc()
	return func(result string) {
		m.activePlacement.Dec()
		m.placements.WithLabelValues(result).Inc()
		m.placementTime.Observe(time.Since(start).Seconds())
	}
}

// RecordStepDuration записывает время выполнения шага оформления.
func (m *OrderMetrics) RecordStepDuration(step string, duration time.Duration) {
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

func (m *OrderMetrics) RecordRouteDistance(km float64) {
	m.routeDistance.Observe(km)
}

func (m *OrderMetrics) RecordStockConflict(depotID string) {
	m.stockConflicts.WithLabelValues(depotID).Inc()
}

// RecordCompensation учитывает компенсирующее освобождение стока.
func (m *OrderMetrics) RecordCompensation(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.compensations.WithLabelValues(result).Inc()
}

func (m *OrderMetrics) RecordTransition(to, result string) {
	m.transitions.WithLabelValues(to, result).Inc()
}

func (m *OrderMetrics) RecordConfirmation(outcome string) {
	m.confirmations.WithLabelValues(outcome).Inc()
}

func (m *OrderMetrics) RecordTimelineEvent() {
	m.timelineEvents.Inc()
}

func (m *OrderMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}
