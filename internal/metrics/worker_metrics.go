package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OutboxMetrics — метрики публикации transactional outbox.
type OutboxMetrics struct {
	publishAttempts  *prometheus.CounterVec
	pendingRecords   prometheus.Gauge
	oldestPendingAge prometheus.Gauge
}

func NewOutboxMetrics() *OutboxMetrics {
	return NewOutboxMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func NewOutboxMetricsWithRegisterer(registerer prometheus.Registerer) *OutboxMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &OutboxMetrics{
		publishAttempts: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fulfillment_outbox_publish_attempts_total",
			Help: "Total number of outbox publish attempts grouped by result.",
		}, []string{"result"})),
		pendingRecords: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fulfillment_outbox_pending_records",
			Help: "Current number of pending records in transactional outbox.",
		})),
		oldestPendingAge: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fulfillment_outbox_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending outbox record.",
		})),
	}
}

// RecordPublish учитывает попытку публикации: sent, retry_error, failed, dlq_failed.
func (m *OutboxMetrics) RecordPublish(result string) {
	m.publishAttempts.WithLabelValues(result).Inc()
}

// SetBacklog обновляет размер очереди и возраст самой старой записи.
func (m *OutboxMetrics) SetBacklog(pending int, oldest time.Time) {
	m.pendingRecords.Set(float64(pending))
	if pending == 0 || oldest.IsZero() {
		m.oldestPendingAge.Set(0)
		return
	}
	age := time.Since(oldest).Seconds()
	if age < 0 {
		age = 0
	}
	m.oldestPendingAge.Set(age)
}

// IdempotencyMetrics — метрики очистки idempotency-ключей.
type IdempotencyMetrics struct {
	cleanupRuns  *prometheus.CounterVec
	deletedTotal prometheus.Counter
	lastDeleted  prometheus.Gauge
	stuckTotal   prometheus.Counter
}

func NewIdempotencyMetrics() *IdempotencyMetrics {
	return NewIdempotencyMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func NewIdempotencyMetricsWithRegisterer(registerer prometheus.Registerer) *IdempotencyMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &IdempotencyMetrics{
		cleanupRuns: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fulfillment_idempotency_cleanup_runs_total",
			Help: "Total number of idempotency cleanup runs grouped by result.",
		}, []string{"result"})),
		deletedTotal: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fulfillment_idempotency_cleanup_deleted_total",
			Help: "Total number of deleted expired idempotency records.",
		})),
		lastDeleted: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fulfillment_idempotency_cleanup_last_deleted",
			Help: "Number of deleted records during the last cleanup run.",
		})),
		stuckTotal: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fulfillment_idempotency_stuck_requests_total",
			Help: "Requests whose idempotency key expired while still processing.",
		})),
	}
}

func (m *IdempotencyMetrics) RecordRun(result string) {
	m.cleanupRuns.WithLabelValues(result).Inc()
}

func (m *IdempotencyMetrics) RecordDeleted(n int) {
	if n > 0 {
		m.deletedTotal.Add(float64(n))
	}
}

func (m *IdempotencyMetrics) SetLastDeleted(n int) {
	m.lastDeleted.Set(float64(n))
}

// RecordStuck учитывает запросы, прерванные до записи ответа.
func (m *IdempotencyMetrics) RecordStuck(n int) {
	if n > 0 {
		m.stuckTotal.Add(float64(n))
	}
}
