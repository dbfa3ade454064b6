package metrics

import "github.com/prometheus/client_golang/prometheus"

// ConsumerMetrics считает сообщения Kafka по topic и итогу обработки.
type ConsumerMetrics struct {
	messages *prometheus.CounterVec
}

func NewConsumerMetricsWithRegisterer(registerer prometheus.Registerer) *ConsumerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &ConsumerMetrics{
		messages: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fulfillment_kafka_messages_total",
			Help: "Consumed Kafka messages grouped by topic and outcome.",
		}, []string{"topic", "outcome"})),
	}
}

// RecordMessage: outcome — handled, dead_lettered или failed.
func (m *ConsumerMetrics) RecordMessage(topic, outcome string) {
	m.messages.WithLabelValues(topic, outcome).Inc()
}
