// Package metrics holds the Prometheus instruments for the webhook pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the pipeline counters. All instruments are registered on a
// dedicated registry so /metrics exposes only what we own.
type Metrics struct {
	registry *prometheus.Registry

	webhookOutcomes *prometheus.CounterVec
	publishResults  *prometheus.CounterVec
	processOutcomes *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		webhookOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_webhook_receipts_total",
			Help: "Webhook receipts by outcome.",
		}, []string{"outcome"}),
		publishResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_mq_publishes_total",
			Help: "Broker publish attempts by result.",
		}, []string{"result"}),
		processOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_worker_messages_total",
			Help: "Consumed messages by outcome.",
		}, []string{"outcome"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "billing_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
	}

	registry.MustRegister(
		m.webhookOutcomes,
		m.publishResults,
		m.processOutcomes,
		m.httpDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordWebhookOutcome(outcome string) {
	m.webhookOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordPublish(result string) {
	m.publishResults.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordProcessOutcome(outcome string) {
	m.processOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveHTTPRequest(route, method, status string, elapsed time.Duration) {
	m.httpDuration.WithLabelValues(route, method, status).Observe(elapsed.Seconds())
}
