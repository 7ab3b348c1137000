// Package observability exposes Prometheus metrics for the record
// engine.
package observability

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	recordOpsTotal       *prometheus.CounterVec
	recordOpDuration     *prometheus.HistogramVec
	subscriptionsActive  prometheus.Gauge
	eventsDeliveredTotal prometheus.Counter
	eventsDroppedTotal   prometheus.Counter
	fileDeletionsTotal   *prometheus.CounterVec
}

// GetMetrics returns the process-wide metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			recordOpsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "recbase_record_operations_total",
				Help: "Record API operations by api, operation and outcome",
			}, []string{"api", "operation", "status"}),
			recordOpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "recbase_record_operation_duration_seconds",
				Help:    "Record API operation latency",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),
			subscriptionsActive: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "recbase_subscriptions_active",
				Help: "Live realtime subscriptions",
			}),
			eventsDeliveredTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "recbase_subscription_events_delivered_total",
				Help: "Change events delivered to subscribers",
			}),
			eventsDroppedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "recbase_subscription_events_dropped_total",
				Help: "Change events dropped on full subscriber queues",
			}),
			fileDeletionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "recbase_file_deletions_total",
				Help: "Deferred object-store deletions by outcome",
			}, []string{"status"}),
		}
	})
	return metricsInstance
}

// RecordOperation counts one record-API operation.
func (m *Metrics) RecordOperation(api, operation, status string, seconds float64) {
	m.recordOpsTotal.WithLabelValues(api, operation, status).Inc()
	m.recordOpDuration.WithLabelValues(operation).Observe(seconds)
}

// SubscriptionOpened increments the live-subscription gauge.
func (m *Metrics) SubscriptionOpened() { m.subscriptionsActive.Inc() }

// SubscriptionClosed decrements the live-subscription gauge.
func (m *Metrics) SubscriptionClosed() { m.subscriptionsActive.Dec() }

// EventDelivered counts a delivered change event.
func (m *Metrics) EventDelivered() { m.eventsDeliveredTotal.Inc() }

// EventDropped counts an event discarded on backpressure.
func (m *Metrics) EventDropped() { m.eventsDroppedTotal.Inc() }

// FileDeletion counts one drained deletion by outcome.
func (m *Metrics) FileDeletion(status string) {
	m.fileDeletionsTotal.WithLabelValues(status).Inc()
}

// Handler serves the Prometheus scrape endpoint through Fiber.
func Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
