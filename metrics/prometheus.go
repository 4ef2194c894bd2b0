// Package metrics exports consumer measurements to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mmate_consumer"

// PrometheusCollector implements consumer.MetricsCollector
type PrometheusCollector struct {
	deliveries      *prometheus.CounterVec
	ackDecisions    *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	subscriptions   *prometheus.CounterVec
	errorPublishes  *prometheus.CounterVec
}

// NewPrometheusCollector creates the collectors and registers them with reg.
// A nil reg registers with the default registry.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &PrometheusCollector{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Deliveries received per queue",
		}, []string{"queue"}),
		ackDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ack_decisions_total",
			Help:      "Acknowledgement decisions executed per queue",
		}, []string{"queue", "decision"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Handler execution time",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue", "outcome"}),
		subscriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_attempts_total",
			Help:      "Subscription attempts per queue and result",
		}, []string{"queue", "result"}),
		errorPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "error_queue_publishes_total",
			Help:      "Failed messages copied to error exchanges",
		}, []string{"exchange", "result"}),
	}

	for _, collector := range []prometheus.Collector{
		c.deliveries,
		c.ackDecisions,
		c.handlerDuration,
		c.subscriptions,
		c.errorPublishes,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *PrometheusCollector) RecordDelivery(queue string) {
	c.deliveries.WithLabelValues(queue).Inc()
}

func (c *PrometheusCollector) RecordAckDecision(queue string, decision string) {
	c.ackDecisions.WithLabelValues(queue, decision).Inc()
}

func (c *PrometheusCollector) RecordHandlerDuration(queue string, duration time.Duration, failed bool) {
	outcome := "success"
	if failed {
		outcome = "error"
	}
	c.handlerDuration.WithLabelValues(queue, outcome).Observe(duration.Seconds())
}

func (c *PrometheusCollector) RecordSubscription(queue string, started bool) {
	c.subscriptions.WithLabelValues(queue, result(started)).Inc()
}

func (c *PrometheusCollector) RecordErrorQueuePublish(exchange string, success bool) {
	c.errorPublishes.WithLabelValues(exchange, result(success)).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
