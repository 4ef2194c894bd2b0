package consumer

import "time"

// MetricsCollector receives consumer measurements
type MetricsCollector interface {
	RecordDelivery(queue string)
	RecordAckDecision(queue string, decision string)
	RecordHandlerDuration(queue string, duration time.Duration, failed bool)
	RecordSubscription(queue string, started bool)
	RecordErrorQueuePublish(exchange string, success bool)
}

type noopMetrics struct{}

func (noopMetrics) RecordDelivery(string)                             {}
func (noopMetrics) RecordAckDecision(string, string)                  {}
func (noopMetrics) RecordHandlerDuration(string, time.Duration, bool) {}
func (noopMetrics) RecordSubscription(string, bool)                   {}
func (noopMetrics) RecordErrorQueuePublish(string, bool)              {}
