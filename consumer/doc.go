// Package consumer keeps a fixed set of queue subscriptions alive for one
// AMQP connection and decides the acknowledgement of every delivery.
//
// This package includes:
//   - InternalConsumer: the subscription state machine (StartConsuming, StopConsuming, Close)
//   - Consumer: drives an InternalConsumer from connection state changes
//   - ErrorStrategy: decides the outcome of failed and cancelled deliveries
//   - DefaultErrorStrategy: acks failed deliveries after copying them to an error queue
//   - Handle: adapts typed handlers through a serialization.Strategy
//
// Each subscription owns its own channel. A broker-side rejection, such as a
// second consumer on an exclusive queue, closes only that channel and is
// reported in Status.Failed while the other queues keep consuming.
//
// Handlers run on a worker pool, off the goroutine that reads deliveries, so
// a slow handler does not stop deliveries for other queues.
package consumer
