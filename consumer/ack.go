package consumer

import (
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNoAcknowledger is returned when a delivery has no acknowledger attached
var ErrNoAcknowledger = errors.New("consumer: delivery has no acknowledger")

// AckStrategy is the acknowledgement decision for one delivery. It is a
// value; Apply executes it against the transport.
type AckStrategy int

const (
	// Ack removes the delivery from the queue
	Ack AckStrategy = iota
	// NackWithRequeue returns the delivery to the queue for redelivery
	NackWithRequeue
	// NackWithoutRequeue drops the delivery, or dead-letters it when the queue has a DLX
	NackWithoutRequeue
)

func (s AckStrategy) String() string {
	switch s {
	case Ack:
		return "ack"
	case NackWithRequeue:
		return "nack_requeue"
	case NackWithoutRequeue:
		return "nack"
	default:
		return "unknown"
	}
}

// Apply executes the decision for deliveryTag
func (s AckStrategy) Apply(acker amqp.Acknowledger, deliveryTag uint64) error {
	if acker == nil {
		return ErrNoAcknowledger
	}

	switch s {
	case Ack:
		return acker.Ack(deliveryTag, false)
	case NackWithRequeue:
		return acker.Nack(deliveryTag, false, true)
	case NackWithoutRequeue:
		return acker.Nack(deliveryTag, false, false)
	default:
		return errors.New("consumer: unknown ack strategy")
	}
}
