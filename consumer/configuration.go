package consumer

import (
	"context"
	"fmt"

	"github.com/glimte/mmate-consumer/contracts"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes one delivery and returns the acknowledgement
// decision. A non-nil error hands the delivery to the ErrorStrategy and the
// returned strategy is ignored.
type MessageHandler func(ctx context.Context, body []byte, properties *contracts.MessageProperties, info contracts.MessageReceivedInfo) (AckStrategy, error)

// PerQueueConfiguration configures the subscription to one queue
type PerQueueConfiguration struct {
	AutoAck     bool
	ConsumerTag string // generated when empty
	Exclusive   bool   // exclusive consumer
	Arguments   amqp.Table
	Handler     MessageHandler
}

// Configuration is the full, immutable set of subscriptions of one consumer
type Configuration struct {
	PrefetchCount int
	Queues        map[contracts.Queue]PerQueueConfiguration
}

// ExecutionContext is everything a handler and the error strategy know
// about one delivery
type ExecutionContext struct {
	Handler      MessageHandler
	ReceivedInfo contracts.MessageReceivedInfo
	Properties   *contracts.MessageProperties
	Body         []byte
}

// normalize validates the configuration and returns a private copy with
// consumer tags filled in
func (c Configuration) normalize() (Configuration, error) {
	if c.PrefetchCount < 0 {
		return Configuration{}, fmt.Errorf("%w: prefetch count must not be negative", ErrInvalidConfiguration)
	}

	out := Configuration{
		PrefetchCount: c.PrefetchCount,
		Queues:        make(map[contracts.Queue]PerQueueConfiguration, len(c.Queues)),
	}
	tags := make(map[string]contracts.Queue, len(c.Queues))
	names := make(map[string]bool, len(c.Queues))

	for queue, cfg := range c.Queues {
		if queue.Name == "" {
			return Configuration{}, fmt.Errorf("%w: queue name cannot be empty", ErrInvalidConfiguration)
		}
		if names[queue.Name] {
			return Configuration{}, fmt.Errorf("%w: queue %s configured twice", ErrInvalidConfiguration, queue.Name)
		}
		names[queue.Name] = true

		if cfg.Handler == nil {
			return Configuration{}, fmt.Errorf("%w: queue %s has no handler", ErrInvalidConfiguration, queue.Name)
		}
		if cfg.ConsumerTag == "" {
			cfg.ConsumerTag = uuid.NewString()
		}
		if other, dup := tags[cfg.ConsumerTag]; dup {
			return Configuration{}, fmt.Errorf("%w: consumer tag %s used by %s and %s",
				ErrInvalidConfiguration, cfg.ConsumerTag, other.Name, queue.Name)
		}
		tags[cfg.ConsumerTag] = queue
		out.Queues[queue] = cfg
	}

	return out, nil
}
