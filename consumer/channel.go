package consumer

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the part of an AMQP channel used by a subscription.
// *amqp.Channel satisfies it.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	NotifyCancel(c chan string) chan string
	IsClosed() bool
	Close() error
}

// ChannelFactory opens a channel on the current connection
type ChannelFactory func() (Channel, error)

// ErrorChannel is the part of an AMQP channel used to copy failed messages
// to the error exchange. *amqp.Channel satisfies it.
type ErrorChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// ErrorChannelFactory opens a channel for the error strategy
type ErrorChannelFactory func() (ErrorChannel, error)
