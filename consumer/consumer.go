package consumer

import (
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer drives an InternalConsumer from connection state changes. It is
// registered as a listener on the connection manager.
type Consumer struct {
	internal *InternalConsumer
	logger   *slog.Logger
}

// NewConsumer wraps internal
func NewConsumer(internal *InternalConsumer, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{internal: internal, logger: logger}
}

// StartConsuming subscribes every queue that is not yet active
func (c *Consumer) StartConsuming() (Status, error) {
	status, err := c.internal.StartConsuming(false)
	if err != nil {
		return status, err
	}
	c.report(status)
	return status, nil
}

// OnConnected resubscribes everything on the new connection
func (c *Consumer) OnConnected() {
	status, err := c.internal.StartConsuming(true)
	if err != nil {
		c.logger.Debug("not consuming after reconnect", "error", err)
		return
	}
	c.report(status)
}

// OnDisconnected stops the subscriptions of the lost connection
func (c *Consumer) OnDisconnected(err error) {
	c.logger.Info("connection lost, stopping consumers", "error", err)
	c.internal.StopConsuming()
}

// OnReconnecting is called before each reconnect attempt
func (c *Consumer) OnReconnecting(attempt int) {
	c.logger.Debug("waiting for connection", "attempt", attempt)
}

// ActiveQueues returns the queues with a live subscription
func (c *Consumer) ActiveQueues() []string {
	return queueNames(c.internal.ActiveQueues())
}

// Close stops consuming and releases the consumer
func (c *Consumer) Close() error {
	return c.internal.Close()
}

func (c *Consumer) report(status Status) {
	if len(status.Started) > 0 {
		c.logger.Info("consumers started",
			"queues", queueNames(status.Started),
			"active", queueNames(status.Active),
		)
	}
	if status.HasFailures() {
		c.logger.Warn("some consumers could not be started",
			"queues", queueNames(status.Failed),
		)
	}
}

// ChannelSource is satisfied by the connection manager
type ChannelSource interface {
	Channel() (*amqp.Channel, error)
}

// ChannelsFrom builds both channel factories on top of source
func ChannelsFrom(source ChannelSource) (ChannelFactory, ErrorChannelFactory) {
	consume := func() (Channel, error) {
		ch, err := source.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
	publish := func() (ErrorChannel, error) {
		ch, err := source.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
	return consume, publish
}
