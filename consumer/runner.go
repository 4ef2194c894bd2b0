package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/mmate-consumer/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/glimte/mmate-consumer/consumer")

// handle runs the handler for one delivery and executes the resulting
// acknowledgement decision
func (c *InternalConsumer) handle(sub *subscription, delivery amqp.Delivery) {
	ec := ExecutionContext{
		Handler: sub.config.Handler,
		ReceivedInfo: contracts.MessageReceivedInfo{
			ConsumerTag: delivery.ConsumerTag,
			DeliveryTag: delivery.DeliveryTag,
			Redelivered: delivery.Redelivered,
			Exchange:    delivery.Exchange,
			RoutingKey:  delivery.RoutingKey,
			Queue:       sub.queue.Name,
		},
		Properties: contracts.PropertiesFromDelivery(delivery),
		Body:       delivery.Body,
	}

	strategy := c.execute(sub.ctx, ec)

	if sub.config.AutoAck {
		return
	}
	c.acknowledge(sub, delivery, strategy)
}

// execute resolves the acknowledgement decision for ec. A handler error goes
// to HandleConsumerError; a cancelled subscription goes to
// HandleConsumerCancelled.
func (c *InternalConsumer) execute(ctx context.Context, ec ExecutionContext) AckStrategy {
	info := ec.ReceivedInfo
	ctx, span := tracer.Start(ctx, info.Queue+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", info.Queue),
			attribute.String("messaging.rabbitmq.destination.routing_key", info.RoutingKey),
			attribute.String("messaging.message.conversation_id", ec.Properties.CorrelationID),
		),
	)
	defer span.End()

	if ctx.Err() != nil {
		return c.cancelled(ctx, ec)
	}

	start := time.Now()
	strategy, err := invoke(ctx, ec)
	c.metrics.RecordHandlerDuration(info.Queue, time.Since(start), err != nil)

	if err == nil {
		return strategy
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if ctx.Err() != nil {
		return c.cancelled(ctx, ec)
	}

	c.logger.Error("handler failed",
		"queue", info.Queue,
		"routingKey", info.RoutingKey,
		"deliveryTag", info.DeliveryTag,
		"error", err,
	)

	strategy, strategyErr := c.errorStrategy.HandleConsumerError(ctx, ec, err)
	if strategyErr != nil {
		span.RecordError(strategyErr)
		c.logger.Error("error strategy failed",
			"queue", info.Queue,
			"deliveryTag", info.DeliveryTag,
			"error", strategyErr,
			"ackStrategy", strategy.String(),
		)
	}
	return strategy
}

func (c *InternalConsumer) cancelled(ctx context.Context, ec ExecutionContext) AckStrategy {
	strategy, err := c.errorStrategy.HandleConsumerCancelled(context.WithoutCancel(ctx), ec)
	if err != nil {
		c.logger.Error("error strategy failed on cancelled delivery",
			"queue", ec.ReceivedInfo.Queue,
			"deliveryTag", ec.ReceivedInfo.DeliveryTag,
			"error", err,
		)
	}
	return strategy
}

func (c *InternalConsumer) acknowledge(sub *subscription, delivery amqp.Delivery, strategy AckStrategy) {
	sub.chMu.Lock()
	err := strategy.Apply(delivery.Acknowledger, delivery.DeliveryTag)
	sub.chMu.Unlock()

	c.metrics.RecordAckDecision(sub.queue.Name, strategy.String())

	if err != nil {
		c.logger.Warn("failed to acknowledge delivery",
			"queue", sub.queue.Name,
			"deliveryTag", delivery.DeliveryTag,
			"ackStrategy", strategy.String(),
			"error", err,
		)
	}
}

// invoke calls the handler, turning a panic into an error
func invoke(ctx context.Context, ec ExecutionContext) (strategy AckStrategy, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()

	return ec.Handler(ctx, ec.Body, ec.Properties, ec.ReceivedInfo)
}
