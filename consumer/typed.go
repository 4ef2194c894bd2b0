package consumer

import (
	"context"
	"fmt"

	"github.com/glimte/mmate-consumer/contracts"
	"github.com/glimte/mmate-consumer/serialization"
)

// TypedHandler processes a decoded message
type TypedHandler[T any] func(ctx context.Context, message *contracts.Message[T], info contracts.MessageReceivedInfo) error

// Handle adapts fn to a MessageHandler. The body is decoded through strategy;
// a delivery whose type does not resolve to T fails like a handler error.
// fn returning nil acks the delivery.
func Handle[T any](strategy serialization.Strategy, fn TypedHandler[T]) MessageHandler {
	return func(ctx context.Context, body []byte, properties *contracts.MessageProperties, info contracts.MessageReceivedInfo) (AckStrategy, error) {
		envelope, err := strategy.DeserializeMessage(properties, body)
		if err != nil {
			return NackWithRequeue, fmt.Errorf("failed to deserialize message: %w", err)
		}

		message, ok := envelope.(*contracts.Message[T])
		if !ok {
			return NackWithRequeue, fmt.Errorf("%w: expected %T, got %s",
				serialization.ErrTypeMismatch, (*T)(nil), envelope.MessageType())
		}

		if err := fn(ctx, message, info); err != nil {
			return NackWithRequeue, err
		}
		return Ack, nil
	}
}
