package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-consumer/contracts"
)

// Middleware wraps a MessageHandler
type Middleware func(next MessageHandler) MessageHandler

// Chain wraps handler so that the first middleware runs first
func Chain(handler MessageHandler, middlewares ...Middleware) MessageHandler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

// WithTimeout bounds the handler context. A handler that fails after the
// deadline reports context.DeadlineExceeded, which goes to the error strategy.
func WithTimeout(timeout time.Duration) Middleware {
	return func(next MessageHandler) MessageHandler {
		if timeout <= 0 {
			return next
		}
		return func(ctx context.Context, body []byte, properties *contracts.MessageProperties, info contracts.MessageReceivedInfo) (AckStrategy, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, body, properties, info)
		}
	}
}

// Filter decides whether a delivery reaches the handler
type Filter func(properties *contracts.MessageProperties, info contracts.MessageReceivedInfo) bool

// WithFilter acks deliveries rejected by filter without calling the handler
func WithFilter(filter Filter, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next MessageHandler) MessageHandler {
		return func(ctx context.Context, body []byte, properties *contracts.MessageProperties, info contracts.MessageReceivedInfo) (AckStrategy, error) {
			if !filter(properties, info) {
				logger.Debug("message filtered",
					"queue", info.Queue,
					"type", properties.Type,
					"deliveryTag", info.DeliveryTag,
				)
				return Ack, nil
			}
			return next(ctx, body, properties, info)
		}
	}
}

// TypeFilter accepts deliveries whose Type property is one of types
func TypeFilter(types ...string) Filter {
	accepted := make(map[string]bool, len(types))
	for _, t := range types {
		accepted[t] = true
	}
	return func(properties *contracts.MessageProperties, _ contracts.MessageReceivedInfo) bool {
		return accepted[properties.Type]
	}
}
