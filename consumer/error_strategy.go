package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/glimte/mmate-consumer/contracts"
	"github.com/glimte/mmate-consumer/serialization"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrorStrategy decides the acknowledgement of deliveries that did not
// complete normally
type ErrorStrategy interface {
	// HandleConsumerError is called when the handler returned an error
	HandleConsumerError(ctx context.Context, ec ExecutionContext, err error) (AckStrategy, error)

	// HandleConsumerCancelled is called when the subscription was cancelled
	// while the delivery was in flight
	HandleConsumerCancelled(ctx context.Context, ec ExecutionContext) (AckStrategy, error)
}

// DefaultErrorStrategy copies every failed delivery to an error exchange and
// queue, then acks it. Cancelled deliveries are requeued.
type DefaultErrorStrategy struct {
	openChannel   ErrorChannelFactory
	conventions   Conventions
	serializer    serialization.Serializer
	typeNames     serialization.TypeNameSerializer
	errorMessages ErrorMessageSerializer
	logger        *slog.Logger
	metrics       MetricsCollector
	now           func() time.Time

	mu      sync.Mutex
	channel ErrorChannel
	closed  bool
}

// ErrorStrategyOption configures the DefaultErrorStrategy
type ErrorStrategyOption func(*DefaultErrorStrategy)

// WithConventions sets the error exchange and queue naming
func WithConventions(conventions Conventions) ErrorStrategyOption {
	return func(s *DefaultErrorStrategy) {
		s.conventions = conventions
	}
}

// WithErrorSerializer sets the serializer of the Error document
func WithErrorSerializer(serializer serialization.Serializer) ErrorStrategyOption {
	return func(s *DefaultErrorStrategy) {
		s.serializer = serializer
	}
}

// WithErrorTypeNames sets the type-name serializer used to stamp the Error type
func WithErrorTypeNames(typeNames serialization.TypeNameSerializer) ErrorStrategyOption {
	return func(s *DefaultErrorStrategy) {
		s.typeNames = typeNames
	}
}

// WithErrorMessageSerializer sets how the original body is embedded
func WithErrorMessageSerializer(serializer ErrorMessageSerializer) ErrorStrategyOption {
	return func(s *DefaultErrorStrategy) {
		s.errorMessages = serializer
	}
}

// WithErrorStrategyLogger sets the logger
func WithErrorStrategyLogger(logger *slog.Logger) ErrorStrategyOption {
	return func(s *DefaultErrorStrategy) {
		s.logger = logger
	}
}

// WithErrorStrategyMetrics sets the metrics collector
func WithErrorStrategyMetrics(collector MetricsCollector) ErrorStrategyOption {
	return func(s *DefaultErrorStrategy) {
		s.metrics = collector
	}
}

// NewDefaultErrorStrategy creates the default error strategy. Channels for
// declaring and publishing are opened through openChannel and reused until
// they close.
func NewDefaultErrorStrategy(openChannel ErrorChannelFactory, options ...ErrorStrategyOption) *DefaultErrorStrategy {
	s := &DefaultErrorStrategy{
		openChannel:   openChannel,
		conventions:   DefaultConventions(),
		serializer:    serialization.NewJSONSerializer(),
		errorMessages: PlainErrorMessageSerializer{},
		logger:        slog.Default(),
		metrics:       noopMetrics{},
		now:           time.Now,
	}

	for _, opt := range options {
		opt(s)
	}

	s.conventions = s.conventions.withDefaults()
	if s.typeNames == nil {
		registry := serialization.NewTypeRegistry()
		serialization.MustRegister[Error](registry, ErrorTypeName)
		s.typeNames = registry
	}

	return s
}

// HandleConsumerError declares the error exchange and queue, publishes an
// Error document and returns Ack. Declaration and publish failures are
// returned together with NackWithRequeue.
func (s *DefaultErrorStrategy) HandleConsumerError(ctx context.Context, ec ExecutionContext, handlerErr error) (AckStrategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.logger.Warn("error strategy closed, requeueing failed message",
			"queue", ec.ReceivedInfo.Queue,
			"deliveryTag", ec.ReceivedInfo.DeliveryTag,
		)
		return NackWithRequeue, nil
	}

	info := ec.ReceivedInfo
	ctx, span := tracer.Start(ctx, "error publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.rabbitmq.destination.routing_key", info.RoutingKey),
		),
	)
	defer span.End()

	exchange, err := s.publishError(ctx, ec, handlerErr)
	s.metrics.RecordErrorQueuePublish(exchange, err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.resetChannel()
		return NackWithRequeue, err
	}

	s.logger.Info("failed message copied to error queue",
		"queue", info.Queue,
		"errorExchange", exchange,
		"routingKey", info.RoutingKey,
	)
	return Ack, nil
}

// HandleConsumerCancelled returns NackWithRequeue: the delivery was never
// processed, so it goes back to the broker for another consumer.
func (s *DefaultErrorStrategy) HandleConsumerCancelled(ctx context.Context, ec ExecutionContext) (AckStrategy, error) {
	s.logger.Info("consumer cancelled, requeueing message",
		"queue", ec.ReceivedInfo.Queue,
		"deliveryTag", ec.ReceivedInfo.DeliveryTag,
	)
	return NackWithRequeue, nil
}

// Close releases the channel. Later failures are requeued without touching
// the broker.
func (s *DefaultErrorStrategy) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.channel == nil {
		return nil
	}
	err := s.channel.Close()
	s.channel = nil
	if err == amqp.ErrClosed {
		return nil
	}
	return err
}

func (s *DefaultErrorStrategy) publishError(ctx context.Context, ec ExecutionContext, handlerErr error) (string, error) {
	info := ec.ReceivedInfo

	ch, err := s.channelLocked()
	if err != nil {
		return "", err
	}

	exchange, err := s.declareErrorExchangeWithQueue(ch, info)
	if err != nil {
		return exchange, err
	}

	body, properties, err := s.createErrorMessage(ec, handlerErr)
	if err != nil {
		return exchange, err
	}

	if err := ch.PublishWithContext(ctx, exchange, info.RoutingKey, false, false, properties.Publishing(body)); err != nil {
		return exchange, &PublishError{
			Exchange:   exchange,
			RoutingKey: info.RoutingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	return exchange, nil
}

func (s *DefaultErrorStrategy) declareErrorExchangeWithQueue(ch ErrorChannel, info contracts.MessageReceivedInfo) (string, error) {
	exchange := ExchangeDeclaration{
		Name:    s.conventions.ErrorExchangeNaming(info),
		Type:    amqp.ExchangeDirect,
		Durable: true,
	}
	queue := QueueDeclaration{
		Name:    s.conventions.ErrorQueueNaming(info),
		Durable: true,
	}

	if err := declareQueue(ch, queue); err != nil {
		return exchange.Name, err
	}
	if err := declareExchange(ch, exchange); err != nil {
		return exchange.Name, err
	}
	if err := bindQueue(ch, Binding{Queue: queue.Name, Exchange: exchange.Name, RoutingKey: info.RoutingKey}); err != nil {
		return exchange.Name, err
	}

	return exchange.Name, nil
}

func (s *DefaultErrorStrategy) createErrorMessage(ec ExecutionContext, handlerErr error) ([]byte, *contracts.MessageProperties, error) {
	info := ec.ReceivedInfo
	errorType := reflect.TypeFor[Error]()

	document := Error{
		RoutingKey:    info.RoutingKey,
		Exchange:      info.Exchange,
		Queue:         info.Queue,
		Exception:     errorText(handlerErr),
		ExceptionType: fmt.Sprintf("%T", handlerErr),
		Message:       s.errorMessages.Serialize(ec.Body),
		DateTime:      s.now().UTC(),
		Properties:    ec.Properties,
	}

	body, err := s.serializer.MessageToBytes(errorType, document)
	if err != nil {
		return nil, nil, err
	}

	typeName, err := s.typeNames.Serialize(errorType)
	if err != nil {
		return nil, nil, err
	}

	properties := &contracts.MessageProperties{
		Type:         typeName,
		DeliveryMode: contracts.Persistent,
		Timestamp:    document.DateTime,
	}
	if ec.Properties != nil {
		properties.CorrelationID = ec.Properties.CorrelationID
		properties.AppID = ec.Properties.AppID
	}

	return body, properties, nil
}

func (s *DefaultErrorStrategy) channelLocked() (ErrorChannel, error) {
	if s.channel != nil && !s.channel.IsClosed() {
		return s.channel, nil
	}
	if s.openChannel == nil {
		return nil, fmt.Errorf("%w: no channel factory", ErrInvalidConfiguration)
	}

	ch, err := s.openChannel()
	if err != nil {
		return nil, fmt.Errorf("failed to open error channel: %w", err)
	}
	s.channel = ch
	return ch, nil
}

func (s *DefaultErrorStrategy) resetChannel() {
	if s.channel == nil {
		return
	}
	_ = s.channel.Close()
	s.channel = nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
