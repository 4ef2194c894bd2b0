package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-consumer/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockErrorChannel struct {
	mock.Mock
}

func (m *mockErrorChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind, durable, autoDelete, internal, noWait, args).Error(0)
}

func (m *mockErrorChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ret := m.Called(name, durable, autoDelete, exclusive, noWait, args)
	return amqp.Queue{Name: name}, ret.Error(0)
}

func (m *mockErrorChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return m.Called(name, key, exchange, noWait, args).Error(0)
}

func (m *mockErrorChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return m.Called(exchange, key, mandatory, immediate, msg).Error(0)
}

func (m *mockErrorChannel) IsClosed() bool {
	return m.Called().Bool(0)
}

func (m *mockErrorChannel) Close() error {
	return m.Called().Error(0)
}

const (
	customErrorExchangePrefix = "CustomErrorExchangePrefixName"
	customErrorQueueName      = "CustomErrorQueueName"
	originalRoutingKey        = "originalRoutingKey"
)

func failedDelivery() ExecutionContext {
	return ExecutionContext{
		ReceivedInfo: contracts.MessageReceivedInfo{
			ConsumerTag: "consumerTag",
			DeliveryTag: 0,
			Redelivered: false,
			Exchange:    "orginalExchange",
			RoutingKey:  originalRoutingKey,
			Queue:       "queue",
		},
		Properties: &contracts.MessageProperties{
			CorrelationID: "correlation",
			AppID:         "billing",
			Type:          "orders.placed",
		},
		Body: []byte(`{"orderId":42}`),
	}
}

func expectErrorTopology(ch *mockErrorChannel, exchange, queue string) {
	ch.On("IsClosed").Return(false).Maybe()
	ch.On("ExchangeDeclare", exchange, "direct", true, false, false, false, amqp.Table(nil)).Return(nil).Once()
	ch.On("QueueDeclare", queue, true, false, false, false, amqp.Table(nil)).Return(nil).Once()
	ch.On("QueueBind", queue, originalRoutingKey, exchange, false, amqp.Table(nil)).Return(nil).Once()
}

func newTestErrorStrategy(ch ErrorChannel, opts ...ErrorStrategyOption) *DefaultErrorStrategy {
	open := func() (ErrorChannel, error) { return ch, nil }
	opts = append([]ErrorStrategyOption{WithErrorStrategyLogger(quietLogger())}, opts...)
	return NewDefaultErrorStrategy(open, opts...)
}

func TestDefaultErrorStrategy(t *testing.T) {
	t.Run("Declares error topology with custom conventions and acks", func(t *testing.T) {
		ch := &mockErrorChannel{}
		exchange := customErrorExchangePrefix + "." + originalRoutingKey
		expectErrorTopology(ch, exchange, customErrorQueueName)
		ch.On("PublishWithContext", exchange, originalRoutingKey, false, false, mock.AnythingOfType("amqp091.Publishing")).Return(nil).Once()

		strategy := newTestErrorStrategy(ch,
			WithConventions(NewConventions(customErrorExchangePrefix, customErrorQueueName)))

		decision, err := strategy.HandleConsumerError(context.Background(), failedDelivery(), errors.New("I just threw an Exception"))
		require.NoError(t, err)
		assert.Equal(t, Ack, decision)
		ch.AssertExpectations(t)
		ch.AssertNumberOfCalls(t, "ExchangeDeclare", 1)
		ch.AssertNumberOfCalls(t, "QueueDeclare", 1)
	})

	t.Run("Default conventions", func(t *testing.T) {
		ch := &mockErrorChannel{}
		exchange := DefaultErrorExchangePrefix + "." + originalRoutingKey
		expectErrorTopology(ch, exchange, DefaultErrorQueueName)
		ch.On("PublishWithContext", exchange, originalRoutingKey, false, false, mock.Anything).Return(nil).Once()

		strategy := newTestErrorStrategy(ch)

		decision, err := strategy.HandleConsumerError(context.Background(), failedDelivery(), errors.New("boom"))
		require.NoError(t, err)
		assert.Equal(t, Ack, decision)
		ch.AssertExpectations(t)
	})

	t.Run("Publishes an error document", func(t *testing.T) {
		ch := &mockErrorChannel{}
		exchange := DefaultErrorExchangePrefix + "." + originalRoutingKey
		expectErrorTopology(ch, exchange, DefaultErrorQueueName)

		var published amqp.Publishing
		ch.On("PublishWithContext", exchange, originalRoutingKey, false, false, mock.Anything).
			Run(func(args mock.Arguments) { published = args.Get(4).(amqp.Publishing) }).
			Return(nil).Once()

		now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		strategy := newTestErrorStrategy(ch)
		strategy.now = func() time.Time { return now }

		_, err := strategy.HandleConsumerError(context.Background(), failedDelivery(), errors.New("I just threw an Exception"))
		require.NoError(t, err)

		assert.Equal(t, ErrorTypeName, published.Type)
		assert.Equal(t, uint8(contracts.Persistent), published.DeliveryMode)
		assert.Equal(t, "correlation", published.CorrelationId)
		assert.Equal(t, "billing", published.AppId)

		var document Error
		require.NoError(t, json.Unmarshal(published.Body, &document))
		assert.Equal(t, originalRoutingKey, document.RoutingKey)
		assert.Equal(t, "orginalExchange", document.Exchange)
		assert.Equal(t, "queue", document.Queue)
		assert.Equal(t, "I just threw an Exception", document.Exception)
		assert.Equal(t, "*errors.errorString", document.ExceptionType)
		assert.Equal(t, `{"orderId":42}`, document.Message)
		assert.True(t, now.Equal(document.DateTime))
		require.NotNil(t, document.Properties)
		assert.Equal(t, "orders.placed", document.Properties.Type)
	})

	t.Run("Base64 embeds binary bodies", func(t *testing.T) {
		ch := &mockErrorChannel{}
		exchange := DefaultErrorExchangePrefix + "." + originalRoutingKey
		expectErrorTopology(ch, exchange, DefaultErrorQueueName)

		var published amqp.Publishing
		ch.On("PublishWithContext", exchange, originalRoutingKey, false, false, mock.Anything).
			Run(func(args mock.Arguments) { published = args.Get(4).(amqp.Publishing) }).
			Return(nil).Once()

		strategy := newTestErrorStrategy(ch, WithErrorMessageSerializer(Base64ErrorMessageSerializer{}))
		ec := failedDelivery()
		ec.Body = []byte{0x00, 0xff, 0x10}

		_, err := strategy.HandleConsumerError(context.Background(), ec, errors.New("boom"))
		require.NoError(t, err)

		var document Error
		require.NoError(t, json.Unmarshal(published.Body, &document))
		body, err := Base64ErrorMessageSerializer{}.Deserialize(document.Message)
		require.NoError(t, err)
		assert.Equal(t, ec.Body, body)
	})

	t.Run("Declaration failure requeues and reopens the channel", func(t *testing.T) {
		first := &mockErrorChannel{}
		first.On("IsClosed").Return(false).Maybe()
		first.On("QueueDeclare", DefaultErrorQueueName, true, false, false, false, amqp.Table(nil)).
			Return(errors.New("PRECONDITION_FAILED")).Once()
		first.On("Close").Return(nil).Once()

		second := &mockErrorChannel{}
		exchange := DefaultErrorExchangePrefix + "." + originalRoutingKey
		expectErrorTopology(second, exchange, DefaultErrorQueueName)
		second.On("PublishWithContext", exchange, originalRoutingKey, false, false, mock.Anything).Return(nil).Once()

		channels := []ErrorChannel{first, second}
		opened := 0
		strategy := NewDefaultErrorStrategy(func() (ErrorChannel, error) {
			ch := channels[opened]
			opened++
			return ch, nil
		}, WithErrorStrategyLogger(quietLogger()))

		decision, err := strategy.HandleConsumerError(context.Background(), failedDelivery(), errors.New("boom"))
		assert.Equal(t, NackWithRequeue, decision)
		var topologyErr *TopologyError
		require.ErrorAs(t, err, &topologyErr)
		assert.Equal(t, "queue", topologyErr.Component)

		decision, err = strategy.HandleConsumerError(context.Background(), failedDelivery(), errors.New("boom"))
		require.NoError(t, err)
		assert.Equal(t, Ack, decision)
		assert.Equal(t, 2, opened)
		first.AssertExpectations(t)
		second.AssertExpectations(t)
	})

	t.Run("Publish failure requeues", func(t *testing.T) {
		ch := &mockErrorChannel{}
		exchange := DefaultErrorExchangePrefix + "." + originalRoutingKey
		expectErrorTopology(ch, exchange, DefaultErrorQueueName)
		ch.On("PublishWithContext", exchange, originalRoutingKey, false, false, mock.Anything).
			Return(amqp.ErrClosed).Once()
		ch.On("Close").Return(amqp.ErrClosed).Once()

		strategy := newTestErrorStrategy(ch)

		decision, err := strategy.HandleConsumerError(context.Background(), failedDelivery(), errors.New("boom"))
		assert.Equal(t, NackWithRequeue, decision)
		var publishErr *PublishError
		require.ErrorAs(t, err, &publishErr)
		assert.ErrorIs(t, err, amqp.ErrClosed)
		ch.AssertExpectations(t)
	})

	t.Run("Channel open failure requeues", func(t *testing.T) {
		strategy := NewDefaultErrorStrategy(func() (ErrorChannel, error) {
			return nil, errors.New("connection not ready")
		}, WithErrorStrategyLogger(quietLogger()))

		decision, err := strategy.HandleConsumerError(context.Background(), failedDelivery(), errors.New("boom"))
		assert.Equal(t, NackWithRequeue, decision)
		assert.Error(t, err)
	})

	t.Run("Closed strategy requeues without touching the broker", func(t *testing.T) {
		ch := &mockErrorChannel{}
		strategy := newTestErrorStrategy(ch)

		require.NoError(t, strategy.Close())
		require.NoError(t, strategy.Close())

		decision, err := strategy.HandleConsumerError(context.Background(), failedDelivery(), errors.New("boom"))
		require.NoError(t, err)
		assert.Equal(t, NackWithRequeue, decision)
		ch.AssertNotCalled(t, "ExchangeDeclare", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Close releases an open channel", func(t *testing.T) {
		ch := &mockErrorChannel{}
		exchange := DefaultErrorExchangePrefix + "." + originalRoutingKey
		expectErrorTopology(ch, exchange, DefaultErrorQueueName)
		ch.On("PublishWithContext", exchange, originalRoutingKey, false, false, mock.Anything).Return(nil).Once()
		ch.On("Close").Return(nil).Once()

		strategy := newTestErrorStrategy(ch)
		_, err := strategy.HandleConsumerError(context.Background(), failedDelivery(), errors.New("boom"))
		require.NoError(t, err)

		require.NoError(t, strategy.Close())
		ch.AssertExpectations(t)
	})

	t.Run("Cancelled deliveries are always requeued", func(t *testing.T) {
		strategy := newTestErrorStrategy(&mockErrorChannel{})

		for _, ec := range []ExecutionContext{
			failedDelivery(),
			{ReceivedInfo: contracts.MessageReceivedInfo{Queue: "other"}},
			{Body: []byte("anything"), Properties: &contracts.MessageProperties{}},
		} {
			decision, err := strategy.HandleConsumerCancelled(context.Background(), ec)
			require.NoError(t, err)
			assert.Equal(t, NackWithRequeue, decision)
		}
	})
}

func TestConventions(t *testing.T) {
	info := contracts.MessageReceivedInfo{RoutingKey: "order.placed"}

	defaults := DefaultConventions()
	assert.Equal(t, "ErrorExchange.order.placed", defaults.ErrorExchangeNaming(info))
	assert.Equal(t, DefaultErrorQueueName, defaults.ErrorQueueNaming(info))

	partial := Conventions{ErrorQueueNaming: func(contracts.MessageReceivedInfo) string { return "errors" }}.withDefaults()
	assert.Equal(t, "ErrorExchange.order.placed", partial.ErrorExchangeNaming(info))
	assert.Equal(t, "errors", partial.ErrorQueueNaming(info))
}
