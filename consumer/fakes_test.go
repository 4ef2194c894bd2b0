package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-consumer/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

var errAccessRefused = errors.New("ACCESS_REFUSED - queue in exclusive use")

// fakeBroker hands out fakeChannels and decides which queues accept consumers
type fakeBroker struct {
	mu       sync.Mutex
	rejected map[string]bool
	panics   map[string]bool
	openErr  error
	channels []*fakeChannel
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{rejected: make(map[string]bool), panics: make(map[string]bool)}
}

// panicOnConsume makes Consume on queue panic
func (b *fakeBroker) panicOnConsume(queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.panics[queue] = true
}

func (b *fakeBroker) panicsOn(queue string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.panics[queue]
}

// channelsFor returns every channel that attempted to consume queue
func (b *fakeBroker) channelsFor(queue string) []*fakeChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	var channels []*fakeChannel
	for _, ch := range b.channels {
		ch.mu.Lock()
		if ch.attempted == queue {
			channels = append(channels, ch)
		}
		ch.mu.Unlock()
	}
	return channels
}

func (b *fakeBroker) reject(queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejected[queue] = true
}

func (b *fakeBroker) accept(queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rejected, queue)
}

func (b *fakeBroker) failOpen(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openErr = err
}

func (b *fakeBroker) open() (Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return nil, b.openErr
	}
	ch := &fakeChannel{broker: b, acks: make(map[uint64]string)}
	b.channels = append(b.channels, ch)
	return ch, nil
}

func (b *fakeBroker) isRejected(queue string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejected[queue]
}

// consumerOn returns the live channel consuming queue
func (b *fakeBroker) consumerOn(queue string) *fakeChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.channels) - 1; i >= 0; i-- {
		ch := b.channels[i]
		if ch.consuming(queue) {
			return ch
		}
	}
	return nil
}

func (b *fakeBroker) openChannels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ch := range b.channels {
		if !ch.IsClosed() {
			n++
		}
	}
	return n
}

// fakeChannel mimics the parts of *amqp.Channel a subscription uses
type fakeChannel struct {
	broker *fakeBroker

	mu         sync.Mutex
	closed     bool
	prefetch   int
	attempted  string
	queue      string
	tag        string
	exclusive  bool
	deliveries chan amqp.Delivery
	cancelled  chan string
	nextTag    uint64
	acks       map[uint64]string
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefetch = prefetchCount
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	c.attempted = queue
	c.mu.Unlock()

	if c.broker.panicsOn(queue) {
		panic("unexpected frame")
	}
	if c.broker.isRejected(queue) {
		c.Close()
		return nil, errAccessRefused
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = queue
	c.tag = consumer
	c.exclusive = exclusive
	c.deliveries = make(chan amqp.Delivery, 16)
	return c.deliveries, nil
}

func (c *fakeChannel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	if c.deliveries != nil && c.tag == consumer {
		close(c.deliveries)
		c.deliveries = nil
	}
	return nil
}

func (c *fakeChannel) NotifyCancel(receiver chan string) chan string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = receiver
	return receiver
}

func (c *fakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	if c.deliveries != nil {
		close(c.deliveries)
		c.deliveries = nil
	}
	if c.cancelled != nil {
		close(c.cancelled)
		c.cancelled = nil
	}
	return nil
}

func (c *fakeChannel) consuming(queue string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.deliveries != nil && c.queue == queue
}

// deliver pushes a message to the subscription on this channel
func (c *fakeChannel) deliver(routingKey string, body []byte, properties *contracts.MessageProperties) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextTag++
	if properties == nil {
		properties = &contracts.MessageProperties{}
	}
	publishing := properties.Publishing(body)
	c.deliveries <- amqp.Delivery{
		Acknowledger:  c,
		Headers:       publishing.Headers,
		ContentType:   publishing.ContentType,
		CorrelationId: publishing.CorrelationId,
		Type:          publishing.Type,
		MessageId:     publishing.MessageId,
		ConsumerTag:   c.tag,
		DeliveryTag:   c.nextTag,
		Exchange:      "test.exchange",
		RoutingKey:    routingKey,
		Body:          body,
	}
	return c.nextTag
}

// brokerCancel simulates basic.cancel sent by the broker, e.g. on queue deletion
func (c *fakeChannel) brokerCancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled != nil {
		c.cancelled <- c.tag
	}
	if c.deliveries != nil {
		close(c.deliveries)
		c.deliveries = nil
	}
}

func (c *fakeChannel) Ack(tag uint64, multiple bool) error {
	return c.record(tag, "ack")
}

func (c *fakeChannel) Nack(tag uint64, multiple, requeue bool) error {
	if requeue {
		return c.record(tag, "nack_requeue")
	}
	return c.record(tag, "nack")
}

func (c *fakeChannel) Reject(tag uint64, requeue bool) error {
	return c.Nack(tag, false, requeue)
}

func (c *fakeChannel) record(tag uint64, decision string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.acks[tag] = decision
	return nil
}

func (c *fakeChannel) decision(tag uint64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.acks[tag]
	return d, ok
}

type mockErrorStrategy struct {
	mock.Mock
}

func (m *mockErrorStrategy) HandleConsumerError(ctx context.Context, ec ExecutionContext, err error) (AckStrategy, error) {
	args := m.Called(ec.ReceivedInfo.Queue, err)
	return args.Get(0).(AckStrategy), args.Error(1)
}

func (m *mockErrorStrategy) HandleConsumerCancelled(ctx context.Context, ec ExecutionContext) (AckStrategy, error) {
	args := m.Called(ec.ReceivedInfo.Queue)
	return args.Get(0).(AckStrategy), args.Error(1)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ackHandler(ctx context.Context, body []byte, properties *contracts.MessageProperties, info contracts.MessageReceivedInfo) (AckStrategy, error) {
	return Ack, nil
}

func names(queues []contracts.Queue) []string {
	return queueNames(queues)
}

func mustNotBeCalled(name string) MessageHandler {
	return func(context.Context, []byte, *contracts.MessageProperties, contracts.MessageReceivedInfo) (AckStrategy, error) {
		panic(fmt.Sprintf("handler %s must not be called", name))
	}
}
