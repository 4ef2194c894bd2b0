package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-consumer/contracts"
	"github.com/panjf2000/ants/v2"
	amqp "github.com/rabbitmq/amqp091-go"
)

// InternalConsumer owns the subscriptions of one connection. StartConsuming,
// StopConsuming and Close are serialized; the set of active subscriptions is
// guarded separately so delivery goroutines never wait on transport calls
// made by the lifecycle methods.
type InternalConsumer struct {
	config        Configuration
	openChannel   ChannelFactory
	errorStrategy ErrorStrategy
	logger        *slog.Logger
	metrics       MetricsCollector
	concurrency   int
	pool          *ants.Pool

	lifecycle sync.Mutex
	mu        sync.Mutex
	active    map[contracts.Queue]*subscription
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures the InternalConsumer
type Option func(*InternalConsumer)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *InternalConsumer) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(collector MetricsCollector) Option {
	return func(c *InternalConsumer) {
		c.metrics = collector
	}
}

// WithHandlerConcurrency bounds the number of handlers running at once.
// Zero or less means unbounded.
func WithHandlerConcurrency(n int) Option {
	return func(c *InternalConsumer) {
		c.concurrency = n
	}
}

// NewInternalConsumer creates a consumer for config. Channels are opened
// through openChannel; failed and cancelled deliveries are resolved by
// errorStrategy.
func NewInternalConsumer(config Configuration, openChannel ChannelFactory, errorStrategy ErrorStrategy, options ...Option) (*InternalConsumer, error) {
	if openChannel == nil {
		return nil, fmt.Errorf("%w: channel factory is required", ErrInvalidConfiguration)
	}
	if errorStrategy == nil {
		return nil, fmt.Errorf("%w: error strategy is required", ErrInvalidConfiguration)
	}

	normalized, err := config.normalize()
	if err != nil {
		return nil, err
	}

	c := &InternalConsumer{
		config:        normalized,
		openChannel:   openChannel,
		errorStrategy: errorStrategy,
		logger:        slog.Default(),
		metrics:       noopMetrics{},
		active:        make(map[contracts.Queue]*subscription),
	}

	for _, opt := range options {
		opt(c)
	}

	pool, err := ants.NewPool(c.concurrency)
	if err != nil {
		return nil, fmt.Errorf("failed to create handler pool: %w", err)
	}
	c.pool = pool
	c.ctx, c.cancel = context.WithCancel(context.Background())

	return c, nil
}

// StartConsuming subscribes the candidate queues and reports the outcome.
//
// With reconnected set every configured queue is a candidate and every held
// subscription is dropped first, since the transport session that backed it
// is gone. Otherwise only queues without a live subscription are attempted.
// A rejected attempt is recorded in Status.Failed and does not stop the
// remaining attempts.
func (c *InternalConsumer) StartConsuming(reconnected bool) (Status, error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Status{}, ErrConsumerClosed
	}
	var stale []*subscription
	if reconnected {
		for queue, sub := range c.active {
			stale = append(stale, sub)
			delete(c.active, queue)
		}
	}
	candidates := make([]contracts.Queue, 0, len(c.config.Queues))
	for queue := range c.config.Queues {
		if _, ok := c.active[queue]; !ok {
			candidates = append(candidates, queue)
		}
	}
	c.mu.Unlock()

	for _, sub := range stale {
		sub.abandon()
	}

	var started, failed []contracts.Queue
	for _, queue := range sortQueues(candidates) {
		sub, err := c.subscribe(queue, c.config.Queues[queue])
		if err != nil {
			c.logger.Warn("failed to start consuming",
				"queue", queue.Name,
				"error", err,
			)
			c.metrics.RecordSubscription(queue.Name, false)
			failed = append(failed, queue)
			continue
		}

		c.mu.Lock()
		c.active[queue] = sub
		c.mu.Unlock()

		go c.consume(sub)

		c.logger.Info("started consuming",
			"queue", queue.Name,
			"consumerTag", sub.tag,
			"prefetchCount", c.config.PrefetchCount,
		)
		c.metrics.RecordSubscription(queue.Name, true)
		started = append(started, queue)
	}

	return Status{
		Started: started,
		Active:  c.activeQueues(),
		Failed:  failed,
	}, nil
}

// StopConsuming cancels every live subscription, waits for in-flight
// handlers to resolve and closes the channels. Configuration is kept, so a
// later StartConsuming resubscribes everything.
func (c *InternalConsumer) StopConsuming() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.stopAll()
}

// Close stops consuming and releases the handler pool. It is safe to call
// more than once.
func (c *InternalConsumer) Close() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.stopAll()
	c.cancel()
	c.pool.Release()

	c.logger.Info("consumer closed")
	return nil
}

// ActiveQueues returns the queues with a live subscription
func (c *InternalConsumer) ActiveQueues() []contracts.Queue {
	return c.activeQueues()
}

func (c *InternalConsumer) activeQueues() []contracts.Queue {
	c.mu.Lock()
	defer c.mu.Unlock()

	queues := make([]contracts.Queue, 0, len(c.active))
	for queue := range c.active {
		queues = append(queues, queue)
	}
	return sortQueues(queues)
}

func (c *InternalConsumer) stopAll() {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.active))
	for queue, sub := range c.active {
		subs = append(subs, sub)
		delete(c.active, queue)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
		c.logger.Info("stopped consuming", "queue", sub.queue.Name, "consumerTag", sub.tag)
	}
}

// subscribe opens a dedicated channel and starts consuming queue on it. The
// channel is closed on every failure path, panics included.
func (c *InternalConsumer) subscribe(queue contracts.Queue, cfg PerQueueConfiguration) (sub *subscription, err error) {
	var ch Channel
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while subscribing: %v", r)
		}
		if err != nil {
			sub = nil
			if ch != nil {
				_ = ch.Close()
			}
			err = &ConsumerError{
				Queue:       queue.Name,
				ConsumerTag: cfg.ConsumerTag,
				Op:          "subscribe",
				Err:         err,
				Timestamp:   time.Now(),
			}
		}
	}()

	ch, err = c.openChannel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(c.config.PrefetchCount, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	cancelled := ch.NotifyCancel(make(chan string, 1))

	deliveries, err := ch.Consume(
		queue.Name,
		cfg.ConsumerTag,
		cfg.AutoAck,
		cfg.Exclusive,
		false, // no-local
		false, // no-wait
		cfg.Arguments,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	ctx, cancel := context.WithCancel(c.ctx)
	return &subscription{
		queue:      queue,
		tag:        cfg.ConsumerTag,
		config:     cfg,
		channel:    ch,
		deliveries: deliveries,
		cancelled:  cancelled,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     c.logger,
	}, nil
}

// consume reads deliveries of one subscription until it is stopped or lost
func (c *InternalConsumer) consume(sub *subscription) {
	defer close(sub.done)

	for {
		select {
		case <-sub.ctx.Done():
			return

		case tag, ok := <-sub.cancelled:
			if ok {
				c.lose(sub, "consumer cancelled by broker", tag)
			} else {
				c.lose(sub, "channel closed", sub.tag)
			}
			return

		case delivery, ok := <-sub.deliveries:
			if !ok {
				c.lose(sub, "delivery channel closed", sub.tag)
				return
			}
			c.dispatch(sub, delivery)
		}
	}
}

// lose drops a subscription the transport took away. The queue becomes a
// candidate again on the next StartConsuming.
func (c *InternalConsumer) lose(sub *subscription, reason, tag string) {
	c.mu.Lock()
	current, ok := c.active[sub.queue]
	removed := ok && current == sub
	if removed {
		delete(c.active, sub.queue)
	}
	c.mu.Unlock()

	if removed {
		c.logger.Warn("subscription lost",
			"queue", sub.queue.Name,
			"consumerTag", tag,
			"reason", reason,
		)
	}

	sub.cancel()
	go func() {
		sub.inflight.Wait()
		sub.closeChannel()
	}()
}

// dispatch hands a delivery to the worker pool
func (c *InternalConsumer) dispatch(sub *subscription, delivery amqp.Delivery) {
	c.metrics.RecordDelivery(sub.queue.Name)

	sub.inflight.Add(1)
	err := c.pool.Submit(func() {
		defer sub.inflight.Done()
		c.handle(sub, delivery)
	})
	if err != nil {
		sub.inflight.Done()
		c.logger.Error("failed to schedule handler",
			"queue", sub.queue.Name,
			"deliveryTag", delivery.DeliveryTag,
			"error", err,
		)
		if !sub.config.AutoAck {
			c.acknowledge(sub, delivery, NackWithRequeue)
		}
	}
}

type subscription struct {
	queue      contracts.Queue
	tag        string
	config     PerQueueConfiguration
	deliveries <-chan amqp.Delivery
	cancelled  chan string
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	inflight   sync.WaitGroup
	logger     *slog.Logger

	chMu      sync.Mutex
	channel   Channel
	closeOnce sync.Once
}

// stop cancels the subscription on the broker, lets in-flight handlers
// resolve and closes the channel
func (s *subscription) stop() {
	s.chMu.Lock()
	if !s.channel.IsClosed() {
		if err := s.channel.Cancel(s.tag, false); err != nil {
			s.logger.Debug("failed to cancel consumer", "queue", s.queue.Name, "consumerTag", s.tag, "error", err)
		}
	}
	s.chMu.Unlock()

	s.cancel()
	<-s.done
	s.inflight.Wait()
	s.closeChannel()
}

// abandon drops a subscription whose session is no longer valid without
// waiting for its handlers
func (s *subscription) abandon() {
	s.cancel()
	s.closeChannel()
}

func (s *subscription) closeChannel() {
	s.closeOnce.Do(func() {
		s.chMu.Lock()
		defer s.chMu.Unlock()
		if err := s.channel.Close(); err != nil && err != amqp.ErrClosed {
			s.logger.Debug("failed to close channel", "queue", s.queue.Name, "error", err)
		}
	})
}
