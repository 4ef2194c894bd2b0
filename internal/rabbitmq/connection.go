package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is the part of an AMQP connection the manager uses.
// *amqp.Connection satisfies it.
type Connection interface {
	Channel() (*amqp.Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a connection to url
type Dialer func(url string) (Connection, error)

// ConnectionStateListener receives connection state change notifications.
// Notifications are delivered in order from a single goroutine.
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager manages the RabbitMQ connection with automatic reconnection
type ConnectionManager struct {
	url            string
	dial           Dialer
	dialTimeout    time.Duration
	reconnectDelay time.Duration
	maxDelay       time.Duration
	maxRetries     int
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        Connection
	isConnected bool
	closed      bool
	done        chan struct{}
	wg          sync.WaitGroup

	listenersMu    sync.RWMutex
	stateListeners []ConnectionStateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxReconnectDelay caps the backoff between reconnection attempts
func WithMaxReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts.
// Zero or less retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialTimeout bounds each connection attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithDialer replaces amqp.Dial
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           dialAMQP,
		dialTimeout:    30 * time.Second,
		reconnectDelay: 5 * time.Second,
		maxDelay:       5 * time.Minute,
		maxRetries:     -1, // infinite retries by default
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

func dialAMQP(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Connect establishes the initial connection and starts watching it.
// Listeners are told about the connection before Connect returns.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrConnectionClosed
	}
	if cm.isConnected {
		cm.mu.Unlock()
		return nil
	}

	conn, err := cm.dialWithTimeout(ctx)
	if err != nil {
		cm.mu.Unlock()
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}
	notifyClose := cm.setConnection(conn)
	cm.mu.Unlock()

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	cm.wg.Add(1)
	go cm.handleReconnect(notifyClose)

	return nil
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}

	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// Channel opens a new channel on the current connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close stops reconnecting and closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	close(cm.done)
	cm.isConnected = false
	conn := cm.conn
	cm.conn = nil
	cm.mu.Unlock()

	var err error
	if conn != nil && !conn.IsClosed() {
		err = conn.Close()
		if errors.Is(err, amqp.ErrClosed) {
			err = nil
		}
	}

	cm.wg.Wait()
	return err
}

// setConnection must be called with mu held
func (cm *ConnectionManager) setConnection(conn Connection) chan *amqp.Error {
	cm.conn = conn
	cm.isConnected = true
	return conn.NotifyClose(make(chan *amqp.Error, 1))
}

func (cm *ConnectionManager) dialWithTimeout(ctx context.Context) (Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	results := make(chan result, 1)

	go func() {
		conn, err := cm.dial(cm.url)
		results <- result{conn, err}
	}()

	select {
	case r := <-results:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			// a dial that completes after the timeout is discarded
			if r := <-results; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

// handleReconnect monitors the connection and reconnects if necessary
func (cm *ConnectionManager) handleReconnect(notifyClose chan *amqp.Error) {
	defer cm.wg.Done()

	for {
		select {
		case amqpErr, ok := <-notifyClose:
			var err error = ErrConnectionClosed
			if ok && amqpErr != nil {
				err = amqpErr
			}

			cm.mu.Lock()
			if cm.closed {
				cm.mu.Unlock()
				return
			}
			cm.isConnected = false
			cm.conn = nil
			cm.mu.Unlock()

			cm.logger.Error("connection lost", "error", err)
			cm.notifyDisconnected(err)

			next, reconnected := cm.reconnect()
			if !reconnected {
				return
			}
			notifyClose = next

		case <-cm.done:
			cm.logger.Info("connection manager shutting down")
			return
		}
	}
}

// reconnect dials until it succeeds, the manager is closed or the retry
// budget is exhausted
func (cm *ConnectionManager) reconnect() (chan *amqp.Error, bool) {
	startTime := time.Now()

	for attempt := 1; ; attempt++ {
		if cm.maxRetries > 0 && attempt > cm.maxRetries {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", attempt-1,
				"duration", time.Since(startTime))

			cm.notifyDisconnected(&ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.url),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  attempt - 1,
			})
			return nil, false
		}

		delay := cm.calculateBackoff(attempt - 1)
		select {
		case <-time.After(delay):
		case <-cm.done:
			return nil, false
		}

		cm.logger.Info("attempting to reconnect",
			"attempt", attempt,
			"maxRetries", cm.maxRetries)
		cm.notifyReconnecting(attempt)

		conn, err := cm.dialWithTimeout(context.Background())
		if err != nil {
			cm.logger.Error("reconnection failed",
				"error", err,
				"attempt", attempt)
			continue
		}

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			_ = conn.Close()
			return nil, false
		}
		notifyClose := cm.setConnection(conn)
		cm.mu.Unlock()

		cm.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", attempt,
			"duration", time.Since(startTime))
		cm.notifyConnected()

		return notifyClose, true
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), cm.stateListeners...)
}

func (cm *ConnectionManager) notifyConnected() {
	for _, listener := range cm.listeners() {
		listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, listener := range cm.listeners() {
		listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	for _, listener := range cm.listeners() {
		listener.OnReconnecting(attempt)
	}
}

// calculateBackoff doubles the base delay per attempt up to maxDelay and
// adds ±12.5% jitter
func (cm *ConnectionManager) calculateBackoff(attempt int) time.Duration {
	base := cm.reconnectDelay
	if base <= 0 {
		base = 5 * time.Second
	}

	delay := base
	for i := 0; i < attempt && delay < cm.maxDelay; i++ {
		delay *= 2
	}
	if cm.maxDelay > 0 && delay > cm.maxDelay {
		delay = cm.maxDelay
	}

	jitter := int64(delay) / 4
	if jitter > 0 {
		delay = delay - time.Duration(jitter/2) + time.Duration(rand.Int64N(jitter))
	}
	return delay
}
