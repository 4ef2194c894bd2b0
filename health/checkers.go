package health

import (
	"context"
	"time"
)

// ConnectionState is satisfied by the connection manager
type ConnectionState interface {
	IsConnected() bool
}

// ConnectionChecker is unhealthy while the broker connection is down
type ConnectionChecker struct {
	conn ConnectionState
}

func NewConnectionChecker(conn ConnectionState) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Name: c.Name(), Timestamp: time.Now()}
	if c.conn.IsConnected() {
		result.Status = StatusHealthy
		result.Message = "connected"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "not connected"
	}
	return result
}

// SubscriptionState is satisfied by consumer.Consumer
type SubscriptionState interface {
	ActiveQueues() []string
}

// SubscriptionChecker compares the active subscriptions with the configured
// queues. Some missing is degraded, all missing is unhealthy.
type SubscriptionChecker struct {
	consumer SubscriptionState
	expected []string
}

func NewSubscriptionChecker(consumer SubscriptionState, expected []string) *SubscriptionChecker {
	return &SubscriptionChecker{consumer: consumer, expected: expected}
}

func (c *SubscriptionChecker) Name() string {
	return "subscriptions"
}

func (c *SubscriptionChecker) Check(ctx context.Context) CheckResult {
	active := c.consumer.ActiveQueues()
	isActive := make(map[string]bool, len(active))
	for _, q := range active {
		isActive[q] = true
	}

	missing := []string{}
	for _, q := range c.expected {
		if !isActive[q] {
			missing = append(missing, q)
		}
	}

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"active":  active,
			"missing": missing,
		},
	}

	switch {
	case len(missing) == 0:
		result.Status = StatusHealthy
		result.Message = "all queues consumed"
	case len(missing) < len(c.expected):
		result.Status = StatusDegraded
		result.Message = "some queues are not consumed"
	default:
		result.Status = StatusUnhealthy
		result.Message = "no queue is consumed"
	}
	return result
}
