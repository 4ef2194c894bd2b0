package contracts

import "fmt"

// Queue identifies a consumed queue. Two queues are equal when both the name
// and the exclusivity flag match, so Queue can be used as a map key.
type Queue struct {
	Name      string
	Exclusive bool
}

// NewQueue creates a queue reference
func NewQueue(name string, exclusive bool) Queue {
	return Queue{Name: name, Exclusive: exclusive}
}

func (q Queue) String() string {
	if q.Exclusive {
		return fmt.Sprintf("%s (exclusive)", q.Name)
	}
	return q.Name
}

// MessageReceivedInfo carries the delivery metadata of one message
type MessageReceivedInfo struct {
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
	Queue       string
}
