package consumer

import "github.com/glimte/mmate-consumer/contracts"

const (
	// DefaultErrorExchangePrefix prefixes the routing key in error exchange names
	DefaultErrorExchangePrefix = "ErrorExchange"
	// DefaultErrorQueueName is the queue receiving every failed message
	DefaultErrorQueueName = "mmate_default_error_queue"
)

// NamingConvention derives a name from the metadata of a failed delivery
type NamingConvention func(info contracts.MessageReceivedInfo) string

// Conventions name the error topology
type Conventions struct {
	ErrorExchangeNaming NamingConvention
	ErrorQueueNaming    NamingConvention
}

// NewConventions names error exchanges "<prefix>.<routing key>" and sends
// every failed message to queue
func NewConventions(prefix, queue string) Conventions {
	return Conventions{
		ErrorExchangeNaming: func(info contracts.MessageReceivedInfo) string {
			return prefix + "." + info.RoutingKey
		},
		ErrorQueueNaming: func(contracts.MessageReceivedInfo) string {
			return queue
		},
	}
}

// DefaultConventions returns NewConventions(DefaultErrorExchangePrefix, DefaultErrorQueueName)
func DefaultConventions() Conventions {
	return NewConventions(DefaultErrorExchangePrefix, DefaultErrorQueueName)
}

func (c Conventions) withDefaults() Conventions {
	defaults := DefaultConventions()
	if c.ErrorExchangeNaming == nil {
		c.ErrorExchangeNaming = defaults.ErrorExchangeNaming
	}
	if c.ErrorQueueNaming == nil {
		c.ErrorQueueNaming = defaults.ErrorQueueNaming
	}
	return c
}
