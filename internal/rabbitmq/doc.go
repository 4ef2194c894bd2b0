// Package rabbitmq owns the AMQP connection of a consumer process.
//
// ConnectionManager dials the broker, watches the connection and reconnects
// with capped exponential backoff. Registered ConnectionStateListener values
// are told, in order, when the connection comes up, goes away and before
// each reconnect attempt. Channel opens channels on whatever connection is
// current, which is how the consumer package obtains its transport.
package rabbitmq
