// Package contracts provides the value types shared by the consuming runtime.
//
// This package defines:
//   - Queue: identity of a consumed queue (name and exclusivity)
//   - MessageReceivedInfo: delivery metadata handed to handlers
//   - MessageProperties: the mutable AMQP property bag
//   - Envelope and Message[T]: typed message envelopes
//   - SerializedMessage: properties plus wire body
//
// Envelopes are polymorphic over the payload type. Code that only knows the
// payload type at runtime works through the Envelope interface, code that
// knows it at compile time asserts to *Message[T] and reads Body directly.
package contracts
