// Package serialization converts between typed message envelopes and wire
// bytes plus AMQP properties.
//
// The pieces are pluggable:
//   - TypeNameSerializer maps a Go type to the name carried in the Type property and back
//   - Serializer turns a payload into bytes and back (JSONSerializer by default)
//   - CorrelationIDGenerator produces correlation identifiers (UUIDs by default)
//   - MessageFactory builds an Envelope for a type known only at runtime
//
// TypeRegistry implements both TypeNameSerializer and MessageFactory. Payload
// types are registered once with Register:
//
//	registry := serialization.NewTypeRegistry()
//	_ = serialization.Register[OrderPlaced](registry, "orders.placed")
//	strategy := serialization.NewStrategy(registry)
//
//	msg, err := strategy.SerializeMessage(contracts.NewMessage(OrderPlaced{ID: "1"}, nil))
package serialization
