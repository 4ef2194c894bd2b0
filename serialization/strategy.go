package serialization

import (
	"fmt"

	"github.com/glimte/mmate-consumer/contracts"
)

// Strategy converts envelopes to wire messages and back
type Strategy interface {
	// SerializeMessage encodes the payload and stamps Type and, when empty,
	// CorrelationID on the envelope's own properties.
	SerializeMessage(message contracts.Envelope) (contracts.SerializedMessage, error)

	// DeserializeMessage resolves the payload type from properties.Type and
	// decodes body. An empty body yields an envelope without payload.
	DeserializeMessage(properties *contracts.MessageProperties, body []byte) (contracts.Envelope, error)
}

// DefaultStrategy is the standard Strategy
type DefaultStrategy struct {
	typeNames      TypeNameSerializer
	serializer     Serializer
	correlationIDs CorrelationIDGenerator
	factory        MessageFactory
}

// StrategyOption configures the strategy
type StrategyOption func(*DefaultStrategy)

// WithSerializer sets the byte serializer
func WithSerializer(serializer Serializer) StrategyOption {
	return func(s *DefaultStrategy) {
		s.serializer = serializer
	}
}

// WithCorrelationIDGenerator sets the correlation id generator
func WithCorrelationIDGenerator(generator CorrelationIDGenerator) StrategyOption {
	return func(s *DefaultStrategy) {
		s.correlationIDs = generator
	}
}

// WithTypeNameSerializer overrides the type-name serializer taken from the registry
func WithTypeNameSerializer(typeNames TypeNameSerializer) StrategyOption {
	return func(s *DefaultStrategy) {
		s.typeNames = typeNames
	}
}

// WithMessageFactory overrides the message factory taken from the registry
func WithMessageFactory(factory MessageFactory) StrategyOption {
	return func(s *DefaultStrategy) {
		s.factory = factory
	}
}

// NewStrategy creates a strategy that names types and builds envelopes with
// registry, encodes JSON and generates UUID correlation ids
func NewStrategy(registry *TypeRegistry, opts ...StrategyOption) *DefaultStrategy {
	s := &DefaultStrategy{
		serializer:     NewJSONSerializer(),
		correlationIDs: UUIDCorrelationIDGenerator{},
	}
	if registry != nil {
		s.typeNames = registry
		s.factory = registry
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// SerializeMessage implements Strategy. The returned properties are the
// envelope's own instance, not a copy.
func (s *DefaultStrategy) SerializeMessage(message contracts.Envelope) (contracts.SerializedMessage, error) {
	if message == nil {
		return contracts.SerializedMessage{}, fmt.Errorf("serialization: message cannot be nil")
	}

	properties := message.Properties()
	if properties == nil {
		return contracts.SerializedMessage{}, fmt.Errorf("serialization: message has no properties")
	}

	messageType := message.MessageType()
	typeName, err := s.typeNames.Serialize(messageType)
	if err != nil {
		return contracts.SerializedMessage{}, err
	}

	body := []byte{}
	if payload := message.GetBody(); payload != nil {
		body, err = s.serializer.MessageToBytes(messageType, payload)
		if err != nil {
			return contracts.SerializedMessage{}, err
		}
	}

	properties.Type = typeName
	if properties.CorrelationID == "" {
		properties.CorrelationID = s.correlationIDs.CorrelationID()
	}

	return contracts.SerializedMessage{Properties: properties, Body: body}, nil
}

// DeserializeMessage implements Strategy
func (s *DefaultStrategy) DeserializeMessage(properties *contracts.MessageProperties, body []byte) (contracts.Envelope, error) {
	if properties == nil {
		return nil, &TypeResolutionError{Err: fmt.Errorf("%w: missing properties", ErrTypeNotRegistered)}
	}

	messageType, err := s.typeNames.Deserialize(properties.Type)
	if err != nil {
		return nil, err
	}

	var payload interface{}
	if len(body) > 0 {
		payload, err = s.serializer.BytesToMessage(messageType, body)
		if err != nil {
			return nil, err
		}
	}

	return s.factory.CreateInstance(messageType, payload, properties)
}
