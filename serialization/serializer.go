package serialization

import (
	"encoding/json"
	"reflect"
)

// Serializer encodes payloads to bytes and back
type Serializer interface {
	MessageToBytes(t reflect.Type, message interface{}) ([]byte, error)
	BytesToMessage(t reflect.Type, data []byte) (interface{}, error)
}

// JSONSerializer encodes payloads as JSON
type JSONSerializer struct {
	indent bool
}

// JSONSerializerOption configures the JSON serializer
type JSONSerializerOption func(*JSONSerializer)

// WithIndent enables indented output
func WithIndent(indent bool) JSONSerializerOption {
	return func(s *JSONSerializer) {
		s.indent = indent
	}
}

// NewJSONSerializer creates a JSON serializer
func NewJSONSerializer(opts ...JSONSerializerOption) *JSONSerializer {
	s := &JSONSerializer{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MessageToBytes marshals message
func (s *JSONSerializer) MessageToBytes(t reflect.Type, message interface{}) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if s.indent {
		data, err = json.MarshalIndent(message, "", "  ")
	} else {
		data, err = json.Marshal(message)
	}
	if err != nil {
		return nil, &SerializationError{Op: "serialize", Type: t, Err: err}
	}
	return data, nil
}

// BytesToMessage unmarshals data into a new value of type t
func (s *JSONSerializer) BytesToMessage(t reflect.Type, data []byte) (interface{}, error) {
	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, &SerializationError{Op: "deserialize", Type: t, Err: err}
	}
	return ptr.Elem().Interface(), nil
}
