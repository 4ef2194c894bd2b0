package serialization

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrTypeNotRegistered is returned when a type or type name has no registration
	ErrTypeNotRegistered = errors.New("serialization: type not registered")

	// ErrTypeMismatch is returned when a payload does not match the requested type
	ErrTypeMismatch = errors.New("serialization: payload type mismatch")
)

// TypeResolutionError reports a type name or type that cannot be resolved
type TypeResolutionError struct {
	TypeName string       // Name carried by the message, if any
	Type     reflect.Type // Go type, if any
	Err      error        // Underlying error
}

func (e *TypeResolutionError) Error() string {
	if e.Type != nil {
		return fmt.Sprintf("serialization: cannot resolve type %v: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("serialization: cannot resolve type name %q: %v", e.TypeName, e.Err)
}

func (e *TypeResolutionError) Unwrap() error {
	return e.Err
}

// SerializationError reports a payload that could not be encoded or decoded
type SerializationError struct {
	Op   string       // "serialize" or "deserialize"
	Type reflect.Type // Payload type
	Err  error        // Underlying error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization: %s %v failed: %v", e.Op, e.Type, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}
