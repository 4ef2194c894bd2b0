package contracts

import "reflect"

// Envelope is the type-erased view of a message. The pipeline uses it when
// the payload type is only known at runtime.
type Envelope interface {
	// MessageType returns the runtime payload type
	MessageType() reflect.Type

	// Properties returns the property bag owned by the envelope
	Properties() *MessageProperties

	// GetBody returns the payload, or nil when the message has no body
	GetBody() interface{}
}

// Message is an envelope around a payload of type T
type Message[T any] struct {
	body       T
	hasBody    bool
	properties *MessageProperties
}

// NewMessage creates an envelope carrying body. A nil properties value is
// replaced by an empty bag.
func NewMessage[T any](body T, properties *MessageProperties) *Message[T] {
	if properties == nil {
		properties = &MessageProperties{}
	}
	return &Message[T]{body: body, hasBody: true, properties: properties}
}

// NewEmptyMessage creates an envelope of type T without a body
func NewEmptyMessage[T any](properties *MessageProperties) *Message[T] {
	if properties == nil {
		properties = &MessageProperties{}
	}
	return &Message[T]{properties: properties}
}

// Body returns the typed payload, the zero value of T when absent
func (m *Message[T]) Body() T {
	return m.body
}

// HasBody reports whether a payload is present
func (m *Message[T]) HasBody() bool {
	return m.hasBody
}

func (m *Message[T]) MessageType() reflect.Type {
	return reflect.TypeFor[T]()
}

func (m *Message[T]) Properties() *MessageProperties {
	return m.properties
}

// GetBody returns nil when no payload was set or the payload is a nil
// pointer, map, slice or interface
func (m *Message[T]) GetBody() interface{} {
	if !m.hasBody || isNil(m.body) {
		return nil
	}
	return m.body
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Chan, reflect.Func:
		return rv.IsNil()
	}
	return false
}

// SerializedMessage is a message ready for the wire
type SerializedMessage struct {
	Properties *MessageProperties
	Body       []byte
}
