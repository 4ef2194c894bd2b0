package serialization

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/glimte/mmate-consumer/contracts"
)

// TypeNameSerializer maps payload types to the name stamped in the Type
// property and back
type TypeNameSerializer interface {
	// Serialize returns the type name for t
	Serialize(t reflect.Type) (string, error)

	// Deserialize resolves a type name to its Go type
	Deserialize(typeName string) (reflect.Type, error)
}

// MessageFactory builds envelopes for types known only at runtime
type MessageFactory interface {
	// CreateInstance returns an envelope whose MessageType is t. A nil body
	// produces an envelope without a payload.
	CreateInstance(t reflect.Type, body interface{}, properties *contracts.MessageProperties) (contracts.Envelope, error)
}

type envelopeConstructor func(body interface{}, properties *contracts.MessageProperties) (contracts.Envelope, error)

// TypeRegistry keeps the name, type and envelope constructor of every
// registered payload type. It is safe for concurrent use.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
	names map[reflect.Type]string
	ctors map[reflect.Type]envelopeConstructor
}

// NewTypeRegistry creates an empty registry
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		types: make(map[string]reflect.Type),
		names: make(map[reflect.Type]string),
		ctors: make(map[reflect.Type]envelopeConstructor),
	}
}

// Register registers payload type T under typeName. An empty name falls back
// to the package-qualified type name. Registering the same pair twice is a
// no-op.
func Register[T any](r *TypeRegistry, typeName string) error {
	t := reflect.TypeFor[T]()
	if typeName == "" {
		name, err := DefaultTypeName(t)
		if err != nil {
			return err
		}
		typeName = name
	}

	ctor := func(body interface{}, properties *contracts.MessageProperties) (contracts.Envelope, error) {
		if body == nil {
			return contracts.NewEmptyMessage[T](properties), nil
		}
		typed, ok := body.(T)
		if !ok {
			return nil, fmt.Errorf("%w: expected %v, got %T", ErrTypeMismatch, t, body)
		}
		return contracts.NewMessage(typed, properties), nil
	}

	return r.register(typeName, t, ctor)
}

// MustRegister is like Register but panics on error
func MustRegister[T any](r *TypeRegistry, typeName string) {
	if err := Register[T](r, typeName); err != nil {
		panic(err)
	}
}

func (r *TypeRegistry) register(typeName string, t reflect.Type, ctor envelopeConstructor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.types[typeName]; ok && existing != t {
		return fmt.Errorf("serialization: type name %s already registered to %v", typeName, existing)
	}
	if existing, ok := r.names[t]; ok && existing != typeName {
		return fmt.Errorf("serialization: type %v already registered as %s", t, existing)
	}

	r.types[typeName] = t
	r.names[t] = typeName
	r.ctors[t] = ctor
	return nil
}

// Serialize returns the registered name of t. Named types that were never
// registered get their package-qualified name; that name does not resolve
// through Deserialize until the type is registered.
func (r *TypeRegistry) Serialize(t reflect.Type) (string, error) {
	if t == nil {
		return "", &TypeResolutionError{Err: fmt.Errorf("%w: nil type", ErrTypeNotRegistered)}
	}

	r.mu.RLock()
	name, ok := r.names[t]
	r.mu.RUnlock()
	if ok {
		return name, nil
	}

	return DefaultTypeName(t)
}

// Deserialize resolves a type name
func (r *TypeRegistry) Deserialize(typeName string) (reflect.Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[typeName]
	if !ok {
		return nil, &TypeResolutionError{TypeName: typeName, Err: ErrTypeNotRegistered}
	}
	return t, nil
}

// CreateInstance builds an envelope of type t through the constructor
// captured by Register
func (r *TypeRegistry) CreateInstance(t reflect.Type, body interface{}, properties *contracts.MessageProperties) (contracts.Envelope, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[t]
	r.mu.RUnlock()

	if !ok {
		return nil, &TypeResolutionError{Type: t, Err: ErrTypeNotRegistered}
	}
	return ctor(body, properties)
}

// IsRegistered reports whether typeName was registered with a constructor
func (r *TypeRegistry) IsRegistered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.types[typeName]
	return ok
}

// ListTypes returns all known type names in sorted order
func (r *TypeRegistry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultTypeName derives a name from the package path and type name
func DefaultTypeName(t reflect.Type) (string, error) {
	name := t.Name()
	if name == "" {
		return "", &TypeResolutionError{Type: t, Err: fmt.Errorf("%w: unnamed type", ErrTypeNotRegistered)}
	}
	if t.PkgPath() != "" {
		name = t.PkgPath() + "." + name
	}
	return name, nil
}
