package serialization

import "github.com/google/uuid"

// CorrelationIDGenerator produces correlation identifiers. Implementations
// must not repeat a value within the lifetime of the process.
type CorrelationIDGenerator interface {
	CorrelationID() string
}

// CorrelationIDFunc adapts a function to CorrelationIDGenerator
type CorrelationIDFunc func() string

func (f CorrelationIDFunc) CorrelationID() string {
	return f()
}

// UUIDCorrelationIDGenerator generates random UUIDs
type UUIDCorrelationIDGenerator struct{}

func (UUIDCorrelationIDGenerator) CorrelationID() string {
	return uuid.NewString()
}
