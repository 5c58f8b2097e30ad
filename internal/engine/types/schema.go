package types

import (
	"fmt"

	"github.com/sarvex/greptimedb/internal/errors"
)

// FieldKind indicates the semantic type of a field's values.
type FieldKind int

const (
	// KindGauge is a point-in-time measurement.
	KindGauge FieldKind = iota
	// KindCounter is a monotonically increasing counter; the stored
	// value is the calculated rate.
	KindCounter
)

// String returns a human-readable representation of the kind.
func (k FieldKind) String() string {
	switch k {
	case KindGauge:
		return "gauge"
	case KindCounter:
		return "counter"
	default:
		return "unknown"
	}
}

// FieldSchema declares a single field of a region.
type FieldSchema struct {
	Name string    `json:"name"`
	Kind FieldKind `json:"kind"`
}

// Schema is the declared field set of a region. It is immutable; edits
// produce a new schema with a bumped version, installed through the
// manifest so it survives restarts.
type Schema struct {
	Fields  []FieldSchema `json:"fields"`
	Version uint32        `json:"version"`
}

// NewSchema creates a version-zero schema from the given fields.
func NewSchema(fields ...FieldSchema) Schema {
	return Schema{Fields: fields}
}

// Field looks up a declared field by name.
func (s Schema) Field(name string) (FieldSchema, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSchema{}, false
}

// AddField returns a copy of the schema with one more declared field and
// a bumped version. Fails if the name is already taken.
func (s Schema) AddField(f FieldSchema) (Schema, error) {
	if _, ok := s.Field(f.Name); ok {
		return s, fmt.Errorf("field %q already declared", f.Name)
	}
	next := Schema{
		Fields:  make([]FieldSchema, 0, len(s.Fields)+1),
		Version: s.Version + 1,
	}
	next.Fields = append(next.Fields, s.Fields...)
	next.Fields = append(next.Fields, f)
	return next, nil
}

// ValidateBatch checks every mutation in the batch against the schema.
// A mutation naming an undeclared field is a schema mismatch and the
// whole batch is rejected.
func (s Schema) ValidateBatch(b *WriteBatch) error {
	for i, m := range b.Mutations {
		if m.Key.Series == "" {
			return errors.NewSchemaMismatch(m.Key.Field, fmt.Sprintf("mutation %d: empty series", i))
		}
		if _, ok := s.Field(m.Key.Field); !ok {
			return errors.NewSchemaMismatch(m.Key.Field, "not declared in region schema")
		}
	}
	return nil
}
