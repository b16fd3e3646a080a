package factsheet

import (
	"github.com/lumenic/factsheet/internal/model"
	"github.com/lumenic/factsheet/internal/schema"
)

// FieldKind is the tag of a public Field term. It mirrors
// internal/schema.Kind without importing it, so embedders declare schemas
// without reaching into internal packages.
type FieldKind int

const (
	KindString FieldKind = iota
	KindNumber
	KindBoolean
	KindEnum
	KindArray
	KindObject
	KindRecord
	KindAny
	KindNullable
	KindOptional
	KindDefault
)

// Field is a schema term describing the shape one profile field must take.
// Build one with the String/Number/Boolean/Enum/Array/Object/Record/Any
// constructors below, optionally wrapped in Nullable/Optional/Default.
type Field struct {
	Kind         FieldKind
	Variants     []string
	Elem         *Field
	Properties   map[string]Field
	DefaultValue any
}

func String() Field  { return Field{Kind: KindString} }
func Number() Field  { return Field{Kind: KindNumber} }
func Boolean() Field { return Field{Kind: KindBoolean} }
func Any() Field     { return Field{Kind: KindAny} }

// Enum declares a string field restricted to the given variants (matched
// case-insensitively, folded to the declared spelling).
func Enum(variants ...string) Field {
	return Field{Kind: KindEnum, Variants: variants}
}

func Array(elem Field) Field {
	return Field{Kind: KindArray, Elem: &elem}
}

func Object(properties map[string]Field) Field {
	return Field{Kind: KindObject, Properties: properties}
}

// Record declares an open key-value field: any JSON-shaped value is
// accepted for any key.
func Record() Field {
	return Field{Kind: KindRecord}
}

// Nullable wraps elem so an explicit null value is an accepted update —
// distinct from the field simply being absent.
func Nullable(elem Field) Field {
	return Field{Kind: KindNullable, Elem: &elem}
}

// Optional is a transparent wrapper carrying no null semantics of its own;
// it documents that a field need not appear in every candidate set.
func Optional(elem Field) Field {
	return Field{Kind: KindOptional, Elem: &elem}
}

// Default wraps elem with a value substituted when validation type-checks
// a missing field against schema projection. Transparent otherwise.
func Default(elem Field, value any) Field {
	return Field{Kind: KindDefault, Elem: &elem, DefaultValue: value}
}

// Schema is the full set of fields declared for a subject type, registered
// once with an App via RegisterSchema.
type Schema struct {
	Fields    map[string]Field
	HasExtras bool
}

// Policy controls the merge engine's conflict-resolution behavior for a
// registered schema: source ranking, confidence floor, and recency window.
// Zero-value fields fall back to the engine's built-in defaults.
type Policy struct {
	// SourcePriority ranks origins; higher wins ties. Sources absent from
	// the map default to priority 0. Nil uses the built-in ranking
	// (crm=3, manual=2, observe=1, inferred=0).
	SourcePriority map[string]int
	// MinConfidence is the inclusive floor below which a candidate is
	// rejected. Zero means no floor.
	MinConfidence float64
	// RecencyWindowMs is the duration within which an older same-or-lower
	// priority candidate is not yet considered stale. Zero uses the
	// built-in 24-hour window.
	RecencyWindowMs int64
	// MaxFieldLength bounds string field values after merge, in bytes.
	// Zero uses the built-in 4096-byte bound.
	MaxFieldLength int
}

// DefaultPolicy returns the engine's built-in defaults.
func DefaultPolicy() Policy {
	d := model.DefaultPolicy()
	return Policy{
		SourcePriority:  d.SourcePriority,
		MinConfidence:   d.MinConfidence,
		RecencyWindowMs: d.RecencyWindowMs,
		MaxFieldLength:  d.MaxFieldLength,
	}
}

func toInternalField(f Field) schema.Field {
	out := schema.Field{Kind: schema.Kind(f.Kind), Variants: f.Variants, DefaultValue: f.DefaultValue}
	if f.Elem != nil {
		elem := toInternalField(*f.Elem)
		out.Elem = &elem
	}
	if f.Properties != nil {
		props := make(map[string]schema.Field, len(f.Properties))
		for k, v := range f.Properties {
			props[k] = toInternalField(v)
		}
		out.Properties = props
	}
	return out
}

func toInternalSchema(s Schema) (schema.Schema, error) {
	fields := make(map[string]schema.Field, len(s.Fields))
	for name, f := range s.Fields {
		fields[name] = toInternalField(f)
	}
	return schema.New(fields, s.HasExtras)
}

func toInternalPolicy(p Policy) model.Policy {
	d := model.DefaultPolicy()
	if p.SourcePriority != nil {
		d.SourcePriority = p.SourcePriority
	}
	if p.MinConfidence != 0 {
		d.MinConfidence = p.MinConfidence
	}
	if p.RecencyWindowMs != 0 {
		d.RecencyWindowMs = p.RecencyWindowMs
	}
	if p.MaxFieldLength != 0 {
		d.MaxFieldLength = p.MaxFieldLength
	}
	return d
}
