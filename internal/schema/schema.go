// Package schema implements the Schema Gate: validation, nullability
// detection, enum case-folding, and typed-description projection over a
// caller-declared field schema.
//
// The schema term is a small closed type (Field) with one variant per shape
// a fact-sheet field can take. Optional/Default/Nullable wrappers are
// transparent to every traversal below — they exist to describe the field,
// not to change how a bare value is checked, and the gate recurses through
// them uniformly whether it is validating, folding enum case, or projecting.
package schema

import (
	"fmt"
	"strings"
)

// Kind is the tag of a Field term.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBoolean
	KindEnum
	KindArray
	KindObject
	KindRecord // open key-value map, any JSON values as leaves
	KindAny
	KindNullable // wraps Elem; null is explicitly acceptable
	KindOptional // wraps Elem; transparent wrapper, no null semantics of its own
	KindDefault  // wraps Elem with a default value; transparent wrapper
)

// Field is a schema term. Only the fields relevant to Kind are populated:
//   - KindEnum: Variants holds the declared (canonical) spellings.
//   - KindArray, KindNullable, KindOptional, KindDefault: Elem is the inner type.
//   - KindObject: Properties maps field name to its Field.
//   - KindDefault: DefaultValue holds the default.
type Field struct {
	Kind         Kind
	Variants     []string
	Elem         *Field
	Properties   map[string]Field
	DefaultValue any
}

func String() Field  { return Field{Kind: KindString} }
func Number() Field  { return Field{Kind: KindNumber} }
func Boolean() Field { return Field{Kind: KindBoolean} }
func Any() Field     { return Field{Kind: KindAny} }

func Enum(variants ...string) Field {
	return Field{Kind: KindEnum, Variants: variants}
}

func Array(elem Field) Field {
	return Field{Kind: KindArray, Elem: &elem}
}

func Object(properties map[string]Field) Field {
	return Field{Kind: KindObject, Properties: properties}
}

func Record() Field {
	return Field{Kind: KindRecord}
}

func Nullable(elem Field) Field {
	return Field{Kind: KindNullable, Elem: &elem}
}

func Optional(elem Field) Field {
	return Field{Kind: KindOptional, Elem: &elem}
}

func Default(elem Field, value any) Field {
	return Field{Kind: KindDefault, Elem: &elem, DefaultValue: value}
}

// Schema is the full set of fields a caller declares for a subject type.
type Schema struct {
	Fields    map[string]Field
	HasExtras bool // true if the schema declares an "extras" open map field
}

// ErrInvalidSchema is returned by New when the declared fields are
// structurally unsound (e.g. an enum with no variants).
type ErrInvalidSchema struct {
	Reason string
}

func (e *ErrInvalidSchema) Error() string {
	return "schema: invalid schema: " + e.Reason
}

// New validates the shape of a caller-declared schema and returns it.
// This is the "validation error during schema registration" surfaced error
// of spec.md §7 — it catches programming errors at registration time, not
// at candidate-validation time.
func New(fields map[string]Field, hasExtras bool) (Schema, error) {
	if fields == nil {
		return Schema{}, &ErrInvalidSchema{Reason: "fields must not be nil"}
	}
	for name, f := range fields {
		if err := validateFieldShape(name, f, 0); err != nil {
			return Schema{}, err
		}
	}
	return Schema{Fields: fields, HasExtras: hasExtras}, nil
}

func validateFieldShape(path string, f Field, depth int) error {
	if depth > 32 {
		return &ErrInvalidSchema{Reason: fmt.Sprintf("%s: schema nesting too deep", path)}
	}
	switch f.Kind {
	case KindEnum:
		if len(f.Variants) == 0 {
			return &ErrInvalidSchema{Reason: fmt.Sprintf("%s: enum has no variants", path)}
		}
	case KindArray:
		if f.Elem == nil {
			return &ErrInvalidSchema{Reason: fmt.Sprintf("%s: array has no element type", path)}
		}
		return validateFieldShape(path+"[]", *f.Elem, depth+1)
	case KindObject:
		if f.Properties == nil {
			return &ErrInvalidSchema{Reason: fmt.Sprintf("%s: object has no properties", path)}
		}
		for name, prop := range f.Properties {
			if err := validateFieldShape(path+"."+name, prop, depth+1); err != nil {
				return err
			}
		}
	case KindNullable, KindOptional, KindDefault:
		if f.Elem == nil {
			return &ErrInvalidSchema{Reason: fmt.Sprintf("%s: wrapper type has no inner type", path)}
		}
		return validateFieldShape(path, *f.Elem, depth+1)
	case KindString, KindNumber, KindBoolean, KindRecord, KindAny:
		// Leaf types, nothing further to check.
	default:
		return &ErrInvalidSchema{Reason: fmt.Sprintf("%s: unknown field kind", path)}
	}
	return nil
}

// Field looks up a declared field by name, reporting whether it exists.
func (s Schema) Field(name string) (Field, bool) {
	f, ok := s.Fields[name]
	return f, ok
}

// IsNullable reports whether null is an acceptable value for f. A field is
// nullable if it is explicitly a Nullable wrapper, an Any (open type), or a
// wrapper (Optional/Default) around a nullable inner type. This mirrors
// spec.md §4.2's nullability rule: "a field is nullable if its declared
// type is explicitly a null-admitting variant, an open/any type, or a
// union ... containing such a variant. Optional and default wrappers are
// transparent — the gate recurses through them."
func IsNullable(f Field) bool {
	switch f.Kind {
	case KindNullable, KindAny:
		return true
	case KindOptional, KindDefault:
		if f.Elem == nil {
			return false
		}
		return IsNullable(*f.Elem)
	default:
		return false
	}
}

// FoldEnumCase recursively normalizes string-enumeration values in value to
// their declared spelling, matching case-insensitively. Recurses into
// optional/default/nullable wrappers, array element types, and object field
// types; unknown object keys pass through unchanged. Values that don't
// match any recognized shape (or don't type-match the declared shape) are
// returned unchanged — type errors are reported by Validate, not here.
func FoldEnumCase(f Field, value any) any {
	switch f.Kind {
	case KindNullable, KindOptional, KindDefault:
		if f.Elem == nil {
			return value
		}
		return FoldEnumCase(*f.Elem, value)
	case KindEnum:
		s, ok := value.(string)
		if !ok {
			return value
		}
		for _, variant := range f.Variants {
			if strings.EqualFold(s, variant) {
				return variant
			}
		}
		return value
	case KindArray:
		arr, ok := value.([]any)
		if !ok || f.Elem == nil {
			return value
		}
		out := make([]any, len(arr))
		for i, elem := range arr {
			out[i] = FoldEnumCase(*f.Elem, elem)
		}
		return out
	case KindObject:
		obj, ok := value.(map[string]any)
		if !ok {
			return value
		}
		out := make(map[string]any, len(obj))
		for k, v := range obj {
			if prop, ok := f.Properties[k]; ok {
				out[k] = FoldEnumCase(prop, v)
			} else {
				out[k] = v // unknown keys preserved unchanged
			}
		}
		return out
	default:
		return value
	}
}
