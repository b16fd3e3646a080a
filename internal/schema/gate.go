package schema

import "fmt"

// ValidationError describes why a candidate value failed the Schema Gate.
// Detail carries structured diagnostic text (e.g. the offending type or
// path) for callers that want to log or surface it; the merge engine only
// needs the stable reason code from the caller's perspective, which is
// always schema_invalid or unknown_field at this layer.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema: field %q: %s", e.Field, e.Detail)
}

// Gate validates and normalizes candidate values against a Schema.
type Gate struct {
	schema Schema
}

// NewGate builds a Gate over a validated Schema.
func NewGate(s Schema) *Gate {
	return &Gate{schema: s}
}

// Validate checks fieldName/value against the declared schema (or, for
// "extras", just confirms the schema declares it — the Extras Sanitizer
// owns the actual extras rules). It returns the normalized value (enum case
// folded to the declared spelling) on success.
//
// Returns (nil, unknownField=true) when fieldName is not declared by the
// schema (and is not the reserved "extras" name when HasExtras is set).
// Returns a non-nil *ValidationError when the value fails type/constraint
// checks for a declared field.
func (g *Gate) Validate(fieldName string, value any) (normalized any, unknownField bool, err *ValidationError) {
	if fieldName == "extras" && g.schema.HasExtras {
		// Extras has its own sanitizer; the gate only confirms the field exists.
		return value, false, nil
	}
	f, ok := g.schema.Field(fieldName)
	if !ok {
		return nil, true, nil
	}
	if value == nil {
		if IsNullable(f) {
			return nil, false, nil
		}
		return nil, false, &ValidationError{Field: fieldName, Detail: "null is not acceptable for this field"}
	}
	folded := FoldEnumCase(f, value)
	if err := checkType(f, folded); err != nil {
		return nil, false, &ValidationError{Field: fieldName, Detail: err.Error()}
	}
	return folded, false, nil
}

// IsFieldNullable reports whether fieldName accepts null. Unknown fields
// report false; callers should check Validate's unknownField result first.
func (g *Gate) IsFieldNullable(fieldName string) bool {
	if fieldName == "extras" && g.schema.HasExtras {
		return true // extras is always nullable; see spec.md §4.3
	}
	f, ok := g.schema.Field(fieldName)
	if !ok {
		return false
	}
	return IsNullable(f)
}

// checkType recurses through wrapper kinds and verifies value's Go-native
// shape matches the declared field kind.
func checkType(f Field, value any) error {
	switch f.Kind {
	case KindNullable, KindOptional, KindDefault:
		if f.Elem == nil {
			return nil
		}
		if value == nil {
			if f.Kind == KindNullable {
				return nil
			}
			return fmt.Errorf("null not acceptable here")
		}
		return checkType(*f.Elem, value)
	case KindString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
	case KindNumber:
		switch value.(type) {
		case float64, float32, int, int32, int64:
			return nil
		default:
			return fmt.Errorf("expected number, got %T", value)
		}
	case KindBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", value)
		}
	case KindEnum:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected string enum, got %T", value)
		}
		for _, v := range f.Variants {
			if v == s {
				return nil
			}
		}
		return fmt.Errorf("value %q is not one of %v", s, f.Variants)
	case KindArray:
		arr, ok := value.([]any)
		if !ok {
			return fmt.Errorf("expected array, got %T", value)
		}
		if f.Elem == nil {
			return nil
		}
		for i, elem := range arr {
			if err := checkType(*f.Elem, elem); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
	case KindObject:
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("expected object, got %T", value)
		}
		for name, prop := range f.Properties {
			v, present := obj[name]
			if !present {
				continue // missing optional-at-the-object-level keys are allowed
			}
			if err := checkType(prop, v); err != nil {
				return fmt.Errorf("property %q: %w", name, err)
			}
		}
	case KindRecord:
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("expected object, got %T", value)
		}
	case KindAny:
		// Anything goes.
	default:
		return fmt.Errorf("unknown field kind")
	}
	return nil
}
