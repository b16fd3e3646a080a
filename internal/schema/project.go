package schema

// Descriptor is a compact structural description of a schema, suitable for
// embedding in an extractor prompt. It intentionally mirrors JSON shape
// rather than full schema fidelity — the extractor collaborator needs
// "what kind of thing goes here", not the full validation term.
type Descriptor struct {
	Type       string                 `json:"type"`
	Variants   []string               `json:"variants,omitempty"`
	Items      *Descriptor            `json:"items,omitempty"`
	Properties map[string]Descriptor  `json:"properties,omitempty"`
	Nullable   bool                   `json:"nullable,omitempty"`
}

// Project produces a typed-description for every declared field, for use in
// extractor prompt assembly (spec.md §4.2's "Typed-description projection").
func Project(s Schema) map[string]Descriptor {
	out := make(map[string]Descriptor, len(s.Fields)+1)
	for name, f := range s.Fields {
		out[name] = projectField(f)
	}
	if s.HasExtras {
		out["extras"] = Descriptor{Type: "record", Nullable: true}
	}
	return out
}

func projectField(f Field) Descriptor {
	switch f.Kind {
	case KindNullable:
		d := projectField(*f.Elem)
		d.Nullable = true
		return d
	case KindOptional, KindDefault:
		return projectField(*f.Elem)
	case KindString:
		return Descriptor{Type: "string"}
	case KindNumber:
		return Descriptor{Type: "number"}
	case KindBoolean:
		return Descriptor{Type: "boolean"}
	case KindEnum:
		return Descriptor{Type: "enum", Variants: f.Variants}
	case KindArray:
		items := projectField(*f.Elem)
		return Descriptor{Type: "array", Items: &items}
	case KindObject:
		props := make(map[string]Descriptor, len(f.Properties))
		for name, prop := range f.Properties {
			props[name] = projectField(prop)
		}
		return Descriptor{Type: "object", Properties: props}
	case KindRecord:
		return Descriptor{Type: "record"}
	case KindAny:
		return Descriptor{Type: "any", Nullable: true}
	default:
		return Descriptor{Type: "any"}
	}
}
