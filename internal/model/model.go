// Package model defines the data shapes shared by the merge engine, schema
// gate, extras sanitizer, storage adapters, and orchestrator.
package model

// Profile is the JSON-shaped document for a subject: field name to value.
// Values are JSON-representable: string, float64, bool, nil, []any, or
// map[string]any. Keys are exactly those declared by a schema plus the
// optional "extras" field.
type Profile map[string]any

// Clone returns a shallow copy of the profile. Nested maps/slices are shared,
// which is safe because the merge engine never mutates a value in place —
// it always replaces the whole value for a field.
func (p Profile) Clone() Profile {
	out := make(Profile, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Provenance is a mapping from field name to the metadata record describing
// the last accepted write to that field.
type Provenance map[string]ProvenanceEntry

// Clone returns a shallow copy of the provenance map.
func (p Provenance) Clone() Provenance {
	out := make(Provenance, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ProvenanceEntry records where a field's current value came from.
type ProvenanceEntry struct {
	Value       any     `json:"value"`
	Source      string  `json:"source"`
	TimestampMs int64   `json:"timestamp_ms"`
	Confidence  float64 `json:"confidence"`
	Inferred    bool    `json:"inferred"`
}

// StoredRecord is the triple persisted by a storage adapter.
type StoredRecord struct {
	Profile    Profile    `json:"profile"`
	Provenance Provenance `json:"provenance"`
	// Etag is an opaque, monotonically-increasing per-subject version token.
	// Its concrete form is adapter-private; externally it is always a string.
	Etag string `json:"etag"`
}

// Candidate is a proposed field update, prior to merge-policy evaluation.
type Candidate struct {
	Field string
	// Value is the proposed value. Only meaningful when Defined is true — a
	// Candidate with Defined=false represents an undefined/absent value
	// (merge rule 1), distinct from an explicit null (Defined=true,
	// Value=nil), which is instead subject to the nullability rule (rule 6).
	Value      any
	Defined    bool
	Confidence float64
	Inferred   bool
	// Source and Timestamp are pointers so the merge engine can distinguish
	// "caller did not supply one" (apply the default in spec §3) from an
	// explicit zero value.
	Source    *string
	Timestamp *int64
}

// Action is the kind of change a history entry records.
type Action string

const (
	ActionSet      Action = "set"
	ActionDelete   Action = "delete"
	ActionRejected Action = "rejected"
)

// HistoryEntry is an append-only journal record.
type HistoryEntry struct {
	Field        string  `json:"field"`
	Value        any     `json:"value"`
	PreviousValue any    `json:"previous_value"`
	Source       string  `json:"source"`
	TimestampMs  int64   `json:"timestamp_ms"`
	Confidence   float64 `json:"confidence"`
	Inferred     bool    `json:"inferred"`
	Action       Action  `json:"action"`
	Reason       string  `json:"reason,omitempty"`
}

// RejectionReason is the stable string enumeration of reasons a candidate
// may fail to apply. Part of the public result surface — never change the
// string values without a wire-compatibility review.
type RejectionReason string

const (
	ReasonSchemaInvalid  RejectionReason = "schema_invalid"
	ReasonUnknownField   RejectionReason = "unknown_field"
	ReasonLowConfidence  RejectionReason = "low_confidence"
	ReasonLowerPriority  RejectionReason = "lower_priority"
	ReasonOutsideRecency RejectionReason = "outside_recency"
	ReasonOlderTimestamp RejectionReason = "older_timestamp"
	ReasonNotNullable    RejectionReason = "not_nullable"
	ReasonExtrasInvalid  RejectionReason = "extras_invalid"
)

// Rejection pairs a candidate field with the reason it did not apply.
type Rejection struct {
	Field  string          `json:"field"`
	Reason RejectionReason `json:"reason"`
	Detail string          `json:"detail,omitempty"`
}

// ExtrasPolicy controls sanitization of the free-form "extras" map field.
type ExtrasPolicy struct {
	// KeyPattern is a regexp each top-level (and, recursively, nested) key
	// must match. Defaults to `^[A-Za-z0-9_]+(\.[A-Za-z0-9_]+)*$`.
	KeyPattern string
	// MaxKeyLength is the maximum length of a single key; overlong keys are
	// silently dropped. Defaults to 64.
	MaxKeyLength int
	// MaxStringLength bounds string values before the field-level truncation
	// in Policy.MaxFieldLength also applies; the effective limit is
	// min(MaxStringLength, Policy.MaxFieldLength). Defaults to 512.
	MaxStringLength int
	// MaxArrayLength bounds arrays when AllowArrays is true. Defaults to 20.
	MaxArrayLength int
	// MaxNestingDepth bounds recursion into nested objects. Defaults to 2.
	MaxNestingDepth int
	// ExtrasMaxKeys caps the number of top-level keys retained. Defaults to 32.
	ExtrasMaxKeys int
	AllowArrays         bool
	AllowNestedObjects  bool
}

// DefaultExtrasPolicy returns the spec's default extras policy.
func DefaultExtrasPolicy() ExtrasPolicy {
	return ExtrasPolicy{
		KeyPattern:         `^[A-Za-z0-9_]+(\.[A-Za-z0-9_]+)*$`,
		MaxKeyLength:       64,
		MaxStringLength:    512,
		MaxArrayLength:     20,
		MaxNestingDepth:    2,
		ExtrasMaxKeys:      32,
		AllowArrays:        false,
		AllowNestedObjects: false,
	}
}

// Policy governs conflict resolution during a merge.
type Policy struct {
	// SourcePriority ranks origins; higher wins. Sources absent from the map
	// default to priority 0.
	SourcePriority map[string]int
	// MinConfidence is the inclusive floor below which a candidate is rejected.
	MinConfidence float64
	// RecencyWindowMs is the duration within which an older same-or-lower
	// priority candidate is not yet considered stale (merge rule 3).
	RecencyWindowMs int64
	// MaxFieldLength bounds string field values after merge (invariant I4).
	MaxFieldLength  int
	ExtrasMaxKeys   int
	ExtrasPolicy    ExtrasPolicy
}

// DefaultSourcePriority is spec §3's default ranking: crm=3, manual=2,
// observe=1, inferred=0.
func DefaultSourcePriority() map[string]int {
	return map[string]int{
		"crm":      3,
		"manual":   2,
		"observe":  1,
		"inferred": 0,
	}
}

// defaultRecencyWindowMs is 24 hours: the recency window used in the
// illustrative scenarios that don't set one explicitly. A window of zero
// would make rule 4 (same-priority-older-timestamp) unreachable for any
// candidate whose timestamp doesn't strictly exceed the existing one,
// since rule 3 is checked first and "diff >= window" is trivially true at
// window=0 — so a deliberately generous default keeps rule 3 reserved for
// genuinely stale candidates and lets rule 4 arbitrate small timestamp
// gaps at equal priority.
const defaultRecencyWindowMs = 24 * 60 * 60 * 1000

// DefaultPolicy returns a policy with spec-mandated defaults.
func DefaultPolicy() Policy {
	return Policy{
		SourcePriority:  DefaultSourcePriority(),
		MinConfidence:   0,
		RecencyWindowMs: defaultRecencyWindowMs,
		MaxFieldLength:  4096,
		ExtrasMaxKeys:   32,
		ExtrasPolicy:    DefaultExtrasPolicy(),
	}
}

// Priority returns the effective source priority, defaulting to 0 for
// unranked sources.
func (p Policy) Priority(source string) int {
	if v, ok := p.SourcePriority[source]; ok {
		return v
	}
	return 0
}
