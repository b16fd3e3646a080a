package factsheet

// RejectionReason is the stable name for why a candidate field update was
// not applied to a profile.
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

// Rejection describes a single candidate field update that the merge engine
// declined to apply, and why.
type Rejection struct {
	Field  string
	Reason RejectionReason
	Detail string
}

// HistoryEntry is one journaled change to a single field on a subject's
// profile.
type HistoryEntry struct {
	Field         string
	Value         any
	PreviousValue any
	Source        string
	TimestampMs   int64
	Confidence    float64
	Inferred      bool
	Action        string
	Reason        string
}

// Profile is a subject's current fact sheet: field name to current value.
type Profile map[string]any

// EventType is the stable name of a published lifecycle event.
type EventType string

const (
	EventUpdate          EventType = "update"
	EventConflict        EventType = "conflict"
	EventObserveComplete EventType = "observe_complete"
)

// ObserveOutcome mirrors the result of a completed observe call, carried on
// an EventObserveComplete event.
type ObserveOutcome struct {
	Profile     Profile
	Updated     []string
	Rejected    []Rejection
	Extracted   map[string]any
	RawResponse string
	LatencyMs   int64
	Queued      bool
	RequestID   string
}

// Event is the payload delivered to a subscribed EventHook. Only the fields
// relevant to Type are populated.
type Event struct {
	Type    EventType
	Subject string

	// EventUpdate
	Updated []string
	Profile Profile

	// EventConflict
	Rejected []Rejection

	// EventObserveComplete
	RequestID string
	Outcome   *ObserveOutcome
	Err       error
}
