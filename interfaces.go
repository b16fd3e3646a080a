package factsheet

import (
	"context"
	"net/http"
)

// ExtractorClient turns free-form conversational text into candidate field
// values. Supplied via WithExtractorClient, it replaces the default HTTP
// collaborator. Implementations may call an HTTP endpoint, an in-process
// model, or a stub; the engine only ever sees the returned candidates.
type ExtractorClient interface {
	Extract(ctx context.Context, in ExtractRequest) (ExtractResult, error)
}

// ExtractRequest is the sanitized, size-bounded input passed to an
// ExtractorClient.
type ExtractRequest struct {
	InputText  string
	OutputText string
	// Descriptor names and describes every field the current schema
	// declares, for prompt assembly.
	Descriptor map[string]FieldDescriptor
	// Context carries caller-supplied metadata (e.g. subject, prior
	// profile) that an implementation may use for prompt assembly but
	// which the engine itself never inspects.
	Context map[string]any
}

// FieldDescriptor is a compact, prompt-friendly projection of one schema
// field: its kind, nullability, and enum variants if any.
type FieldDescriptor struct {
	Kind      string
	Nullable  bool
	Variants  []string `json:"variants,omitempty"`
	HasExtras bool     `json:"has_extras,omitempty"`
}

// ExtractCandidate is a single field proposal returned by an
// ExtractorClient, prior to merge policy evaluation.
type ExtractCandidate struct {
	Field      string
	Value      any
	Confidence float64
	Inferred   bool
	Timestamp  *int64
	Source     *string
}

// ExtractResult is what an ExtractorClient returns for one extraction call.
type ExtractResult struct {
	Candidates  []ExtractCandidate
	RawResponse string
	LatencyMs   int64
}

// EventHook receives lifecycle notifications — field updates, merge
// rejections, and completed async observes — as they happen. Multiple hooks
// may be registered via multiple WithEventHook calls; all run synchronously,
// in registration order, on the goroutine that triggered the event. App
// wraps every hook call with a recover, so a panicking hook does not break
// the pipeline, and passes it a context with a short deadline; a hook that
// ignores that context still blocks until it returns.
type EventHook interface {
	OnEvent(ctx context.Context, ev Event)
}

// EventHookFunc adapts a plain function to an EventHook.
type EventHookFunc func(ctx context.Context, ev Event)

// OnEvent implements EventHook.
func (f EventHookFunc) OnEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// Middleware wraps the root HTTP handler. Applied outermost (before the
// built-in auth/logging/CORS chain), so it sees every request including
// /health. Multiple middlewares are applied in registration order
// (first-registered is outermost).
type Middleware func(http.Handler) http.Handler
