package orchestrator

import "github.com/lumenic/factsheet/internal/model"

// Mode selects whether Observe runs the pipeline inline or dispatches it to
// the background worker pool.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// ExtractFrom selects which of a conversational turn's texts are sent to
// the extractor.
type ExtractFrom string

const (
	ExtractFromInput  ExtractFrom = "input"
	ExtractFromOutput ExtractFrom = "output"
	ExtractFromBoth   ExtractFrom = "both"
)

// OnError controls what Observe does when the extractor returns a
// structured failure: skip it (merge proceeds with zero candidates, a
// no-op write) or throw (the error propagates to the caller instead).
type OnError string

const (
	OnErrorSkip  OnError = "skip"
	OnErrorThrow OnError = "throw"
)

// ObserveInput is the observe operation's request.
type ObserveInput struct {
	Subject        string
	InputText      string
	OutputText     string
	Source         *string
	Confidence     *float64
	IdempotencyKey string
	Mode           Mode
	ExtractFrom    ExtractFrom
	OnError        OnError // defaults to OnErrorSkip
}

// ObserveResult is the observe operation's response. Extracted is always
// present (possibly empty); RawResponse/LatencyMs are populated only when
// an extractor call actually ran.
type ObserveResult struct {
	Profile     model.Profile
	Updated     []string
	Rejected    []model.Rejection
	Extracted   map[string]any
	RawResponse string
	LatencyMs   int64
	Queued      bool
	RequestID   string
}

// PatchInput is the patch operation's request: a direct, trusted write of
// facts (no extraction step).
type PatchInput struct {
	Subject        string
	Facts          map[string]any
	Source         *string
	Confidence     *float64
	IdempotencyKey string
}

// PatchResult is the patch operation's response.
type PatchResult struct {
	Profile  model.Profile
	Updated  []string
	Rejected []model.Rejection
}

// HistoryInput is the history operation's request.
type HistoryInput struct {
	Subject string
	Field   string
	Cursor  string
	Limit   int
}

// HistoryResult is the history operation's response.
type HistoryResult struct {
	Entries    []model.HistoryEntry
	NextCursor string
}

// FactsForPromptInput is the facts_for_prompt operation's request.
type FactsForPromptInput struct {
	Subject      string
	Select       []string
	IncludeNulls bool
}

// FiltersInput is the filters operation's request.
type FiltersInput struct {
	Subject string
	Select  []string
}
