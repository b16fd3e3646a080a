package factsheet

import (
	"context"
	"net/http"
	"time"

	"github.com/lumenic/factsheet/internal/extractor"
	"github.com/lumenic/factsheet/internal/model"
	"github.com/lumenic/factsheet/internal/orchestrator"
)

// eventHookTimeout is the deadline of the context passed to each EventHook
// call. dispatchEvent still waits for the hook to return, so a hook that
// ignores its context holds up the goroutine that triggered the event (the
// caller's own request goroutine for a sync call).
const eventHookTimeout = 2 * time.Second

func toPublicRejections(in []model.Rejection) []Rejection {
	if in == nil {
		return nil
	}
	out := make([]Rejection, len(in))
	for i, r := range in {
		out[i] = Rejection{Field: r.Field, Reason: RejectionReason(r.Reason), Detail: r.Detail}
	}
	return out
}

func toPublicEvent(ev orchestrator.Event) Event {
	out := Event{
		Type:      EventType(ev.Type),
		Subject:   ev.Subject,
		Updated:   ev.Updated,
		Profile:   Profile(ev.Profile),
		Rejected:  toPublicRejections(ev.Rejected),
		RequestID: ev.RequestID,
		Err:       ev.Err,
	}
	if ev.Result != nil {
		out.Outcome = &ObserveOutcome{
			Profile:     Profile(ev.Result.Profile),
			Updated:     ev.Result.Updated,
			Rejected:    toPublicRejections(ev.Result.Rejected),
			Extracted:   ev.Result.Extracted,
			RawResponse: ev.Result.RawResponse,
			LatencyMs:   ev.Result.LatencyMs,
			Queued:      ev.Result.Queued,
			RequestID:   ev.Result.RequestID,
		}
	}
	return out
}

// dispatchEvent runs a single EventHook for ev, recovering from panics and
// passing the hook a context that expires after eventHookTimeout.
func (a *App) dispatchEvent(hook EventHook, ev orchestrator.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), eventHookTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("factsheet: event hook panicked", "panic", r, "event_type", ev.Type)
		}
	}()
	hook.OnEvent(ctx, toPublicEvent(ev))
}

// toHTTPMiddlewares adapts public Middleware values to the plain
// net/http.Handler wrapper signature internal/server expects.
func toHTTPMiddlewares(mws []Middleware) []func(http.Handler) http.Handler {
	if len(mws) == 0 {
		return nil
	}
	out := make([]func(http.Handler) http.Handler, len(mws))
	for i, mw := range mws {
		out[i] = func(next http.Handler) http.Handler { return mw(next) }
	}
	return out
}

// extractorClientAdapter bridges a public ExtractorClient to the internal
// extractor.Client contract the orchestrator depends on.
type extractorClientAdapter struct {
	public ExtractorClient
}

func (a *extractorClientAdapter) Extract(ctx context.Context, req extractor.Request) (extractor.Result, error) {
	descriptor := make(map[string]FieldDescriptor, len(req.Descriptor))
	for name, d := range req.Descriptor {
		descriptor[name] = FieldDescriptor{Kind: d.Type, Nullable: d.Nullable, Variants: d.Variants, HasExtras: d.Type == "record"}
	}

	result, err := a.public.Extract(ctx, ExtractRequest{
		InputText:  req.InputText,
		OutputText: req.OutputText,
		Descriptor: descriptor,
		Context:    req.Context,
	})
	if err != nil {
		return extractor.Result{}, err
	}

	candidates := make([]extractor.Candidate, len(result.Candidates))
	for i, c := range result.Candidates {
		candidates[i] = extractor.Candidate{
			Field:      c.Field,
			Value:      c.Value,
			Confidence: c.Confidence,
			Inferred:   c.Inferred,
			Timestamp:  c.Timestamp,
			Source:     c.Source,
		}
	}
	return extractor.Result{
		Candidates:  candidates,
		RawResponse: result.RawResponse,
		LatencyMs:   result.LatencyMs,
	}, nil
}
