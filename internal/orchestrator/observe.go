package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/lumenic/factsheet/internal/extractor"
	"github.com/lumenic/factsheet/internal/model"
	"github.com/lumenic/factsheet/internal/schema"
)

// Observe extracts field candidates from conversational text and runs them
// through the merge pipeline. In ModeAsync it returns a snapshot of the
// current profile immediately and finishes the pipeline on a background
// worker, firing an observe_complete event on completion.
func (o *Orchestrator) Observe(ctx context.Context, in ObserveInput) (ObserveResult, error) {
	if in.IdempotencyKey != "" {
		key := idempotencyKey("observe", in.Subject, in.IdempotencyKey)
		if cached, ok := o.idempo.get(key, time.Now()); ok {
			o.idempotencyHits.Add(ctx, 1)
			return cached.(ObserveResult), nil
		}
		o.idempotencyMisses.Add(ctx, 1)
	}

	if in.Mode == ModeAsync {
		return o.observeAsync(ctx, in)
	}
	return o.observeSync(ctx, in)
}

func (o *Orchestrator) observeSync(ctx context.Context, in ObserveInput) (ObserveResult, error) {
	requestID := newRequestID()

	extracted, rawResponse, latencyMs, err := o.extract(ctx, in)
	if err != nil {
		return ObserveResult{}, err
	}

	raws := make([]rawCandidate, 0, len(extracted))
	extractedMap := make(map[string]any, len(extracted))
	for _, c := range extracted {
		extractedMap[c.Field] = c.Value
		raws = append(raws, rawCandidate{
			Field:      c.Field,
			Value:      c.Value,
			Confidence: c.Confidence,
			Inferred:   c.Inferred,
			Source:     c.Source,
			Timestamp:  c.Timestamp,
		})
	}

	profile, updated, rejected, err := o.runPipeline(ctx, in.Subject, raws, "observe", false)
	if err != nil {
		return ObserveResult{}, err
	}

	result := ObserveResult{
		Profile:     profile,
		Updated:     updated,
		Rejected:    rejected,
		Extracted:   extractedMap,
		RawResponse: rawResponse,
		LatencyMs:   latencyMs,
		RequestID:   requestID,
	}

	if in.IdempotencyKey != "" {
		o.idempo.put(idempotencyKey("observe", in.Subject, in.IdempotencyKey), result, time.Now())
	}

	return result, nil
}

// observeAsync reads a read-only snapshot of the current profile *before*
// dispatching the background worker — this ordering (spec.md §5's "race
// condition avoided by design") guarantees the caller never sees a profile
// newer than the one the background merge will use as its base.
func (o *Orchestrator) observeAsync(ctx context.Context, in ObserveInput) (ObserveResult, error) {
	requestID := newRequestID()

	rec, found, err := o.adapter.Get(ctx, in.Subject)
	if err != nil {
		return ObserveResult{}, err
	}
	snapshot := model.Profile{}
	if found {
		snapshot = rec.Profile
	}

	immediate := ObserveResult{
		Profile:   snapshot,
		Updated:   []string{},
		Rejected:  nil,
		Extracted: map[string]any{}, // open question (b): async never returns the background extraction's result here
		Queued:    true,
		RequestID: requestID,
	}

	if in.IdempotencyKey != "" {
		o.idempo.put(idempotencyKey("observe", in.Subject, in.IdempotencyKey), immediate, time.Now())
	}

	o.dispatch.Go(func() error {
		o.runAsyncObserve(requestID, in)
		return nil
	})

	return immediate, nil
}

// runAsyncObserve performs the full extract-validate-merge-persist pipeline
// in the background and fires observe_complete on completion. It uses its
// own context rather than the request context, since the caller that
// dispatched it has already returned.
func (o *Orchestrator) runAsyncObserve(requestID string, in ObserveInput) {
	ctx := context.Background()

	extracted, rawResponse, latencyMs, err := o.extract(ctx, in)
	if err != nil {
		o.emit(Event{Type: EventObserveComplete, Subject: in.Subject, RequestID: requestID, Err: err})
		return
	}

	raws := make([]rawCandidate, 0, len(extracted))
	extractedMap := make(map[string]any, len(extracted))
	for _, c := range extracted {
		extractedMap[c.Field] = c.Value
		raws = append(raws, rawCandidate{
			Field:      c.Field,
			Value:      c.Value,
			Confidence: c.Confidence,
			Inferred:   c.Inferred,
			Source:     c.Source,
			Timestamp:  c.Timestamp,
		})
	}

	profile, updated, rejected, err := o.runPipeline(ctx, in.Subject, raws, "observe", false)
	if err != nil {
		o.emit(Event{Type: EventObserveComplete, Subject: in.Subject, RequestID: requestID, Err: err})
		return
	}

	result := ObserveResult{
		Profile:     profile,
		Updated:     updated,
		Rejected:    rejected,
		Extracted:   extractedMap,
		RawResponse: rawResponse,
		LatencyMs:   latencyMs,
		RequestID:   requestID,
	}
	o.emit(Event{Type: EventObserveComplete, Subject: in.Subject, RequestID: requestID, Result: &result})
}

// extract runs the configured extractor.Client against the sanitized
// input/output text selected by in.ExtractFrom, honoring OnError. When set,
// in.Confidence replaces every candidate's confidence and in.Source becomes
// the source of non-inferred candidates that carry none. Returns an empty
// candidate slice (never an error) when the extractor fails and OnError is
// skip (the default).
func (o *Orchestrator) extract(ctx context.Context, in ObserveInput) ([]extractor.Candidate, string, int64, error) {
	if o.extractor == nil {
		return nil, "", 0, ErrExtractorNotConfigured
	}

	req := extractor.Request{Descriptor: schema.Project(o.sch)}
	switch in.ExtractFrom {
	case ExtractFromOutput:
		req.OutputText = extractor.SanitizeText(in.OutputText)
	case ExtractFromBoth:
		req.InputText = extractor.SanitizeText(in.InputText)
		req.OutputText = extractor.SanitizeText(in.OutputText)
	default: // ExtractFromInput, and the zero value
		req.InputText = extractor.SanitizeText(in.InputText)
	}

	result, err := o.extractor.Extract(ctx, req)
	if err == nil {
		candidates := append([]extractor.Candidate(nil), result.Candidates...)
		for i := range candidates {
			if in.Confidence != nil {
				candidates[i].Confidence = *in.Confidence
			}
			if candidates[i].Source == nil && !candidates[i].Inferred && in.Source != nil {
				candidates[i].Source = in.Source
			}
		}
		return candidates, result.RawResponse, result.LatencyMs, nil
	}

	onError := in.OnError
	if onError == "" {
		onError = OnErrorSkip
	}
	if onError == OnErrorThrow {
		return nil, result.RawResponse, result.LatencyMs, err
	}

	var extractErr *extractor.Error
	if errors.As(err, &extractErr) {
		o.logger.Warn("extractor call failed, proceeding with zero candidates",
			"subject", in.Subject, "error_type", extractErr.Type, "retryable", extractErr.Retryable)
	}
	return nil, result.RawResponse, result.LatencyMs, nil
}
