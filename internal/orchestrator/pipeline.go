package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/lumenic/factsheet/internal/merge"
	"github.com/lumenic/factsheet/internal/model"
	"github.com/lumenic/factsheet/internal/storage"
)

// maxPersistAttempts is the read-merge-persist loop's attempt budget: one
// normal attempt plus exactly one retry on a CAS conflict (spec.md §4.4,
// "retries at most once").
const maxPersistAttempts = 2

// rawCandidate is a not-yet-validated field proposal, built from either a
// patch request's facts map or an extractor result's candidates, before the
// Schema Gate and Extras Sanitizer have had a chance to reject or
// normalize it.
type rawCandidate struct {
	Field      string
	Value      any
	Confidence float64
	Inferred   bool
	Source     *string
	Timestamp  *int64
}

// validateCandidates runs every raw candidate through the Schema Gate and,
// for the "extras" field, the Extras Sanitizer, splitting them into
// merge-ready candidates and immediate rejections. A rejection at this
// layer never reaches the merge engine — it's recorded in the journal the
// same way a merge-engine rejection would be, so the audit trail is
// complete regardless of which layer rejected a candidate.
func (o *Orchestrator) validateCandidates(raws []rawCandidate, existing model.Provenance, defaultSource string) (merged []model.Candidate, rejected []model.Rejection, history []model.HistoryEntry) {
	for _, r := range raws {
		source := defaultSource
		switch {
		case r.Source != nil:
			source = *r.Source
		case r.Inferred:
			source = "inferred"
		}
		var ts int64
		if r.Timestamp != nil {
			ts = *r.Timestamp
		}

		reject := func(reason model.RejectionReason, detail string) {
			rejected = append(rejected, model.Rejection{Field: r.Field, Reason: reason, Detail: detail})
			entry := model.HistoryEntry{
				Field:       r.Field,
				Value:       r.Value,
				Source:      source,
				TimestampMs: ts,
				Confidence:  r.Confidence,
				Inferred:    r.Inferred,
				Action:      model.ActionRejected,
				Reason:      string(reason),
			}
			if prev, ok := existing[r.Field]; ok {
				entry.PreviousValue = prev.Value
			}
			history = append(history, entry)
		}

		normalized, unknownField, verr := o.gate.Validate(r.Field, r.Value)
		if unknownField {
			reject(model.ReasonUnknownField, "field not declared by schema")
			continue
		}
		if verr != nil {
			reject(model.ReasonSchemaInvalid, verr.Detail)
			continue
		}

		value := normalized
		if r.Field == "extras" {
			sanitized, sanErr := o.sanitizer.Sanitize(value)
			if sanErr != nil {
				reject(model.ReasonExtrasInvalid, sanErr.Reason)
				continue
			}
			value = sanitized
		}

		merged = append(merged, model.Candidate{
			Field:      r.Field,
			Value:      value,
			Defined:    true,
			Confidence: r.Confidence,
			Inferred:   r.Inferred,
			Source:     r.Source,
			Timestamp:  r.Timestamp,
		})
	}
	return merged, rejected, history
}

// runPipeline is the shared READ → VALIDATE → MERGE → PERSIST state
// machine used by Patch, synchronous Observe, and background (async)
// Observe. It retries once on a CAS conflict and emits update/conflict
// events after a successful persist (including a persist that only
// appended rejection history, with no field actually updated).
func (o *Orchestrator) runPipeline(ctx context.Context, subject string, raws []rawCandidate, defaultSource string, skipRecencyCheck bool) (profile model.Profile, updated []string, rejected []model.Rejection, err error) {
	if !o.hasSchema {
		return nil, nil, nil, ErrSchemaNotRegistered
	}

	start := time.Now()
	defer func() {
		o.mergeLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	var lastConflict error
	for attempt := 1; attempt <= maxPersistAttempts; attempt++ {
		rec, found, getErr := o.adapter.Get(ctx, subject)
		if getErr != nil {
			return nil, nil, nil, fmt.Errorf("orchestrator: read %q: %w", subject, getErr)
		}

		state := merge.State{Profile: rec.Profile, Provenance: rec.Provenance}
		if !found {
			state = merge.State{Profile: model.Profile{}, Provenance: model.Provenance{}}
		}

		mergeCandidates, preRejected, preHistory := o.validateCandidates(raws, state.Provenance, defaultSource)

		mergeResult := merge.Merge(state, mergeCandidates, o.cfg.Policy, merge.Options{
			Now:              o.clock(),
			SkipRecencyCheck: skipRecencyCheck,
			DefaultSource:    defaultSource,
			IsNullable:       o.gate.IsFieldNullable,
		})

		allRejected := append(append([]model.Rejection{}, preRejected...), mergeResult.Rejected...)
		allHistory := append(append([]model.HistoryEntry{}, preHistory...), mergeResult.History...)

		if len(mergeResult.Updated) == 0 {
			if len(allHistory) > 0 {
				if appendErr := o.adapter.AppendHistory(ctx, subject, allHistory); appendErr != nil {
					return nil, nil, nil, fmt.Errorf("orchestrator: append history for %q: %w", subject, appendErr)
				}
			}
			o.emitForResult(subject, mergeResult.Profile, nil, allRejected)
			return mergeResult.Profile, nil, allRejected, nil
		}

		var etag string
		if found {
			etag = rec.Etag
		}
		_, setErr := o.adapter.Set(ctx, subject, mergeResult.Profile, mergeResult.Provenance, allHistory, storage.SetOptions{Etag: etag})
		if setErr != nil {
			if storage.IsConflict(setErr) && attempt < maxPersistAttempts {
				o.casRetries.Add(ctx, 1)
				lastConflict = setErr
				continue
			}
			if storage.IsConflict(setErr) {
				return nil, nil, nil, &PersistenceError{Subject: subject, Attempts: attempt, Cause: setErr}
			}
			return nil, nil, nil, fmt.Errorf("orchestrator: persist %q: %w", subject, setErr)
		}

		o.emitForResult(subject, mergeResult.Profile, mergeResult.Updated, allRejected)
		return mergeResult.Profile, mergeResult.Updated, allRejected, nil
	}

	return nil, nil, nil, &PersistenceError{Subject: subject, Attempts: maxPersistAttempts, Cause: lastConflict}
}

func (o *Orchestrator) emitForResult(subject string, profile model.Profile, updated []string, rejected []model.Rejection) {
	if len(updated) > 0 {
		o.emit(Event{Type: EventUpdate, Subject: subject, Updated: updated, Profile: profile})
	}
	if len(rejected) > 0 {
		o.emit(Event{Type: EventConflict, Subject: subject, Rejected: rejected})
	}
}
