// Package merge implements the deterministic conflict-resolution engine:
// a pure function from (current profile+provenance, candidate batch,
// policy, now) to (next profile+provenance, updated fields, rejections,
// journal entries). No I/O, no wall-clock reads — "now" and any random or
// time-derived decision are supplied by the caller so the same inputs
// always produce the same outputs.
package merge

import (
	"sort"

	"github.com/lumenic/factsheet/internal/model"
)

// State is the profile+provenance pair the engine reads and writes. Etag is
// not part of this package's concern — it's an adapter/CAS detail the
// orchestrator manages around a Merge call.
type State struct {
	Profile    model.Profile
	Provenance model.Provenance
}

// Clone returns a deep-enough copy of s for use as Merge's mutable working
// state (Profile/Provenance maps are copied; leaf values are shared, which
// is safe since neither map nor leaf is ever mutated in place).
func (s State) Clone() State {
	return State{Profile: s.Profile.Clone(), Provenance: s.Provenance.Clone()}
}

// Options carries the inputs that are not part of State, the batch, or the
// Policy, but are still required for a deterministic result.
type Options struct {
	// Now is the server clock value (milliseconds) used as the default
	// timestamp for candidates that don't supply one.
	Now int64
	// SkipRecencyCheck disables merge rule 3 (the patch pipeline's
	// trusted-backfill override); rules 4-6 still apply.
	SkipRecencyCheck bool
	// DefaultSource is the fallback source for candidates that supply
	// neither an explicit source nor set Inferred — "observe" for the
	// observe pipeline, "manual" for the patch pipeline (spec §3).
	DefaultSource string
	// IsNullable decides, for merge rule 6, whether a field accepts a null
	// value. Delegates to the Schema Gate at the call site.
	IsNullable func(field string) bool
}

// Result is the output of a single Merge call.
type Result struct {
	Profile    model.Profile
	Provenance model.Provenance
	Updated    []string
	Rejected   []model.Rejection
	History    []model.HistoryEntry
}

// resolved is a Candidate with its source/timestamp defaults already
// applied, plus its effective priority, ready for ordering and evaluation.
type resolved struct {
	model.Candidate
	effectiveSource string
	effectiveTS     int64
	priority        int
}

// Merge evaluates batch against current under policy and opts, in a single
// deterministic pass. The batch order itself does not matter — Merge
// always re-sorts before evaluating (spec §4.1's "candidate ordering").
func Merge(current State, batch []model.Candidate, policy model.Policy, opts Options) Result {
	working := current.Clone()
	if working.Profile == nil {
		working.Profile = model.Profile{}
	}
	if working.Provenance == nil {
		working.Provenance = model.Provenance{}
	}

	resolvedBatch := make([]resolved, len(batch))
	for i, c := range batch {
		r := resolved{Candidate: c}
		if c.Source != nil {
			r.effectiveSource = *c.Source
		} else if c.Inferred {
			r.effectiveSource = "inferred"
		} else {
			r.effectiveSource = opts.DefaultSource
		}
		if c.Timestamp != nil {
			r.effectiveTS = *c.Timestamp
		} else {
			r.effectiveTS = opts.Now
		}
		r.priority = policy.Priority(r.effectiveSource)
		resolvedBatch[i] = r
	}

	sort.SliceStable(resolvedBatch, func(i, j int) bool {
		a, b := resolvedBatch[i], resolvedBatch[j]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		if a.effectiveTS != b.effectiveTS {
			return a.effectiveTS > b.effectiveTS
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.Field < b.Field
	})

	result := Result{
		Profile:    working.Profile,
		Provenance: working.Provenance,
	}

	for _, c := range resolvedBatch {
		entry, rejection := evaluate(working, c, policy, opts)
		result.History = append(result.History, entry)
		if rejection != nil {
			result.Rejected = append(result.Rejected, *rejection)
			continue
		}
		result.Updated = append(result.Updated, c.Field)
	}

	return result
}

// evaluate runs the seven-rule decision for a single resolved candidate
// against the current working state, mutating working.Profile/Provenance
// on acceptance. Returns the history entry to append and, on rejection,
// the Rejection record; exactly one of (accept, reject) happens.
func evaluate(working State, c resolved, policy model.Policy, opts Options) (model.HistoryEntry, *model.Rejection) {
	existing, hasExisting := working.Provenance[c.Field]

	reject := func(reason model.RejectionReason, detail string) (model.HistoryEntry, *model.Rejection) {
		entry := model.HistoryEntry{
			Field:       c.Field,
			Value:       c.Value,
			Source:      c.effectiveSource,
			TimestampMs: c.effectiveTS,
			Confidence:  c.Confidence,
			Inferred:    c.Inferred,
			Action:      model.ActionRejected,
			Reason:      string(reason),
		}
		if hasExisting {
			entry.PreviousValue = existing.Value
		}
		return entry, &model.Rejection{Field: c.Field, Reason: reason, Detail: detail}
	}

	// Rule 1: undefined/absent value.
	if !c.Defined {
		return reject(model.ReasonSchemaInvalid, "value is undefined")
	}

	// Rule 2: confidence floor.
	if c.Confidence < policy.MinConfidence {
		return reject(model.ReasonLowConfidence, "confidence below policy minimum")
	}

	if hasExisting {
		existingPriority := policy.Priority(existing.Source)

		// Rule 3: stale lower-equal-priority candidate.
		if !opts.SkipRecencyCheck &&
			c.priority <= existingPriority &&
			c.effectiveTS <= existing.TimestampMs &&
			(existing.TimestampMs-c.effectiveTS) >= policy.RecencyWindowMs {
			return reject(model.ReasonOutsideRecency, "candidate older than recency window")
		}

		// Rule 4: same priority, strictly older timestamp.
		if existingPriority == c.priority && c.effectiveTS < existing.TimestampMs {
			return reject(model.ReasonOlderTimestamp, "same priority, older timestamp")
		}

		// Rule 5: lower priority without recency override.
		if c.priority < existingPriority {
			return reject(model.ReasonLowerPriority, "candidate priority below existing")
		}
	}

	// Rule 6: null into a non-nullable field.
	if c.Value == nil {
		nullable := opts.IsNullable != nil && opts.IsNullable(c.Field)
		if !nullable {
			return reject(model.ReasonNotNullable, "null not acceptable for this field")
		}
	}

	// Rule 7: accept.
	value := c.Value
	if s, ok := value.(string); ok && policy.MaxFieldLength > 0 && len(s) > policy.MaxFieldLength {
		value = s[:policy.MaxFieldLength]
	}

	var previous any
	if hasExisting {
		previous = existing.Value
	}

	working.Profile[c.Field] = value
	working.Provenance[c.Field] = model.ProvenanceEntry{
		Value:       value,
		Source:      c.effectiveSource,
		TimestampMs: c.effectiveTS,
		Confidence:  c.Confidence,
		Inferred:    c.Inferred,
	}

	action := model.ActionSet
	if value == nil {
		// A null write into a nullable field is recorded as "delete", but
		// the key stays present in both maps with an explicit nil value —
		// invariant I1 requires profile and provenance to share the same
		// key set at every observable point, null is a value, not absence.
		action = model.ActionDelete
	}

	entry := model.HistoryEntry{
		Field:         c.Field,
		Value:         value,
		PreviousValue: previous,
		Source:        c.effectiveSource,
		TimestampMs:   c.effectiveTS,
		Confidence:    c.Confidence,
		Inferred:      c.Inferred,
		Action:        action,
	}
	return entry, nil
}
