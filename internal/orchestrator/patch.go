package orchestrator

import (
	"context"
	"time"
)

// Patch applies a trusted, direct write of facts to subject. Unlike
// Observe, patch candidates bypass the recency rejection (merge rule 3) —
// spec.md §4.1 treats patch as the "human/CRM writes" pipeline whose
// backfills must always land; rules 4-6 still apply.
func (o *Orchestrator) Patch(ctx context.Context, in PatchInput) (PatchResult, error) {
	if in.IdempotencyKey != "" {
		key := idempotencyKey("patch", in.Subject, in.IdempotencyKey)
		if cached, ok := o.idempo.get(key, time.Now()); ok {
			o.idempotencyHits.Add(ctx, 1)
			return cached.(PatchResult), nil
		}
		o.idempotencyMisses.Add(ctx, 1)
	}

	confidence := 1.0
	if in.Confidence != nil {
		confidence = *in.Confidence
	}

	raws := make([]rawCandidate, 0, len(in.Facts))
	for field, value := range in.Facts {
		raws = append(raws, rawCandidate{
			Field:      field,
			Value:      value,
			Confidence: confidence,
			Inferred:   false,
			Source:     in.Source,
		})
	}

	profile, updated, rejected, err := o.runPipeline(ctx, in.Subject, raws, "manual", true)
	if err != nil {
		return PatchResult{}, err
	}

	result := PatchResult{Profile: profile, Updated: updated, Rejected: rejected}

	if in.IdempotencyKey != "" {
		key := idempotencyKey("patch", in.Subject, in.IdempotencyKey)
		o.idempo.put(key, result, time.Now())
	}

	return result, nil
}
