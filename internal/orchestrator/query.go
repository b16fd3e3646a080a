package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lumenic/factsheet/internal/model"
	"github.com/lumenic/factsheet/internal/storage"
)

// Get returns the current profile for subject, or found=false if it has
// never been written (or has been deleted).
func (o *Orchestrator) Get(ctx context.Context, subject string) (profile model.Profile, found bool, err error) {
	rec, found, err := o.adapter.Get(ctx, subject)
	if err != nil {
		return nil, false, fmt.Errorf("orchestrator: get %q: %w", subject, err)
	}
	if !found {
		return nil, false, nil
	}
	return rec.Profile, true, nil
}

// History returns a page of journal entries for subject.
func (o *Orchestrator) History(ctx context.Context, in HistoryInput) (HistoryResult, error) {
	page, err := o.adapter.GetHistory(ctx, in.Subject, storage.HistoryQuery{
		Field:  in.Field,
		Cursor: in.Cursor,
		Limit:  in.Limit,
	})
	if err != nil {
		return HistoryResult{}, fmt.Errorf("orchestrator: history %q: %w", in.Subject, err)
	}

	entries := make([]model.HistoryEntry, len(page.Entries))
	for i, rec := range page.Entries {
		entries[i] = rec.Entry
	}
	return HistoryResult{Entries: entries, NextCursor: page.NextCursor}, nil
}

// FactsForPrompt returns a compact JSON string of subject's profile, keys
// sorted alphabetically (encoding/json sorts map[string]any keys by
// default), for direct embedding in an LLM prompt. found=false if the
// subject has never been written.
func (o *Orchestrator) FactsForPrompt(ctx context.Context, in FactsForPromptInput) (facts string, found bool, err error) {
	rec, found, err := o.adapter.Get(ctx, in.Subject)
	if err != nil {
		return "", false, fmt.Errorf("orchestrator: facts_for_prompt %q: %w", in.Subject, err)
	}
	if !found {
		return "", false, nil
	}

	selected := selectFields(rec.Profile, in.Select, in.IncludeNulls)
	raw, err := json.Marshal(selected)
	if err != nil {
		return "", false, fmt.Errorf("orchestrator: facts_for_prompt %q: marshal: %w", in.Subject, err)
	}
	return string(raw), true, nil
}

// Filters returns the non-absent fields of subject's profile, narrowed by
// in.Select if non-empty. found=false if the subject has never been
// written.
func (o *Orchestrator) Filters(ctx context.Context, in FiltersInput) (filters map[string]any, found bool, err error) {
	rec, found, err := o.adapter.Get(ctx, in.Subject)
	if err != nil {
		return nil, false, fmt.Errorf("orchestrator: filters %q: %w", in.Subject, err)
	}
	if !found {
		return nil, false, nil
	}
	return selectFields(rec.Profile, in.Select, false), true, nil
}

// selectFields narrows profile to the fields named in select (all fields if
// select is empty), dropping null values unless includeNulls is set.
func selectFields(profile model.Profile, selectFields []string, includeNulls bool) map[string]any {
	out := make(map[string]any, len(profile))
	names := selectFields
	if len(names) == 0 {
		names = make([]string, 0, len(profile))
		for name := range profile {
			names = append(names, name)
		}
	}
	for _, name := range names {
		value, present := profile[name]
		if !present {
			continue
		}
		if value == nil && !includeNulls {
			continue
		}
		out[name] = value
	}
	return out
}
