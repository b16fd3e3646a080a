package orchestrator_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenic/factsheet/internal/extractor"
	"github.com/lumenic/factsheet/internal/model"
	"github.com/lumenic/factsheet/internal/orchestrator"
	"github.com/lumenic/factsheet/internal/schema"
	"github.com/lumenic/factsheet/internal/storage"
)

func testSchema() schema.Schema {
	s, err := schema.New(map[string]schema.Field{
		"role": schema.Enum("founder", "engineer"),
		"name": schema.Nullable(schema.String()),
	}, true)
	if err != nil {
		panic(err)
	}
	return s
}

func newTestOrchestrator(t *testing.T, client extractor.Client) *orchestrator.Orchestrator {
	t.Helper()
	adapter := storage.NewMemoryAdapter(100, 20)
	o := orchestrator.New(adapter, client, orchestrator.Config{}, nil)
	require.NoError(t, o.RegisterSchema(testSchema(), model.DefaultPolicy()))
	return o
}

func strPtr(s string) *string { return &s }

func TestPatch_PriorityOverride(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	ctx := context.Background()

	result, err := o.Patch(ctx, orchestrator.PatchInput{
		Subject:    "alice",
		Facts:      map[string]any{"role": "engineer"},
		Source:     strPtr("crm"),
		Confidence: floatPtr(0.5),
	})
	require.NoError(t, err)
	assert.Equal(t, "engineer", result.Profile["role"])
	assert.Empty(t, result.Rejected)
}

func TestPatch_UnknownFieldIsRejected(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	ctx := context.Background()

	result, err := o.Patch(ctx, orchestrator.PatchInput{
		Subject: "bob",
		Facts:   map[string]any{"not_declared": "x"},
	})
	require.NoError(t, err)
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, model.ReasonUnknownField, result.Rejected[0].Reason)
}

func TestPatch_IdempotentReplayReturnsSameResultAndEtagUnchanged(t *testing.T) {
	adapter := storage.NewMemoryAdapter(100, 20)
	o := orchestrator.New(adapter, nil, orchestrator.Config{}, nil)
	require.NoError(t, o.RegisterSchema(testSchema(), model.DefaultPolicy()))
	ctx := context.Background()

	in := orchestrator.PatchInput{
		Subject:        "carol",
		Facts:          map[string]any{"role": "founder"},
		IdempotencyKey: "req-1",
	}

	first, err := o.Patch(ctx, in)
	require.NoError(t, err)
	before, _, err := adapter.Get(ctx, "carol")
	require.NoError(t, err)

	second, err := o.Patch(ctx, in)
	require.NoError(t, err)
	after, _, err := adapter.Get(ctx, "carol")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, before.Etag, after.Etag)
}

func TestPatch_EmptyBatchIsNoOp(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	ctx := context.Background()

	result, err := o.Patch(ctx, orchestrator.PatchInput{Subject: "dave", Facts: map[string]any{}})
	require.NoError(t, err)
	assert.Empty(t, result.Updated)
	assert.Empty(t, result.Rejected)
}

func TestPatch_NullIntoNullableFieldIsAcceptedAsDelete(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	ctx := context.Background()

	_, err := o.Patch(ctx, orchestrator.PatchInput{Subject: "erin", Facts: map[string]any{"name": "Ada"}})
	require.NoError(t, err)

	result, err := o.Patch(ctx, orchestrator.PatchInput{Subject: "erin", Facts: map[string]any{"name": nil}})
	require.NoError(t, err)
	assert.Contains(t, result.Updated, "name")
	assert.Nil(t, result.Profile["name"])
}

// fakeExtractor is a stub extractor.Client for tests that don't want a live
// HTTP endpoint.
type fakeExtractor struct {
	result extractor.Result
	err    error
}

func (f *fakeExtractor) Extract(ctx context.Context, req extractor.Request) (extractor.Result, error) {
	return f.result, f.err
}

func TestObserve_SyncAppliesExtractedCandidates(t *testing.T) {
	client := &fakeExtractor{result: extractor.Result{
		Candidates: []extractor.Candidate{
			{Field: "role", Value: "engineer", Confidence: 0.9, Inferred: true},
		},
	}}
	o := newTestOrchestrator(t, client)
	ctx := context.Background()

	result, err := o.Observe(ctx, orchestrator.ObserveInput{
		Subject:     "frank",
		InputText:   "I'm an engineer",
		Mode:        orchestrator.ModeSync,
		ExtractFrom: orchestrator.ExtractFromInput,
	})
	require.NoError(t, err)
	assert.Equal(t, "engineer", result.Profile["role"])
	assert.Equal(t, "engineer", result.Extracted["role"])
	assert.NotEmpty(t, result.RequestID)
}

func TestObserve_AsyncReturnsSnapshotBeforeBackgroundMergeCompletes(t *testing.T) {
	client := &fakeExtractor{result: extractor.Result{
		Candidates: []extractor.Candidate{
			// crm (3) outranks the patch's default manual source (2), so Bob wins.
			{Field: "name", Value: "Bob", Confidence: 1, Inferred: true, Source: strPtr("crm")},
		},
	}}
	o := newTestOrchestrator(t, client)
	ctx := context.Background()

	_, err := o.Patch(ctx, orchestrator.PatchInput{Subject: "grace", Facts: map[string]any{"name": "Ada"}})
	require.NoError(t, err)

	done := make(chan orchestrator.Event, 1)
	unsubscribe := o.Subscribe(func(ev orchestrator.Event) {
		if ev.Type == orchestrator.EventObserveComplete {
			done <- ev
		}
	})
	defer unsubscribe()

	result, err := o.Observe(ctx, orchestrator.ObserveInput{
		Subject:     "grace",
		InputText:   "...",
		Mode:        orchestrator.ModeAsync,
		ExtractFrom: orchestrator.ExtractFromInput,
	})
	require.NoError(t, err)
	assert.True(t, result.Queued)
	assert.Equal(t, "Ada", result.Profile["name"])
	assert.Empty(t, result.Extracted)

	ev := <-done
	require.NoError(t, o.Close(ctx))
	assert.Equal(t, result.RequestID, ev.RequestID)
	require.NotNil(t, ev.Result)
	assert.Equal(t, "Bob", ev.Result.Profile["name"])
}

func TestObserve_WithoutExtractorConfiguredReturnsError(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	_, err := o.Observe(context.Background(), orchestrator.ObserveInput{Subject: "henry", Mode: orchestrator.ModeSync})
	require.ErrorIs(t, err, orchestrator.ErrExtractorNotConfigured)
}

func TestGetHistoryFactsForPromptFilters(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	ctx := context.Background()

	_, err := o.Patch(ctx, orchestrator.PatchInput{Subject: "ivan", Facts: map[string]any{"role": "founder"}})
	require.NoError(t, err)

	profile, found, err := o.Get(ctx, "ivan")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "founder", profile["role"])

	hist, err := o.History(ctx, orchestrator.HistoryInput{Subject: "ivan", Limit: 10})
	require.NoError(t, err)
	require.Len(t, hist.Entries, 1)

	facts, found, err := o.FactsForPrompt(ctx, orchestrator.FactsForPromptInput{Subject: "ivan"})
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"role":"founder"}`, facts)

	filters, found, err := o.Filters(ctx, orchestrator.FiltersInput{Subject: "ivan"})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, map[string]any{"role": "founder"}, filters)
}

func TestOperationsWithoutSchemaRegisteredFail(t *testing.T) {
	adapter := storage.NewMemoryAdapter(100, 20)
	o := orchestrator.New(adapter, nil, orchestrator.Config{}, nil)

	_, err := o.Patch(context.Background(), orchestrator.PatchInput{Subject: "x", Facts: map[string]any{"a": 1}})
	require.ErrorIs(t, err, orchestrator.ErrSchemaNotRegistered)
}

func floatPtr(f float64) *float64 { return &f }
