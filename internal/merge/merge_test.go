package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenic/factsheet/internal/model"
)

func strPtr(s string) *string { return &s }
func i64Ptr(v int64) *int64   { return &v }

func emptyState() State {
	return State{Profile: model.Profile{}, Provenance: model.Provenance{}}
}

func allNullable(string) bool { return true }

func TestMerge_PriorityOverride(t *testing.T) {
	batch := []model.Candidate{
		{Field: "role", Value: "engineer", Defined: true, Confidence: 0.5, Source: strPtr("crm"), Timestamp: i64Ptr(1000)},
	}
	result := Merge(emptyState(), batch, model.DefaultPolicy(), Options{Now: 1000, DefaultSource: "manual", IsNullable: allNullable})

	assert.Equal(t, "engineer", result.Profile["role"])
	assert.Equal(t, "crm", result.Provenance["role"].Source)
	assert.Empty(t, result.Rejected)
	assert.Equal(t, []string{"role"}, result.Updated)
}

func TestMerge_EnumCaseFoldIsNotMergeEngineConcern(t *testing.T) {
	// The merge engine trusts its caller to have already run candidates
	// through the Schema Gate — by the time a candidate reaches Merge, its
	// value is already normalized. This test documents that contract: a
	// pre-folded value passes straight through.
	batch := []model.Candidate{
		{Field: "role", Value: "engineer", Defined: true, Confidence: 1, Source: strPtr("manual"), Timestamp: i64Ptr(1000)},
	}
	result := Merge(emptyState(), batch, model.DefaultPolicy(), Options{Now: 1000, DefaultSource: "manual", IsNullable: allNullable})
	assert.Equal(t, "engineer", result.Profile["role"])
}

func TestMerge_RecencyRejection(t *testing.T) {
	const hourMs = int64(3600_000)
	existing := State{
		Profile: model.Profile{"role": "founder"},
		Provenance: model.Provenance{
			"role": {Value: "founder", Source: "manual", TimestampMs: 100 * hourMs, Confidence: 1},
		},
	}
	batch := []model.Candidate{
		{Field: "role", Value: "engineer", Defined: true, Confidence: 0.9, Source: strPtr("observe"), Timestamp: i64Ptr(100*hourMs - 25*hourMs)},
	}
	policy := model.DefaultPolicy()
	policy.RecencyWindowMs = 24 * hourMs

	result := Merge(existing, batch, policy, Options{Now: 100 * hourMs, DefaultSource: "observe", IsNullable: allNullable})

	require.Len(t, result.Rejected, 1)
	assert.Equal(t, model.ReasonOutsideRecency, result.Rejected[0].Reason)
	assert.Equal(t, "founder", result.Profile["role"])
}

func TestMerge_OlderTimestampSamePriority(t *testing.T) {
	const hourMs = int64(3600_000)
	existing := State{
		Profile: model.Profile{"role": "founder"},
		Provenance: model.Provenance{
			"role": {Value: "founder", Source: "manual", TimestampMs: 100 * hourMs, Confidence: 1},
		},
	}
	batch := []model.Candidate{
		{Field: "role", Value: "engineer", Defined: true, Confidence: 1, Source: strPtr("manual"), Timestamp: i64Ptr(99 * hourMs)},
	}
	result := Merge(existing, batch, model.DefaultPolicy(), Options{
		Now: 100 * hourMs, DefaultSource: "manual", SkipRecencyCheck: true, IsNullable: allNullable,
	})

	require.Len(t, result.Rejected, 1)
	assert.Equal(t, model.ReasonOlderTimestamp, result.Rejected[0].Reason)
	assert.Equal(t, "founder", result.Profile["role"])
}

func TestMerge_BatchOrderingWithinSingleField(t *testing.T) {
	batch := []model.Candidate{
		{Field: "role", Value: "A", Defined: true, Confidence: 1, Source: strPtr("observe"), Timestamp: i64Ptr(1000 - 1000)},
		{Field: "role", Value: "B", Defined: true, Confidence: 1, Source: strPtr("observe"), Timestamp: i64Ptr(1000)},
	}
	result := Merge(emptyState(), batch, model.DefaultPolicy(), Options{Now: 1000, DefaultSource: "observe", IsNullable: allNullable})

	assert.Equal(t, "B", result.Profile["role"])
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, model.ReasonOlderTimestamp, result.Rejected[0].Reason)
	assert.Equal(t, []string{"role"}, result.Updated)
}

func TestMerge_ExtrasSanitizationIsUpstreamOfMerge(t *testing.T) {
	// Whole-field extras_invalid rejection happens in the Extras Sanitizer
	// before a candidate ever reaches Merge; Merge only sees whatever the
	// sanitizer let through. This documents that a sanitized, accepted
	// extras value merges like any other field.
	batch := []model.Candidate{
		{Field: "extras", Value: map[string]any{"support.ticket.priority": "p"}, Defined: true, Confidence: 1, Source: strPtr("manual"), Timestamp: i64Ptr(1000)},
	}
	result := Merge(emptyState(), batch, model.DefaultPolicy(), Options{Now: 1000, DefaultSource: "manual", IsNullable: allNullable})
	assert.Equal(t, map[string]any{"support.ticket.priority": "p"}, result.Profile["extras"])
}

func TestMerge_UndefinedValueRejectedSchemaInvalid(t *testing.T) {
	batch := []model.Candidate{
		{Field: "role", Defined: false, Confidence: 1, Source: strPtr("manual"), Timestamp: i64Ptr(1000)},
	}
	result := Merge(emptyState(), batch, model.DefaultPolicy(), Options{Now: 1000, DefaultSource: "manual", IsNullable: allNullable})
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, model.ReasonSchemaInvalid, result.Rejected[0].Reason)
}

func TestMerge_ConfidenceExactlyAtFloorIsAccepted(t *testing.T) {
	policy := model.DefaultPolicy()
	policy.MinConfidence = 0.5
	batch := []model.Candidate{
		{Field: "role", Value: "engineer", Defined: true, Confidence: 0.5, Source: strPtr("manual"), Timestamp: i64Ptr(1000)},
	}
	result := Merge(emptyState(), batch, policy, Options{Now: 1000, DefaultSource: "manual", IsNullable: allNullable})
	assert.Empty(t, result.Rejected)
	assert.Equal(t, "engineer", result.Profile["role"])
}

func TestMerge_ConfidenceBelowFloorRejected(t *testing.T) {
	policy := model.DefaultPolicy()
	policy.MinConfidence = 0.5
	batch := []model.Candidate{
		{Field: "role", Value: "engineer", Defined: true, Confidence: 0.49, Source: strPtr("manual"), Timestamp: i64Ptr(1000)},
	}
	result := Merge(emptyState(), batch, policy, Options{Now: 1000, DefaultSource: "manual", IsNullable: allNullable})
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, model.ReasonLowConfidence, result.Rejected[0].Reason)
}

func TestMerge_RecencyBoundaryExactlyWindowIsRejected(t *testing.T) {
	existing := State{
		Profile: model.Profile{"role": "founder"},
		Provenance: model.Provenance{
			"role": {Value: "founder", Source: "manual", TimestampMs: 10_000, Confidence: 1},
		},
	}
	policy := model.DefaultPolicy()
	policy.RecencyWindowMs = 1000
	batch := []model.Candidate{
		{Field: "role", Value: "engineer", Defined: true, Confidence: 1, Source: strPtr("observe"), Timestamp: i64Ptr(9000)},
	}
	result := Merge(existing, batch, policy, Options{Now: 10_000, DefaultSource: "observe", IsNullable: allNullable})
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, model.ReasonOutsideRecency, result.Rejected[0].Reason)
}

func TestMerge_NullIntoNullableFieldAcceptedAsDelete(t *testing.T) {
	existing := State{
		Profile: model.Profile{"name": "Ada"},
		Provenance: model.Provenance{
			"name": {Value: "Ada", Source: "manual", TimestampMs: 1000, Confidence: 1},
		},
	}
	batch := []model.Candidate{
		{Field: "name", Value: nil, Defined: true, Confidence: 1, Source: strPtr("manual"), Timestamp: i64Ptr(2000)},
	}
	result := Merge(existing, batch, model.DefaultPolicy(), Options{Now: 2000, DefaultSource: "manual", IsNullable: allNullable})
	require.Empty(t, result.Rejected)
	require.Contains(t, result.Profile, "name")
	assert.Nil(t, result.Profile["name"])
	require.Contains(t, result.Provenance, "name")
	require.Len(t, result.History, 1)
	assert.Equal(t, model.ActionDelete, result.History[0].Action)
}

func TestMerge_NullIntoNonNullableFieldRejected(t *testing.T) {
	batch := []model.Candidate{
		{Field: "role", Value: nil, Defined: true, Confidence: 1, Source: strPtr("manual"), Timestamp: i64Ptr(1000)},
	}
	result := Merge(emptyState(), batch, model.DefaultPolicy(), Options{
		Now: 1000, DefaultSource: "manual", IsNullable: func(string) bool { return false },
	})
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, model.ReasonNotNullable, result.Rejected[0].Reason)
}

func TestMerge_EmptyBatchIsNoOp(t *testing.T) {
	existing := State{
		Profile:    model.Profile{"role": "founder"},
		Provenance: model.Provenance{"role": {Value: "founder", Source: "manual", TimestampMs: 1000, Confidence: 1}},
	}
	result := Merge(existing, nil, model.DefaultPolicy(), Options{Now: 1000, DefaultSource: "manual", IsNullable: allNullable})
	assert.Empty(t, result.Updated)
	assert.Empty(t, result.Rejected)
	assert.Equal(t, "founder", result.Profile["role"])
}

func TestMerge_StringValueTruncatedToMaxFieldLength(t *testing.T) {
	policy := model.DefaultPolicy()
	policy.MaxFieldLength = 5
	batch := []model.Candidate{
		{Field: "note", Value: "abcdefghij", Defined: true, Confidence: 1, Source: strPtr("manual"), Timestamp: i64Ptr(1000)},
	}
	result := Merge(emptyState(), batch, policy, Options{Now: 1000, DefaultSource: "manual", IsNullable: allNullable})
	assert.Equal(t, "abcde", result.Profile["note"])
}

func TestMerge_LowerPriorityRejected(t *testing.T) {
	existing := State{
		Profile:    model.Profile{"role": "founder"},
		Provenance: model.Provenance{"role": {Value: "founder", Source: "crm", TimestampMs: 1000, Confidence: 1}},
	}
	batch := []model.Candidate{
		{Field: "role", Value: "engineer", Defined: true, Confidence: 1, Source: strPtr("observe"), Timestamp: i64Ptr(2000)},
	}
	result := Merge(existing, batch, model.DefaultPolicy(), Options{Now: 2000, DefaultSource: "observe", IsNullable: allNullable})
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, model.ReasonLowerPriority, result.Rejected[0].Reason)
	assert.Equal(t, "founder", result.Profile["role"])
}

func TestMerge_DefaultSourceAppliedWhenNotInferredAndNoExplicitSource(t *testing.T) {
	batch := []model.Candidate{
		{Field: "role", Value: "engineer", Defined: true, Confidence: 1, Timestamp: i64Ptr(1000)},
	}
	result := Merge(emptyState(), batch, model.DefaultPolicy(), Options{Now: 1000, DefaultSource: "observe", IsNullable: allNullable})
	assert.Equal(t, "observe", result.Provenance["role"].Source)
}

func TestMerge_InferredCandidateDefaultsToInferredSource(t *testing.T) {
	batch := []model.Candidate{
		{Field: "role", Value: "engineer", Defined: true, Confidence: 1, Inferred: true, Timestamp: i64Ptr(1000)},
	}
	result := Merge(emptyState(), batch, model.DefaultPolicy(), Options{Now: 1000, DefaultSource: "observe", IsNullable: allNullable})
	assert.Equal(t, "inferred", result.Provenance["role"].Source)
}

func TestMerge_MissingTimestampDefaultsToNow(t *testing.T) {
	batch := []model.Candidate{
		{Field: "role", Value: "engineer", Defined: true, Confidence: 1, Source: strPtr("manual")},
	}
	result := Merge(emptyState(), batch, model.DefaultPolicy(), Options{Now: 42, DefaultSource: "manual", IsNullable: allNullable})
	assert.Equal(t, int64(42), result.Provenance["role"].TimestampMs)
}

func TestMerge_ProfileAndProvenanceShareKeySet(t *testing.T) {
	batch := []model.Candidate{
		{Field: "role", Value: "engineer", Defined: true, Confidence: 1, Source: strPtr("manual"), Timestamp: i64Ptr(1000)},
		{Field: "name", Value: nil, Defined: true, Confidence: 1, Source: strPtr("manual"), Timestamp: i64Ptr(1000)},
	}
	result := Merge(emptyState(), batch, model.DefaultPolicy(), Options{Now: 1000, DefaultSource: "manual", IsNullable: allNullable})
	for field := range result.Profile {
		assert.Contains(t, result.Provenance, field)
	}
	for field := range result.Provenance {
		assert.Contains(t, result.Profile, field)
	}
}

func TestMerge_RejectionAppendsHistoryEntryWithReason(t *testing.T) {
	existing := State{
		Profile:    model.Profile{"role": "founder"},
		Provenance: model.Provenance{"role": {Value: "founder", Source: "crm", TimestampMs: 1000, Confidence: 1}},
	}
	batch := []model.Candidate{
		{Field: "role", Value: "engineer", Defined: true, Confidence: 1, Source: strPtr("observe"), Timestamp: i64Ptr(2000)},
	}
	result := Merge(existing, batch, model.DefaultPolicy(), Options{Now: 2000, DefaultSource: "observe", IsNullable: allNullable})
	require.Len(t, result.History, 1)
	assert.Equal(t, model.ActionRejected, result.History[0].Action)
	assert.Equal(t, string(model.ReasonLowerPriority), result.History[0].Reason)
}

func TestMerge_IsDeterministicForSameInputs(t *testing.T) {
	batch := []model.Candidate{
		{Field: "role", Value: "engineer", Defined: true, Confidence: 0.5, Source: strPtr("crm"), Timestamp: i64Ptr(1000)},
		{Field: "name", Value: "Ada", Defined: true, Confidence: 0.9, Source: strPtr("manual"), Timestamp: i64Ptr(1000)},
	}
	policy := model.DefaultPolicy()
	opts := Options{Now: 1000, DefaultSource: "manual", IsNullable: allNullable}

	r1 := Merge(emptyState(), batch, policy, opts)
	r2 := Merge(emptyState(), batch, policy, opts)

	assert.Equal(t, r1.Profile, r2.Profile)
	assert.Equal(t, r1.Provenance, r2.Provenance)
	assert.Equal(t, r1.Updated, r2.Updated)
}
