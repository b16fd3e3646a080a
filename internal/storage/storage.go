// Package storage defines the uniform storage adapter contract used by the
// orchestrator, and its three concrete backends: in-memory, relational
// (PostgreSQL via pgx), and scripted key-value (Redis via go-redis). All
// three honor the same optimistic-concurrency (etag/CAS) and opaque-cursor
// history semantics; callers never need to know which backend is behind
// the Adapter they hold.
package storage

import (
	"context"

	"github.com/lumenic/factsheet/internal/model"
)

// SetOptions controls a conditional write. Etag, when non-empty, must match
// the stored record's current etag or the write fails with a *ConflictError.
// Force bypasses the etag check entirely (used only for repair tooling,
// never by the orchestrator's normal write path).
type SetOptions struct {
	Etag  string
	Force bool
}

// HistoryQuery filters a GetHistory call. Field, when non-empty, restricts
// to entries for a single field. Cursor is an opaque string returned by a
// prior call's HistoryPage.NextCursor; zero value means "start from the
// most recent entry". Limit caps the page size; zero means the adapter's
// default.
type HistoryQuery struct {
	Field  string
	Cursor string
	Limit  int
}

// HistoryPage is one page of journal entries, newest first within the
// page, with an opaque cursor for the next page (empty when exhausted).
type HistoryPage struct {
	Entries    []HistoryRecord
	NextCursor string
}

// HistoryRecord pairs a journal entry with the opaque cursor that
// identifies its position, so callers can resume a GetHistory scan from
// any entry without interpreting the cursor's internal shape.
type HistoryRecord struct {
	Entry  model.HistoryEntry
	Cursor string
}

// Record is the triple an Adapter hands back from Get: the stored profile,
// its provenance, and the etag observed at read time.
type Record struct {
	Profile    model.Profile
	Provenance model.Provenance
	Etag       string
}

// Adapter is the uniform contract every storage backend implements.
type Adapter interface {
	// Get returns the current record for subject, or found=false if the
	// subject has never been written (or has been deleted).
	Get(ctx context.Context, subject string) (record Record, found bool, err error)

	// Set conditionally writes profile/provenance and appends history
	// atomically with the profile write (invariant I6). When opts.Etag is
	// non-empty and doesn't match the stored etag, Set returns a
	// *ConflictError carrying the currently-stored etag, and makes no change. Set returns
	// the new etag on success.
	Set(ctx context.Context, subject string, profile model.Profile, provenance model.Provenance, history []model.HistoryEntry, opts SetOptions) (etag string, err error)

	// AppendHistory journals entries without touching the profile — used
	// when a request produces only rejections (no accepted field changes)
	// but the journal must still record them.
	AppendHistory(ctx context.Context, subject string, history []model.HistoryEntry) error

	// GetHistory returns a page of journal entries for subject, newest
	// entries first within the page, per HistoryQuery.
	GetHistory(ctx context.Context, subject string, query HistoryQuery) (HistoryPage, error)

	// Delete removes the subject's profile and its full history together.
	Delete(ctx context.Context, subject string) error

	// HealthCheck reports whether the backend is reachable. Adapters that
	// have nothing to check (e.g. in-memory) return nil unconditionally.
	HealthCheck(ctx context.Context) error
}
