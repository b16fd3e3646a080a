package storage

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/lumenic/factsheet/internal/model"
)

// MemoryAdapter is the in-memory Adapter backend: a process-local map of
// subject to record, with a bounded history tail per subject. Etags are
// decimal version counters; cursors are decimal history-sequence numbers.
// Safe for concurrent use.
type MemoryAdapter struct {
	mu          sync.Mutex
	records     map[string]*memoryRecord
	maxHistory  int
	defaultPage int
}

type memoryRecord struct {
	profile    model.Profile
	provenance model.Provenance
	version    int64
	history    []memoryHistoryEntry
	seq        int64
}

type memoryHistoryEntry struct {
	entry model.HistoryEntry
	seq   int64
}

// NewMemoryAdapter returns an adapter bounding each subject's history to
// maxHistory entries (oldest-first eviction); maxHistory<=0 means
// unbounded. defaultPageSize is used by GetHistory when the caller
// supplies no limit.
func NewMemoryAdapter(maxHistory, defaultPageSize int) *MemoryAdapter {
	if defaultPageSize <= 0 {
		defaultPageSize = 50
	}
	return &MemoryAdapter{
		records:     make(map[string]*memoryRecord),
		maxHistory:  maxHistory,
		defaultPage: defaultPageSize,
	}
}

func (a *MemoryAdapter) Get(_ context.Context, subject string) (Record, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.records[subject]
	if !ok {
		return Record{}, false, nil
	}
	return Record{
		Profile:    rec.profile.Clone(),
		Provenance: rec.provenance.Clone(),
		Etag:       strconv.FormatInt(rec.version, 10),
	}, true, nil
}

func (a *MemoryAdapter) Set(_ context.Context, subject string, profile model.Profile, provenance model.Provenance, history []model.HistoryEntry, opts SetOptions) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, exists := a.records[subject]
	if !opts.Force {
		if exists {
			if opts.Etag != "" && opts.Etag != strconv.FormatInt(rec.version, 10) {
				return "", &ConflictError{Current: strconv.FormatInt(rec.version, 10)}
			}
		} else if opts.Etag != "" {
			// Caller observed a record that no longer exists.
			return "", &ConflictError{Current: ""}
		}
	}

	if !exists {
		rec = &memoryRecord{}
		a.records[subject] = rec
	}
	rec.profile = profile.Clone()
	rec.provenance = provenance.Clone()
	rec.version++

	for _, h := range history {
		rec.seq++
		rec.history = append(rec.history, memoryHistoryEntry{entry: h, seq: rec.seq})
	}
	if a.maxHistory > 0 && len(rec.history) > a.maxHistory {
		rec.history = rec.history[len(rec.history)-a.maxHistory:]
	}

	return strconv.FormatInt(rec.version, 10), nil
}

func (a *MemoryAdapter) AppendHistory(_ context.Context, subject string, history []model.HistoryEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.records[subject]
	if !ok {
		rec = &memoryRecord{profile: model.Profile{}, provenance: model.Provenance{}}
		a.records[subject] = rec
	}
	for _, h := range history {
		rec.seq++
		rec.history = append(rec.history, memoryHistoryEntry{entry: h, seq: rec.seq})
	}
	if a.maxHistory > 0 && len(rec.history) > a.maxHistory {
		rec.history = rec.history[len(rec.history)-a.maxHistory:]
	}
	return nil
}

func (a *MemoryAdapter) GetHistory(_ context.Context, subject string, query HistoryQuery) (HistoryPage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.records[subject]
	if !ok {
		return HistoryPage{}, nil
	}

	limit := query.Limit
	if limit <= 0 {
		limit = a.defaultPage
	}

	var cursorSeq int64 = -1
	if query.Cursor != "" {
		v, err := strconv.ParseInt(query.Cursor, 10, 64)
		if err != nil {
			return HistoryPage{}, ErrNotFound
		}
		cursorSeq = v
	}

	// Newest first; cursor means "resume strictly before this seq".
	filtered := make([]memoryHistoryEntry, 0, len(rec.history))
	for i := len(rec.history) - 1; i >= 0; i-- {
		h := rec.history[i]
		if query.Field != "" && h.entry.Field != query.Field {
			continue
		}
		if cursorSeq >= 0 && h.seq >= cursorSeq {
			continue
		}
		filtered = append(filtered, h)
	}
	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].seq > filtered[j].seq })

	page := HistoryPage{}
	for i, h := range filtered {
		if i >= limit {
			break
		}
		page.Entries = append(page.Entries, HistoryRecord{
			Entry:  h.entry,
			Cursor: strconv.FormatInt(h.seq, 10),
		})
	}
	if len(filtered) > limit {
		page.NextCursor = page.Entries[len(page.Entries)-1].Cursor
	}
	return page, nil
}

func (a *MemoryAdapter) Delete(_ context.Context, subject string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.records, subject)
	return nil
}

func (a *MemoryAdapter) HealthCheck(context.Context) error {
	return nil
}
