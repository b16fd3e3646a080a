package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lumenic/factsheet/internal/model"
)

// PostgresAdapter is the relational Adapter backend. A subject's profile
// and provenance live in one row of factsheet_profiles, guarded by an
// integer version column; history entries are separate rows in
// factsheet_history, inserted in the same transaction as the profile
// update (invariant I6). Conditional writes use
// "UPDATE ... WHERE version = expected"; zero affected rows signals a
// conflict.
type PostgresAdapter struct {
	db         *DB
	maxRetries int
	baseDelay  time.Duration
}

// NewPostgresAdapter wraps db. maxRetries/baseDelay tune WithRetry's
// handling of serialization_failure/deadlock_detected errors — these are
// transport-level retries distinct from the orchestrator's one CAS retry.
func NewPostgresAdapter(db *DB, maxRetries int, baseDelay time.Duration) *PostgresAdapter {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if baseDelay <= 0 {
		baseDelay = 50 * time.Millisecond
	}
	return &PostgresAdapter{db: db, maxRetries: maxRetries, baseDelay: baseDelay}
}

func (a *PostgresAdapter) Get(ctx context.Context, subject string) (Record, bool, error) {
	var profileRaw, provenanceRaw []byte
	var version int64

	row := a.db.Pool().QueryRow(ctx,
		`SELECT profile, provenance, version FROM factsheet_profiles WHERE subject = $1`, subject)
	if err := row.Scan(&profileRaw, &provenanceRaw, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("storage: get %s: %w", subject, err)
	}

	var profile model.Profile
	if err := json.Unmarshal(profileRaw, &profile); err != nil {
		return Record{}, false, fmt.Errorf("storage: decode profile: %w", err)
	}
	var provenance model.Provenance
	if err := json.Unmarshal(provenanceRaw, &provenance); err != nil {
		return Record{}, false, fmt.Errorf("storage: decode provenance: %w", err)
	}

	return Record{Profile: profile, Provenance: provenance, Etag: strconv.FormatInt(version, 10)}, true, nil
}

func (a *PostgresAdapter) Set(ctx context.Context, subject string, profile model.Profile, provenance model.Provenance, history []model.HistoryEntry, opts SetOptions) (string, error) {
	var newEtag string
	err := WithRetry(ctx, a.maxRetries, a.baseDelay, func() error {
		etag, err := a.setOnce(ctx, subject, profile, provenance, history, opts)
		if err != nil {
			return err
		}
		newEtag = etag
		return nil
	})
	return newEtag, err
}

func (a *PostgresAdapter) setOnce(ctx context.Context, subject string, profile model.Profile, provenance model.Provenance, history []model.HistoryEntry, opts SetOptions) (string, error) {
	profileRaw, err := json.Marshal(profile)
	if err != nil {
		return "", fmt.Errorf("storage: encode profile: %w", err)
	}
	provenanceRaw, err := json.Marshal(provenance)
	if err != nil {
		return "", fmt.Errorf("storage: encode provenance: %w", err)
	}

	tx, err := a.db.Pool().Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op once committed

	var newVersion int64
	if opts.Force {
		newVersion, err = a.upsertForced(ctx, tx, subject, profileRaw, provenanceRaw)
	} else {
		newVersion, err = a.upsertConditional(ctx, tx, subject, profileRaw, provenanceRaw, opts.Etag)
	}
	if err != nil {
		return "", err
	}

	for _, h := range history {
		if _, err := tx.Exec(ctx, `
			INSERT INTO factsheet_history
				(subject, field, value, previous_value, source, timestamp_ms, confidence, inferred, action, reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			subject, h.Field, jsonOrNull(h.Value), jsonOrNull(h.PreviousValue),
			h.Source, h.TimestampMs, h.Confidence, h.Inferred, string(h.Action), nullIfEmpty(h.Reason),
		); err != nil {
			return "", fmt.Errorf("storage: insert history: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("storage: commit: %w", err)
	}
	return strconv.FormatInt(newVersion, 10), nil
}

func (a *PostgresAdapter) upsertForced(ctx context.Context, tx pgx.Tx, subject string, profileRaw, provenanceRaw []byte) (int64, error) {
	var version int64
	err := tx.QueryRow(ctx, `
		INSERT INTO factsheet_profiles (subject, profile, provenance, version, updated_at)
		VALUES ($1, $2, $3, 1, now())
		ON CONFLICT (subject) DO UPDATE SET
			profile = EXCLUDED.profile,
			provenance = EXCLUDED.provenance,
			version = factsheet_profiles.version + 1,
			updated_at = now()
		RETURNING version`,
		subject, profileRaw, provenanceRaw,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("storage: forced upsert: %w", err)
	}
	return version, nil
}

func (a *PostgresAdapter) upsertConditional(ctx context.Context, tx pgx.Tx, subject string, profileRaw, provenanceRaw []byte, etag string) (int64, error) {
	if etag == "" {
		// No prior read observed: this must be a first write for subject.
		var version int64
		err := tx.QueryRow(ctx, `
			INSERT INTO factsheet_profiles (subject, profile, provenance, version, updated_at)
			VALUES ($1, $2, $3, 1, now())
			ON CONFLICT (subject) DO NOTHING
			RETURNING version`,
			subject, profileRaw, provenanceRaw,
		).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			current, currentErr := a.currentVersion(ctx, tx, subject)
			if currentErr != nil {
				return 0, currentErr
			}
			return 0, &ConflictError{Current: strconv.FormatInt(current, 10)}
		}
		if err != nil {
			return 0, fmt.Errorf("storage: conditional insert: %w", err)
		}
		return version, nil
	}

	expected, err := strconv.ParseInt(etag, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("storage: invalid etag %q: %w", etag, err)
	}

	var version int64
	err = tx.QueryRow(ctx, `
		UPDATE factsheet_profiles
		SET profile = $2, provenance = $3, version = version + 1, updated_at = now()
		WHERE subject = $1 AND version = $4
		RETURNING version`,
		subject, profileRaw, provenanceRaw, expected,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		current, currentErr := a.currentVersion(ctx, tx, subject)
		if currentErr != nil {
			return 0, currentErr
		}
		return 0, &ConflictError{Current: strconv.FormatInt(current, 10)}
	}
	if err != nil {
		return 0, fmt.Errorf("storage: conditional update: %w", err)
	}
	return version, nil
}

func (a *PostgresAdapter) currentVersion(ctx context.Context, tx pgx.Tx, subject string) (int64, error) {
	var version int64
	err := tx.QueryRow(ctx, `SELECT version FROM factsheet_profiles WHERE subject = $1`, subject).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil // subject was deleted concurrently
	}
	if err != nil {
		return 0, fmt.Errorf("storage: read current version: %w", err)
	}
	return version, nil
}

func (a *PostgresAdapter) AppendHistory(ctx context.Context, subject string, history []model.HistoryEntry) error {
	return WithRetry(ctx, a.maxRetries, a.baseDelay, func() error {
		tx, err := a.db.Pool().Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin tx: %w", err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		for _, h := range history {
			if _, err := tx.Exec(ctx, `
				INSERT INTO factsheet_history
					(subject, field, value, previous_value, source, timestamp_ms, confidence, inferred, action, reason)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				subject, h.Field, jsonOrNull(h.Value), jsonOrNull(h.PreviousValue),
				h.Source, h.TimestampMs, h.Confidence, h.Inferred, string(h.Action), nullIfEmpty(h.Reason),
			); err != nil {
				return fmt.Errorf("storage: insert history: %w", err)
			}
		}
		return tx.Commit(ctx)
	})
}

func (a *PostgresAdapter) GetHistory(ctx context.Context, subject string, query HistoryQuery) (HistoryPage, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}

	var cursorID int64 = -1
	if query.Cursor != "" {
		v, err := strconv.ParseInt(query.Cursor, 10, 64)
		if err != nil {
			return HistoryPage{}, fmt.Errorf("storage: invalid cursor %q: %w", query.Cursor, err)
		}
		cursorID = v
	}

	var rows pgxRows
	var err error
	switch {
	case query.Field != "" && cursorID >= 0:
		rows, err = a.db.Pool().Query(ctx, `
			SELECT id, field, value, previous_value, source, timestamp_ms, confidence, inferred, action, reason
			FROM factsheet_history WHERE subject = $1 AND field = $2 AND id < $3
			ORDER BY id DESC LIMIT $4`, subject, query.Field, cursorID, limit+1)
	case query.Field != "":
		rows, err = a.db.Pool().Query(ctx, `
			SELECT id, field, value, previous_value, source, timestamp_ms, confidence, inferred, action, reason
			FROM factsheet_history WHERE subject = $1 AND field = $2
			ORDER BY id DESC LIMIT $3`, subject, query.Field, limit+1)
	case cursorID >= 0:
		rows, err = a.db.Pool().Query(ctx, `
			SELECT id, field, value, previous_value, source, timestamp_ms, confidence, inferred, action, reason
			FROM factsheet_history WHERE subject = $1 AND id < $2
			ORDER BY id DESC LIMIT $3`, subject, cursorID, limit+1)
	default:
		rows, err = a.db.Pool().Query(ctx, `
			SELECT id, field, value, previous_value, source, timestamp_ms, confidence, inferred, action, reason
			FROM factsheet_history WHERE subject = $1
			ORDER BY id DESC LIMIT $2`, subject, limit+1)
	}
	if err != nil {
		return HistoryPage{}, fmt.Errorf("storage: query history: %w", err)
	}
	defer rows.Close()

	var page HistoryPage
	for rows.Next() {
		var id int64
		var valueRaw, prevRaw []byte
		var h model.HistoryEntry
		var action, reason *string
		if err := rows.Scan(&id, &h.Field, &valueRaw, &prevRaw, &h.Source, &h.TimestampMs, &h.Confidence, &h.Inferred, &action, &reason); err != nil {
			return HistoryPage{}, fmt.Errorf("storage: scan history row: %w", err)
		}
		if action != nil {
			h.Action = model.Action(*action)
		}
		if reason != nil {
			h.Reason = *reason
		}
		if valueRaw != nil {
			_ = json.Unmarshal(valueRaw, &h.Value)
		}
		if prevRaw != nil {
			_ = json.Unmarshal(prevRaw, &h.PreviousValue)
		}

		if len(page.Entries) >= limit {
			page.NextCursor = strconv.FormatInt(id, 10)
			break
		}
		page.Entries = append(page.Entries, HistoryRecord{Entry: h, Cursor: strconv.FormatInt(id, 10)})
	}
	if err := rows.Err(); err != nil {
		return HistoryPage{}, fmt.Errorf("storage: iterate history: %w", err)
	}
	return page, nil
}

func (a *PostgresAdapter) Delete(ctx context.Context, subject string) error {
	return WithRetry(ctx, a.maxRetries, a.baseDelay, func() error {
		tx, err := a.db.Pool().Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin tx: %w", err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		if _, err := tx.Exec(ctx, `DELETE FROM factsheet_history WHERE subject = $1`, subject); err != nil {
			return fmt.Errorf("storage: delete history: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM factsheet_profiles WHERE subject = $1`, subject); err != nil {
			return fmt.Errorf("storage: delete profile: %w", err)
		}
		return tx.Commit(ctx)
	})
}

func (a *PostgresAdapter) HealthCheck(ctx context.Context) error {
	return a.db.Ping(ctx)
}

func jsonOrNull(v any) []byte {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// pgxRows is the subset of pgx.Rows used by GetHistory, named here only so
// the variable declarations above read clearly with :=-free switch arms.
type pgxRows = pgx.Rows
