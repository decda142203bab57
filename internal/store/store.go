// Package store persists job score records in PostgreSQL.
//
// Every status change is a single guarded UPDATE: the WHERE clause only
// matches rows whose current status may legally move to the target status, so
// a repeated or racing write leaves already-moved rows alone.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobmate/scoring-service/internal/score"
)

// ErrNotFound is returned when a job is missing or does not belong to the user.
var ErrNotFound = errors.New("job not found")

// Store is the PostgreSQL score store.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store and ensures the scraped_jobs table exists.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS scraped_jobs (
	id                  UUID PRIMARY KEY,
	user_id             TEXT NOT NULL,
	title               TEXT NOT NULL,
	company             TEXT NOT NULL DEFAULT '',
	description         TEXT NOT NULL DEFAULT '',
	compatibility_score DOUBLE PRECISION,
	score_status        TEXT NOT NULL DEFAULT 'pending',
	score_calculated_at TIMESTAMPTZ,
	score_error         TEXT,
	score_details       JSONB,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS scraped_jobs_user_status_idx ON scraped_jobs (user_id, score_status);
CREATE INDEX IF NOT EXISTS scraped_jobs_created_at_idx ON scraped_jobs (created_at);
`)
	return err
}

const recordColumns = `id::text, user_id, title, company, description,
	compatibility_score, score_status, score_calculated_at, score_error,
	score_details, created_at, updated_at`

func scanRecord(row pgx.Row) (score.Record, error) {
	var (
		r       score.Record
		status  *string
		details []byte
	)
	if err := row.Scan(
		&r.JobID, &r.UserID, &r.Title, &r.Company, &r.Description,
		&r.Score, &status, &r.CalculatedAt, &r.Error,
		&details, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return r, err
	}
	st, err := score.ParseNullable(status)
	if err != nil {
		return r, err
	}
	r.Status = st
	if len(details) > 0 {
		var d score.Details
		if err := json.Unmarshal(details, &d); err != nil {
			return r, fmt.Errorf("decode score_details: %w", err)
		}
		r.Details = &d
	}
	return r, nil
}

// Create saves a job posting. The record starts pending, or completed when
// the score is already known (the posting was scored during a live search).
func (s *Store) Create(ctx context.Context, userID string, job score.Job, knownScore *float64) (*score.Record, error) {
	id := uuid.New()
	if job.ID != "" {
		parsed, err := uuid.Parse(job.ID)
		if err != nil {
			return nil, fmt.Errorf("create: invalid job id %q: %w", job.ID, err)
		}
		id = parsed
	}

	status := score.StatusPending
	var (
		value        *float64
		calculatedAt *time.Time
	)
	if knownScore != nil {
		v := score.ClampScore(*knownScore)
		now := time.Now().UTC()
		status, value, calculatedAt = score.StatusCompleted, &v, &now
	}

	r, err := scanRecord(s.pool.QueryRow(ctx, `
INSERT INTO scraped_jobs (id, user_id, title, company, description,
	compatibility_score, score_status, score_calculated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING `+recordColumns,
		id, userID, job.Title, job.Company, job.Description,
		value, status.String(), calculatedAt,
	))
	if err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}
	return &r, nil
}

// List returns every record of the user, newest first.
func (s *Store) List(ctx context.Context, userID string) ([]score.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM scraped_jobs WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list query: %w", err)
	}
	defer rows.Close()

	out := make([]score.Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListPending returns the user's jobs awaiting a score. Rows without a
// status count as pending.
func (s *Store) ListPending(ctx context.Context, userID string) ([]score.Job, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id::text, title, company, description
FROM scraped_jobs
WHERE user_id = $1 AND COALESCE(score_status, 'pending') = 'pending'
ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listPending query: %w", err)
	}
	defer rows.Close()

	jobs := make([]score.Job, 0)
	for rows.Next() {
		var j score.Job
		if err := rows.Scan(&j.ID, &j.Title, &j.Company, &j.Description); err != nil {
			return nil, fmt.Errorf("listPending scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// MarkCalculating moves the given jobs to calculating in one statement and
// clears any previous error. Jobs already calculating are claimed as they are.
// It returns the ids that are calculating afterwards; unknown or foreign ids
// are skipped.
func (s *Store) MarkCalculating(ctx context.Context, userID string, ids []string) ([]string, error) {
	ids = validIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	moved, err := s.collectIDs(ctx, `
UPDATE scraped_jobs
SET score_status = 'calculating', score_error = NULL, updated_at = NOW()
WHERE user_id = $1 AND id = ANY($2::text[]::uuid[])
  AND (COALESCE(score_status, 'pending') = ANY($3::text[]) OR score_status = 'calculating')
RETURNING id::text`,
		userID, ids, score.Names(score.SourcesFor(score.StatusCalculating)),
	)
	if err != nil {
		return nil, fmt.Errorf("markCalculating: %w", err)
	}
	return moved, nil
}

// ApplyResults completes every calculating job that has a result, in one
// statement. Scores are clamped to [0,100]. Results for jobs that are no
// longer calculating are ignored, so applying the same results twice is a
// no-op. It returns the ids that were completed.
func (s *Store) ApplyResults(ctx context.Context, userID string, results []score.Result) ([]string, error) {
	ids := make([]string, 0, len(results))
	scores := make([]float64, 0, len(results))
	for _, r := range results {
		if _, err := uuid.Parse(r.JobID); err != nil {
			continue
		}
		ids = append(ids, r.JobID)
		scores = append(scores, score.ClampScore(r.Score))
	}
	if len(ids) == 0 {
		return nil, nil
	}

	done, err := s.collectIDs(ctx, `
UPDATE scraped_jobs j
SET compatibility_score = r.score,
    score_status        = 'completed',
    score_calculated_at = NOW(),
    score_error         = NULL,
    updated_at          = NOW()
FROM unnest($2::text[]::uuid[], $3::float8[]) AS r(id, score)
WHERE j.id = r.id AND j.user_id = $1 AND j.score_status = 'calculating'
RETURNING j.id::text`,
		userID, ids, scores,
	)
	if err != nil {
		return nil, fmt.Errorf("applyResults: %w", err)
	}
	return done, nil
}

// MarkError moves calculating jobs to error with msg. Any previous score is
// kept so the UI can still show it.
func (s *Store) MarkError(ctx context.Context, userID string, ids []string, msg string) ([]string, error) {
	ids = validIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	failed, err := s.collectIDs(ctx, `
UPDATE scraped_jobs
SET score_status = 'error', score_error = $3, updated_at = NOW()
WHERE user_id = $1 AND id = ANY($2::text[]::uuid[]) AND score_status = 'calculating'
RETURNING id::text`,
		userID, ids, msg,
	)
	if err != nil {
		return nil, fmt.Errorf("markError: %w", err)
	}
	return failed, nil
}

// CompleteWithDetails stores a detailed score for one calculating job.
// It returns ErrNotFound when the job is not calculating for this user.
func (s *Store) CompleteWithDetails(ctx context.Context, userID, id string, value float64, details *score.Details) error {
	var raw []byte
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("completeWithDetails encode: %w", err)
		}
		raw = b
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE scraped_jobs
SET compatibility_score = $3,
    score_details       = $4::jsonb,
    score_status        = 'completed',
    score_calculated_at = NOW(),
    score_error         = NULL,
    updated_at          = NOW()
WHERE id = $2 AND user_id = $1 AND score_status = 'calculating'`,
		userID, id, score.ClampScore(value), raw,
	)
	if err != nil {
		return fmt.Errorf("completeWithDetails: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetCalculating returns calculating jobs to pending.
func (s *Store) ResetCalculating(ctx context.Context, userID string, ids []string) ([]string, error) {
	ids = validIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	reset, err := s.collectIDs(ctx, `
UPDATE scraped_jobs
SET score_status = 'pending', updated_at = NOW()
WHERE user_id = $1 AND id = ANY($2::text[]::uuid[]) AND score_status = 'calculating'
RETURNING id::text`,
		userID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("resetCalculating: %w", err)
	}
	return reset, nil
}

// RequeueErrored moves every errored job of the user back to pending, clearing
// the error message, and returns how many moved.
func (s *Store) RequeueErrored(ctx context.Context, userID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE scraped_jobs
SET score_status = 'pending', score_error = NULL, updated_at = NOW()
WHERE user_id = $1 AND score_status = 'error'`,
		userID,
	)
	if err != nil {
		return 0, fmt.Errorf("requeueErrored: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountByStatus returns the number of the user's jobs in each status. Rows
// without a status count as pending; unknown values are ignored.
func (s *Store) CountByStatus(ctx context.Context, userID string) (score.Counts, error) {
	var counts score.Counts
	rows, err := s.pool.Query(ctx, `
SELECT COALESCE(score_status, 'pending'), COUNT(*)
FROM scraped_jobs
WHERE user_id = $1
GROUP BY 1`,
		userID,
	)
	if err != nil {
		return counts, fmt.Errorf("countByStatus query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name string
			n    int
		)
		if err := rows.Scan(&name, &n); err != nil {
			return counts, fmt.Errorf("countByStatus scan: %w", err)
		}
		st, err := score.ParseStatus(name)
		if err != nil {
			continue
		}
		counts.Add(st, n)
	}
	return counts, rows.Err()
}

// Delete removes one job of the user.
func (s *Store) Delete(ctx context.Context, userID, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM scraped_jobs WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOlderThan removes every job created before cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scraped_jobs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleteOlderThan: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReapStuck moves jobs that have been calculating since before cutoff to
// error with msg.
func (s *Store) ReapStuck(ctx context.Context, cutoff time.Time, msg string) ([]score.Ref, error) {
	rows, err := s.pool.Query(ctx, `
UPDATE scraped_jobs
SET score_status = 'error', score_error = $2, updated_at = NOW()
WHERE score_status = 'calculating' AND updated_at < $1
RETURNING user_id, id::text`,
		cutoff, msg,
	)
	if err != nil {
		return nil, fmt.Errorf("reapStuck: %w", err)
	}
	defer rows.Close()

	refs := make([]score.Ref, 0)
	for rows.Next() {
		var r score.Ref
		if err := rows.Scan(&r.UserID, &r.JobID); err != nil {
			return nil, fmt.Errorf("reapStuck scan: %w", err)
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

func (s *Store) collectIDs(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// validIDs drops ids that are not UUIDs; they cannot match a row and would
// fail the uuid[] cast for the whole statement.
func validIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			out = append(out, id)
		}
	}
	return out
}
