package scoring

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"jobmate/scoring-service/internal/cv"
	"jobmate/scoring-service/internal/logger"
	"jobmate/scoring-service/internal/score"
)

// BatchResult summarises one batch run.
type BatchResult struct {
	// Processed is the number of jobs moved to completed.
	Processed int `json:"processed"`
	// Requeued is the number of errored jobs put back to pending by Retry.
	Requeued int64 `json:"requeued,omitempty"`
	// Missing lists submitted jobs the scoring service returned no result for.
	Missing []string `json:"-"`
}

// Message is the user-facing summary.
func (r BatchResult) Message() string {
	if r.Processed == 0 && len(r.Missing) == 0 {
		return "No jobs pending score calculation."
	}
	return fmt.Sprintf("Calculated scores for %d jobs.", r.Processed)
}

// Batch scores every pending job of a user in one call.
type Batch struct {
	deps Deps
	// reconcileMissing moves submitted jobs without a result to error instead
	// of leaving them calculating.
	reconcileMissing bool
}

func NewBatch(d Deps, reconcileMissing bool) *Batch {
	return &Batch{deps: d.withDefaults("batch"), reconcileMissing: reconcileMissing}
}

// Calculate scores the user's pending jobs.
func (b *Batch) Calculate(ctx context.Context, userID string) (BatchResult, error) {
	unlock, err := b.deps.Locker.Lock(ctx, userID)
	if err != nil {
		return BatchResult{}, err
	}
	defer unlock()

	return b.calculate(ctx, userID, nil)
}

// Retry puts the user's errored jobs back to pending and scores them. An empty
// CV is rejected before any job is requeued.
func (b *Batch) Retry(ctx context.Context, userID string) (BatchResult, error) {
	unlock, err := b.deps.Locker.Lock(ctx, userID)
	if err != nil {
		return BatchResult{}, err
	}
	defer unlock()

	snap, err := b.snapshot(ctx, userID)
	if err != nil {
		return BatchResult{}, err
	}

	n, err := b.deps.Store.RequeueErrored(ctx, userID)
	if err != nil {
		return BatchResult{}, fmt.Errorf("requeue errored: %w", err)
	}
	b.deps.Log.Info("requeued errored jobs", zap.String(logger.FieldUserID, userID), zap.Int64("count", n))

	res, err := b.calculate(ctx, userID, &snap)
	res.Requeued = n
	return res, err
}

func (b *Batch) snapshot(ctx context.Context, userID string) (cv.Snapshot, error) {
	snap, err := b.deps.CV.Build(ctx, userID)
	if err != nil {
		return cv.Snapshot{}, fmt.Errorf("build cv snapshot: %w", err)
	}
	if snap.IsEmpty() {
		return cv.Snapshot{}, ErrCVEmpty
	}
	return snap, nil
}

// calculate runs one batch. snap is built after the pending check when nil.
func (b *Batch) calculate(ctx context.Context, userID string, snap *cv.Snapshot) (BatchResult, error) {
	log := b.deps.Log.With(zap.String(logger.FieldUserID, userID))

	pending, err := b.deps.Store.ListPending(ctx, userID)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list pending: %w", err)
	}
	if len(pending) == 0 {
		return BatchResult{}, nil
	}

	if snap == nil {
		built, err := b.snapshot(ctx, userID)
		if err != nil {
			return BatchResult{}, err
		}
		snap = &built
	}

	ids := make([]string, len(pending))
	for i, j := range pending {
		ids[i] = j.ID
	}
	moved, err := b.deps.Store.MarkCalculating(ctx, userID, ids)
	if err != nil {
		return BatchResult{}, fmt.Errorf("mark calculating: %w", err)
	}
	if len(moved) == 0 {
		return BatchResult{}, nil
	}
	cohort := filterJobs(pending, moved)
	b.deps.Events.Publish(ctx, statusEvents(userID, moved, score.StatusCalculating)...)
	log.Info("batch scoring started", zap.Int("jobs", len(cohort)))

	results, callErr := b.deps.Scorer.ScoreBatch(ctx, *snap, cohort)

	wctx, cancel := detached(ctx)
	defer cancel()

	if callErr != nil {
		log.Warn("batch scoring failed", zap.Error(callErr), zap.Int("jobs", len(cohort)))
		failed, err := b.deps.Store.MarkError(wctx, userID, moved, MsgUnavailable)
		if err != nil {
			return BatchResult{}, fmt.Errorf("mark error after %v: %w", callErr, err)
		}
		b.deps.Events.Publish(wctx, statusEvents(userID, failed, score.StatusError)...)
		return BatchResult{}, fmt.Errorf("%w: %w", ErrScoringUnavailable, callErr)
	}

	inCohort := toSet(moved)
	applied := make([]score.Result, 0, len(results))
	for _, r := range results {
		if inCohort[r.JobID] {
			r.Score = score.ClampScore(r.Score)
			applied = append(applied, r)
		}
	}

	done, err := b.deps.Store.ApplyResults(wctx, userID, applied)
	if err != nil {
		return BatchResult{}, fmt.Errorf("apply results: %w", err)
	}
	b.deps.Events.Publish(wctx, completedEvents(userID, applied, toSet(done))...)

	res := BatchResult{Processed: len(done), Missing: missingIDs(moved, applied)}
	if len(res.Missing) > 0 {
		if b.reconcileMissing {
			failed, err := b.deps.Store.MarkError(wctx, userID, res.Missing, MsgNoResult)
			if err != nil {
				return res, fmt.Errorf("reconcile missing: %w", err)
			}
			b.deps.Events.Publish(wctx, statusEvents(userID, failed, score.StatusError)...)
			log.Warn("jobs without result moved to error", zap.Strings("job_ids", failed))
		} else {
			log.Warn("jobs without result left calculating", zap.Strings("job_ids", res.Missing))
		}
	}

	log.Info("batch scoring finished", zap.Int("completed", res.Processed), zap.Int("missing", len(res.Missing)))
	return res, nil
}

func filterJobs(jobs []score.Job, ids []string) []score.Job {
	keep := toSet(ids)
	out := make([]score.Job, 0, len(ids))
	for _, j := range jobs {
		if keep[j.ID] {
			out = append(out, j)
		}
	}
	return out
}

func missingIDs(submitted []string, results []score.Result) []string {
	got := make(map[string]bool, len(results))
	for _, r := range results {
		got[r.JobID] = true
	}
	var out []string
	for _, id := range submitted {
		if !got[id] {
			out = append(out, id)
		}
	}
	return out
}

func toSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
