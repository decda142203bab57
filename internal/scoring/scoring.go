// Package scoring runs compatibility scoring for a user's saved jobs.
//
// Two orchestrators drive records through the score lifecycle:
//
//	Batch:  every pending job in one scoring call, all-or-nothing.
//	Stream: jobs scored one by one with per-job isolation, results pushed
//	        to the caller as they arrive.
//
// Both run per request. Concurrent runs for the same user are refused with
// ErrInProgress.
package scoring

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"jobmate/scoring-service/internal/cv"
	"jobmate/scoring-service/internal/logger"
	"jobmate/scoring-service/internal/score"
)

// Store error messages written to failed records.
const (
	MsgUnavailable = "scoring service unavailable"
	MsgNoResult    = "no result returned"
	MsgServiceErr  = "scoring service error"
	MsgTimedOut    = "scoring timed out"
)

var (
	// ErrCVEmpty is returned before any record is touched when the user's CV
	// has nothing to score against.
	ErrCVEmpty = errors.New("cv is empty")
	// ErrScoringUnavailable wraps a failed batch call. The whole cohort has
	// been moved to error by the time it is returned.
	ErrScoringUnavailable = errors.New("scoring service unavailable")
	// ErrInProgress is returned when another scoring run holds the user's lock.
	ErrInProgress = errors.New("score calculation already in progress")
)

// ValidationError wraps a user-facing validation message.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

// Store is the persistence the orchestrators need. *store.Store satisfies it.
type Store interface {
	ListPending(ctx context.Context, userID string) ([]score.Job, error)
	MarkCalculating(ctx context.Context, userID string, ids []string) ([]string, error)
	ApplyResults(ctx context.Context, userID string, results []score.Result) ([]string, error)
	MarkError(ctx context.Context, userID string, ids []string, msg string) ([]string, error)
	CompleteWithDetails(ctx context.Context, userID, id string, value float64, details *score.Details) error
	ResetCalculating(ctx context.Context, userID string, ids []string) ([]string, error)
	RequeueErrored(ctx context.Context, userID string) (int64, error)
	CountByStatus(ctx context.Context, userID string) (score.Counts, error)
}

type SnapshotBuilder interface {
	Build(ctx context.Context, userID string) (cv.Snapshot, error)
}

// Scorer is the external scoring service. *scorer.Client satisfies it.
type Scorer interface {
	ScoreBatch(ctx context.Context, snap cv.Snapshot, jobs []score.Job) ([]score.Result, error)
	ScoreDetailed(ctx context.Context, snap cv.Snapshot, job score.Job) (*score.Details, error)
}

// Locker serialises scoring runs per user. Lock returns ErrInProgress when
// the lock is held elsewhere.
type Locker interface {
	Lock(ctx context.Context, userID string) (unlock func(), err error)
}

// Deps bundles the collaborators shared by both orchestrators. Locker and
// Events are optional.
type Deps struct {
	Store  Store
	CV     SnapshotBuilder
	Scorer Scorer
	Locker Locker
	Events Publisher
	Log    *zap.Logger
}

func (d Deps) withDefaults(component string) Deps {
	if d.Locker == nil {
		d.Locker = nopLocker{}
	}
	if d.Events == nil {
		d.Events = NopPublisher{}
	}
	d.Log = logger.Component(d.Log, component)
	return d
}

type nopLocker struct{}

func (nopLocker) Lock(context.Context, string) (func(), error) { return func() {}, nil }

// detached keeps request values but drops cancellation, so that writes made
// after an external call still land when the client has gone away.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
}
