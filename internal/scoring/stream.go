package scoring

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"jobmate/scoring-service/internal/cv"
	"jobmate/scoring-service/internal/logger"
	"jobmate/scoring-service/internal/score"
	"jobmate/scoring-service/internal/scorer"
	"jobmate/scoring-service/internal/store"
)

const defaultJobTimeout = 60 * time.Second

// StreamJob is one posting from a live search. ID is set only when the
// posting is saved; unsaved postings are scored without being persisted.
type StreamJob struct {
	Index       int    `json:"index"`
	ID          string `json:"id,omitempty"`
	Title       string `json:"title"`
	Company     string `json:"company"`
	Description string `json:"description,omitempty"`
}

// ScoreEvent is the outcome of one job.
type ScoreEvent struct {
	Index   int            `json:"index"`
	ID      string         `json:"id,omitempty"`
	Score   *float64       `json:"score,omitempty"`
	Status  score.Status   `json:"status"`
	Error   string         `json:"error,omitempty"`
	Details *score.Details `json:"details,omitempty"`
}

// Emitter delivers stream events to the client in call order. An emit error
// means the client is gone.
type Emitter interface {
	Score(ev ScoreEvent) error
	Done(total int) error
	Fail(message string) error
}

// Stream scores jobs one at a time and emits each result as soon as it is
// known.
type Stream struct {
	deps       Deps
	jobTimeout time.Duration
}

// NewStream returns a Stream. jobTimeout bounds each scoring call; zero
// selects 60s.
func NewStream(d Deps, jobTimeout time.Duration) *Stream {
	if jobTimeout <= 0 {
		jobTimeout = defaultJobTimeout
	}
	return &Stream{deps: d.withDefaults("stream"), jobTimeout: jobTimeout}
}

// Session is a prepared stream. Run must be called exactly once.
type Session struct {
	s         *Stream
	userID    string
	snap      cv.Snapshot
	jobs      []StreamJob
	persisted map[string]bool
	unlock    func()
	log       *zap.Logger
}

// Start checks the preconditions and claims the saved jobs. It returns
// ErrCVEmpty or ErrInProgress before anything is written or emitted.
func (s *Stream) Start(ctx context.Context, userID string, jobs []StreamJob) (*Session, error) {
	if len(jobs) == 0 {
		return nil, &ValidationError{Msg: "jobs array is required"}
	}

	snap, err := s.deps.CV.Build(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("build cv snapshot: %w", err)
	}
	if snap.IsEmpty() {
		return nil, ErrCVEmpty
	}

	sess := &Session{
		s:         s,
		userID:    userID,
		snap:      snap,
		jobs:      jobs,
		persisted: map[string]bool{},
		unlock:    func() {},
		log:       s.deps.Log.With(zap.String(logger.FieldUserID, userID)),
	}

	var ids []string
	for _, j := range jobs {
		if j.ID != "" {
			ids = append(ids, j.ID)
		}
	}
	if len(ids) == 0 {
		return sess, nil
	}

	unlock, err := s.deps.Locker.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	moved, err := s.deps.Store.MarkCalculating(ctx, userID, ids)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("mark calculating: %w", err)
	}
	sess.unlock = unlock
	sess.persisted = toSet(moved)
	s.deps.Events.Publish(ctx, statusEvents(userID, moved, score.StatusCalculating)...)
	return sess, nil
}

// Run scores the jobs in order. It returns nil after the done event, the
// context error when the client went away, or a store error after emitting
// a terminal error event. Saved jobs that were never started are put back
// to pending whenever Run stops early.
func (ss *Session) Run(ctx context.Context, emit Emitter) error {
	defer ss.unlock()
	ss.log.Info("stream scoring started", zap.Int("jobs", len(ss.jobs)), zap.Int("saved", len(ss.persisted)))

	for i, job := range ss.jobs {
		if err := ctx.Err(); err != nil {
			ss.resetUnstarted(ctx, ss.jobs[i:])
			ss.log.Info("stream cancelled", zap.Int("scored", i))
			return err
		}

		ev, err := ss.scoreOne(ctx, job)
		if err != nil {
			ss.resetUnstarted(ctx, ss.jobs[i+1:])
			ss.log.Error("stream aborted", zap.Int("index", job.Index), zap.Error(err))
			_ = emit.Fail(err.Error())
			return err
		}

		if err := emit.Score(ev); err != nil {
			ss.resetUnstarted(ctx, ss.jobs[i+1:])
			return fmt.Errorf("emit score: %w", err)
		}
	}

	ss.log.Info("stream scoring finished", zap.Int("jobs", len(ss.jobs)))
	return emit.Done(len(ss.jobs))
}

// scoreOne scores a single job. Scoring failures become an error event; only
// store failures are returned.
func (ss *Session) scoreOne(ctx context.Context, job StreamJob) (ScoreEvent, error) {
	s := ss.s
	ev := ScoreEvent{Index: job.Index, ID: job.ID}

	// An in-flight call is allowed to finish after the client disconnects.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.jobTimeout)
	details, callErr := s.deps.Scorer.ScoreDetailed(callCtx, ss.snap, score.Job{
		ID:          strconv.Itoa(job.Index),
		Title:       job.Title,
		Company:     job.Company,
		Description: job.Description,
	})
	cancel()

	wctx, wcancel := detached(ctx)
	defer wcancel()
	saved := ss.persisted[job.ID]

	if callErr != nil {
		ev.Status = score.StatusError
		ev.Error = failureMessage(callErr)
		ss.log.Warn("job scoring failed", zap.Int("index", job.Index), zap.String(logger.FieldJobID, job.ID), zap.Error(callErr))
		if saved {
			if _, err := s.deps.Store.MarkError(wctx, ss.userID, []string{job.ID}, ev.Error); err != nil {
				return ev, fmt.Errorf("store error for job %s: %w", job.ID, err)
			}
			s.deps.Events.Publish(wctx, Event{UserID: ss.userID, JobID: job.ID, Status: score.StatusError})
		}
		return ev, nil
	}

	v := score.ClampScore(details.GlobalScore)
	details.GlobalScore = v
	ev.Status = score.StatusCompleted
	ev.Score = &v
	ev.Details = details

	if saved {
		err := s.deps.Store.CompleteWithDetails(wctx, ss.userID, job.ID, v, details)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Deleted or reaped meanwhile; the client still gets the score.
			ss.log.Warn("scored job no longer calculating", zap.String(logger.FieldJobID, job.ID))
		case err != nil:
			return ev, fmt.Errorf("store score for job %s: %w", job.ID, err)
		default:
			s.deps.Events.Publish(wctx, Event{UserID: ss.userID, JobID: job.ID, Status: score.StatusCompleted, Score: &v})
		}
	}
	return ev, nil
}

func (ss *Session) resetUnstarted(ctx context.Context, jobs []StreamJob) {
	var ids []string
	for _, j := range jobs {
		if ss.persisted[j.ID] {
			ids = append(ids, j.ID)
		}
	}
	if len(ids) == 0 {
		return
	}

	wctx, cancel := detached(ctx)
	defer cancel()
	reset, err := ss.s.deps.Store.ResetCalculating(wctx, ss.userID, ids)
	if err != nil {
		ss.log.Error("reset unstarted jobs failed", zap.Strings("job_ids", ids), zap.Error(err))
		return
	}
	ss.s.deps.Events.Publish(wctx, statusEvents(ss.userID, reset, score.StatusPending)...)
}

func failureMessage(err error) string {
	var ue *scorer.UnavailableError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return MsgTimedOut
	case errors.As(err, &ue) && ue.StatusCode != 0:
		return MsgServiceErr
	}
	return MsgUnavailable
}
