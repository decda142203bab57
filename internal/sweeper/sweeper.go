// Package sweeper runs the periodic maintenance of score records: retention
// cleanup, the stuck-calculation reaper and dependency health checks.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"jobmate/scoring-service/internal/logger"
	"jobmate/scoring-service/internal/score"
	"jobmate/scoring-service/internal/scoring"
)

// MsgStuck is written to jobs the reaper moves to error.
const MsgStuck = "calculation timed out"

type Store interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	ReapStuck(ctx context.Context, cutoff time.Time, msg string) ([]score.Ref, error)
}

// HealthChecker refreshes the served health status.
type HealthChecker interface {
	Check(ctx context.Context)
}

// Config controls what the sweeper does. A zero RetentionDays disables
// cleanup, a zero StuckAfter disables the reaper and a zero HealthEvery
// disables health checks.
type Config struct {
	Schedule      string
	RetentionDays int
	StuckAfter    time.Duration
	HealthEvery   time.Duration
}

// Report is the outcome of one sweep.
type Report struct {
	Deleted int64
	Reaped  int
}

// Sweeper wraps robfig/cron and runs the maintenance jobs.
type Sweeper struct {
	cron   *cron.Cron
	store  Store
	events scoring.Publisher
	health HealthChecker
	cfg    Config
	log    *zap.Logger
	now    func() time.Time
}

// New returns a Sweeper. events and health may be nil.
func New(store Store, events scoring.Publisher, health HealthChecker, cfg Config, log *zap.Logger) *Sweeper {
	if events == nil {
		events = scoring.NopPublisher{}
	}
	log = logger.Component(log, "sweeper")
	return &Sweeper{
		cron:   cron.New(cron.WithLogger(cronLogger{log.Sugar()})),
		store:  store,
		events: events,
		health: health,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
}

// Start registers the jobs and starts the scheduler. One sweep also runs
// immediately so a restart does not wait for the first tick. An empty
// Schedule leaves only the health checks running.
func (s *Sweeper) Start(ctx context.Context) error {
	sweeping := s.cfg.Schedule != ""
	if sweeping {
		_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
			if _, err := s.RunOnce(ctx); err != nil {
				s.log.Error("sweep failed", zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("cron.AddFunc %q: %w", s.cfg.Schedule, err)
		}
	}

	if s.health != nil && s.cfg.HealthEvery > 0 {
		s.cron.Schedule(cron.Every(s.cfg.HealthEvery), cron.FuncJob(func() { s.health.Check(ctx) }))
		s.health.Check(ctx)
	}

	s.cron.Start()
	s.log.Info("cron started", zap.String("spec", s.cfg.Schedule))

	if !sweeping {
		return nil
	}
	go func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Error("initial sweep failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop halts the scheduler and waits for running jobs to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("cron stopped")
}

// RunOnce deletes expired records and reaps stuck calculations.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	now := s.now()

	if s.cfg.RetentionDays > 0 {
		cutoff := now.AddDate(0, 0, -s.cfg.RetentionDays)
		n, err := s.store.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			return rep, fmt.Errorf("cleanup: %w", err)
		}
		rep.Deleted = n
		s.log.Info("old jobs deleted", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	}

	if s.cfg.StuckAfter > 0 {
		refs, err := s.store.ReapStuck(ctx, now.Add(-s.cfg.StuckAfter), MsgStuck)
		if err != nil {
			return rep, fmt.Errorf("reap stuck: %w", err)
		}
		rep.Reaped = len(refs)
		if len(refs) > 0 {
			events := make([]scoring.Event, len(refs))
			for i, r := range refs {
				events[i] = scoring.Event{UserID: r.UserID, JobID: r.JobID, Status: score.StatusError}
			}
			s.events.Publish(ctx, events...)
			s.log.Warn("stuck calculations moved to error", zap.Int("count", len(refs)))
		}
	}

	return rep, nil
}

// cronLogger routes robfig/cron logs to zap.
type cronLogger struct{ s *zap.SugaredLogger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
