package scoring_test

import (
	"context"
	"errors"
	"sync"

	"jobmate/scoring-service/internal/cv"
	"jobmate/scoring-service/internal/score"
	"jobmate/scoring-service/internal/scoring"
	"jobmate/scoring-service/internal/store"
)

// memStore is an in-memory scoring.Store with the same guards as the
// PostgreSQL store.
type memStore struct {
	mu      sync.Mutex
	order   []string
	records map[string]*score.Record
	failOn  map[string]error
	calls   []string
}

func newMemStore() *memStore {
	return &memStore{records: map[string]*score.Record{}, failOn: map[string]error{}}
}

func (m *memStore) add(userID, id string, st score.Status) *score.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := &score.Record{JobID: id, UserID: userID, Title: "job " + id, Company: "Acme", Status: st}
	m.records[id] = r
	m.order = append(m.order, id)
	return r
}

func (m *memStore) get(id string) score.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.records[id]
}

func (m *memStore) enter(op string) error {
	m.calls = append(m.calls, op)
	return m.failOn[op]
}

func (m *memStore) owned(userID, id string) (*score.Record, bool) {
	r, ok := m.records[id]
	return r, ok && r.UserID == userID
}

func (m *memStore) ListPending(_ context.Context, userID string) ([]score.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListPending"); err != nil {
		return nil, err
	}
	var out []score.Job
	for _, id := range m.order {
		r := m.records[id]
		if r.UserID == userID && r.Status == score.StatusPending {
			out = append(out, score.Job{ID: id, Title: r.Title, Company: r.Company})
		}
	}
	return out, nil
}

func (m *memStore) move(userID string, ids []string, to score.Status, apply func(*score.Record)) []string {
	var out []string
	for _, id := range ids {
		r, ok := m.owned(userID, id)
		if !ok || !score.IsTransitionAllowed(r.Status, to) {
			continue
		}
		r.Status = to
		if apply != nil {
			apply(r)
		}
		out = append(out, id)
	}
	return out
}

func (m *memStore) MarkCalculating(_ context.Context, userID string, ids []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("MarkCalculating"); err != nil {
		return nil, err
	}
	var out []string
	for _, id := range ids {
		if r, ok := m.owned(userID, id); ok && r.Status == score.StatusCalculating {
			r.Error = nil
			out = append(out, id)
			continue
		}
		out = append(out, m.move(userID, []string{id}, score.StatusCalculating, func(r *score.Record) { r.Error = nil })...)
	}
	return out, nil
}

func (m *memStore) ApplyResults(_ context.Context, userID string, results []score.Result) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ApplyResults"); err != nil {
		return nil, err
	}
	var out []string
	for _, res := range results {
		v := score.ClampScore(res.Score)
		out = append(out, m.move(userID, []string{res.JobID}, score.StatusCompleted, func(r *score.Record) {
			r.Score = &v
			r.Error = nil
		})...)
	}
	return out, nil
}

func (m *memStore) MarkError(_ context.Context, userID string, ids []string, msg string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("MarkError"); err != nil {
		return nil, err
	}
	return m.move(userID, ids, score.StatusError, func(r *score.Record) { r.Error = &msg }), nil
}

func (m *memStore) CompleteWithDetails(_ context.Context, userID, id string, value float64, details *score.Details) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CompleteWithDetails"); err != nil {
		return err
	}
	moved := m.move(userID, []string{id}, score.StatusCompleted, func(r *score.Record) {
		v := value
		r.Score = &v
		r.Details = details
		r.Error = nil
	})
	if len(moved) == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (m *memStore) ResetCalculating(_ context.Context, userID string, ids []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ResetCalculating"); err != nil {
		return nil, err
	}
	var calculating []string
	for _, id := range ids {
		if r, ok := m.owned(userID, id); ok && r.Status == score.StatusCalculating {
			calculating = append(calculating, id)
		}
	}
	return m.move(userID, calculating, score.StatusPending, nil), nil
}

func (m *memStore) RequeueErrored(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("RequeueErrored"); err != nil {
		return 0, err
	}
	var ids []string
	for _, id := range m.order {
		if r := m.records[id]; r.UserID == userID && r.Status == score.StatusError {
			ids = append(ids, id)
		}
	}
	return int64(len(m.move(userID, ids, score.StatusPending, func(r *score.Record) { r.Error = nil }))), nil
}

func (m *memStore) CountByStatus(_ context.Context, userID string) (score.Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c score.Counts
	if err := m.enter("CountByStatus"); err != nil {
		return c, err
	}
	for _, r := range m.records {
		if r.UserID != userID {
			continue
		}
		// A record without a stored status reads back as the zero value.
		c.Add(r.Status, 1)
	}
	return c, nil
}

func (m *memStore) mutated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.calls {
		switch c {
		case "ListPending", "CountByStatus":
		default:
			return true
		}
	}
	return false
}

type staticCV struct {
	snap cv.Snapshot
	err  error
}

func (s staticCV) Build(context.Context, string) (cv.Snapshot, error) { return s.snap, s.err }

var engineerCV = cv.Snapshot{Profile: &cv.Profile{Title: "Engineer"}, Experiences: []cv.Experience{}, Skills: []cv.Skill{}}

// fakeScorer answers batch calls with results and detailed calls from
// detailed, keyed by the job id sent (the stream index).
type fakeScorer struct {
	mu         sync.Mutex
	results    []score.Result
	batchErr   error
	detailed   map[string]float64
	detailErr  map[string]error
	onDetailed func(job score.Job)

	batchCalls    int
	detailedCalls []string
}

func (f *fakeScorer) ScoreBatch(_ context.Context, _ cv.Snapshot, jobs []score.Job) ([]score.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	return f.results, nil
}

func (f *fakeScorer) ScoreDetailed(ctx context.Context, _ cv.Snapshot, job score.Job) (*score.Details, error) {
	f.mu.Lock()
	f.detailedCalls = append(f.detailedCalls, job.ID)
	hook := f.onDetailed
	err := f.detailErr[job.ID]
	v, ok := f.detailed[job.ID]
	f.mu.Unlock()

	if hook != nil {
		hook(job)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &score.Details{GlobalScore: v, MatchedSkills: []string{"go"}}, nil
}

func (f *fakeScorer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batchCalls + len(f.detailedCalls)
}

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	released int
}

func (l *fakeLocker) Lock(_ context.Context, userID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[userID] {
		return nil, scoring.ErrInProgress
	}
	l.held[userID] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, userID)
		l.released++
	}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []scoring.Event
}

func (p *recordingPublisher) Publish(_ context.Context, events ...scoring.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
}

func (p *recordingPublisher) count(st score.Status) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Status == st {
			n++
		}
	}
	return n
}

type recordingEmitter struct {
	scores  []scoring.ScoreEvent
	done    []int
	fails   []string
	failErr error
}

func (e *recordingEmitter) Score(ev scoring.ScoreEvent) error {
	if e.failErr != nil {
		return e.failErr
	}
	e.scores = append(e.scores, ev)
	return nil
}

func (e *recordingEmitter) Done(total int) error {
	e.done = append(e.done, total)
	return nil
}

func (e *recordingEmitter) Fail(msg string) error {
	e.fails = append(e.fails, msg)
	return nil
}

var errTransport = errors.New("dial tcp: connection refused")
