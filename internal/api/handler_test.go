package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"jobmate/scoring-service/internal/cv"
	"jobmate/scoring-service/internal/score"
	"jobmate/scoring-service/internal/scoring"
	"jobmate/scoring-service/internal/store"
)

// fakeStore keeps records in memory. Only the behaviour the handlers rely on
// is modelled; status guards are covered by the scoring tests.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]*score.Record
	order   []string
	err     error
}

func newFakeStore() *fakeStore { return &fakeStore{records: map[string]*score.Record{}} }

func (f *fakeStore) put(userID, id string, st score.Status) {
	f.records[id] = &score.Record{JobID: id, UserID: userID, Title: "job " + id, Status: st}
	f.order = append(f.order, id)
}

func (f *fakeStore) set(userID string, ids []string, from []score.Status, to score.Status, msg *string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, id := range ids {
		r, ok := f.records[id]
		if !ok || r.UserID != userID {
			continue
		}
		for _, s := range from {
			if r.Status == s {
				r.Status = to
				r.Error = msg
				out = append(out, id)
				break
			}
		}
	}
	return out
}

func (f *fakeStore) List(_ context.Context, userID string) ([]score.Record, error) {
	var out []score.Record
	for _, id := range f.order {
		if r := f.records[id]; r.UserID == userID {
			out = append(out, *r)
		}
	}
	return out, f.err
}

func (f *fakeStore) Create(_ context.Context, userID string, job score.Job, known *float64) (*score.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	id := "new-" + job.Title
	f.put(userID, id, score.StatusPending)
	r := f.records[id]
	if known != nil {
		r.Status, r.Score = score.StatusCompleted, known
	}
	return r, nil
}

func (f *fakeStore) Delete(_ context.Context, userID, id string) error {
	r, ok := f.records[id]
	if !ok || r.UserID != userID {
		return store.ErrNotFound
	}
	delete(f.records, id)
	for i, o := range f.order {
		if o == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeStore) ListPending(_ context.Context, userID string) ([]score.Job, error) {
	var out []score.Job
	for _, id := range f.order {
		if r, ok := f.records[id]; ok && r.UserID == userID && r.Status == score.StatusPending {
			out = append(out, score.Job{ID: id, Title: r.Title})
		}
	}
	return out, f.err
}

func (f *fakeStore) MarkCalculating(_ context.Context, userID string, ids []string) ([]string, error) {
	from := append(score.SourcesFor(score.StatusCalculating), score.StatusCalculating)
	return f.set(userID, ids, from, score.StatusCalculating, nil), f.err
}

func (f *fakeStore) ApplyResults(_ context.Context, userID string, results []score.Result) ([]string, error) {
	var out []string
	for _, res := range results {
		moved := f.set(userID, []string{res.JobID}, []score.Status{score.StatusCalculating}, score.StatusCompleted, nil)
		if len(moved) > 0 {
			v := res.Score
			f.records[res.JobID].Score = &v
		}
		out = append(out, moved...)
	}
	return out, nil
}

func (f *fakeStore) MarkError(_ context.Context, userID string, ids []string, msg string) ([]string, error) {
	return f.set(userID, ids, []score.Status{score.StatusCalculating}, score.StatusError, &msg), nil
}

func (f *fakeStore) CompleteWithDetails(_ context.Context, userID, id string, v float64, d *score.Details) error {
	if len(f.set(userID, []string{id}, []score.Status{score.StatusCalculating}, score.StatusCompleted, nil)) == 0 {
		return store.ErrNotFound
	}
	f.records[id].Score, f.records[id].Details = &v, d
	return nil
}

func (f *fakeStore) ResetCalculating(_ context.Context, userID string, ids []string) ([]string, error) {
	return f.set(userID, ids, []score.Status{score.StatusCalculating}, score.StatusPending, nil), nil
}

func (f *fakeStore) RequeueErrored(_ context.Context, userID string) (int64, error) {
	return int64(len(f.set(userID, f.order, []score.Status{score.StatusError}, score.StatusPending, nil))), nil
}

func (f *fakeStore) CountByStatus(_ context.Context, userID string) (score.Counts, error) {
	var c score.Counts
	for _, r := range f.records {
		if r.UserID == userID {
			c.Add(r.Status, 1)
		}
	}
	return c, f.err
}

type fixedCV cv.Snapshot

func (c fixedCV) Build(context.Context, string) (cv.Snapshot, error) { return cv.Snapshot(c), nil }

type stubScorer struct {
	batchErr error
	results  []score.Result
	failIdx  string
}

func (s stubScorer) ScoreBatch(context.Context, cv.Snapshot, []score.Job) ([]score.Result, error) {
	return s.results, s.batchErr
}

func (s stubScorer) ScoreDetailed(_ context.Context, _ cv.Snapshot, job score.Job) (*score.Details, error) {
	if job.ID == s.failIdx {
		return nil, errors.New("connection reset")
	}
	return &score.Details{GlobalScore: 55}, nil
}

type lockedLocker struct{}

func (lockedLocker) Lock(context.Context, string) (func(), error) { return nil, scoring.ErrInProgress }

var fullCV = fixedCV{Profile: &cv.Profile{Title: "Engineer"}}

func newTestServer(st *fakeStore, snap fixedCV, sc stubScorer, locker scoring.Locker) *httptest.Server {
	deps := scoring.Deps{Store: st, CV: snap, Scorer: sc, Locker: locker, Log: zap.NewNop()}
	h := NewHandler(st,
		scoring.NewBatch(deps, false),
		scoring.NewStream(deps, time.Second),
		scoring.NewAggregator(st),
		zap.NewNop(),
	)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return httptest.NewServer(mux)
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("x-user-id", "u1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestMissingUserHeader(t *testing.T) {
	srv := newTestServer(newFakeStore(), fullCV, stubScorer{}, nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/jobs")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestCalculateScores(t *testing.T) {
	st := newFakeStore()
	st.put("u1", "a", score.StatusPending)
	st.put("u1", "b", score.StatusPending)
	srv := newTestServer(st, fullCV, stubScorer{results: []score.Result{{JobID: "a", Score: 72}, {JobID: "b", Score: 45}}}, nil)
	defer srv.Close()

	resp, body := do(t, srv, http.MethodPost, "/jobs/calculate-scores", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}
	if body["success"] != true || body["processed"] != 2.0 || body["message"] != "Calculated scores for 2 jobs." {
		t.Errorf("body = %v", body)
	}

	resp, body = do(t, srv, http.MethodGet, "/jobs/calculate-scores", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	data := body["data"].(map[string]any)
	want := map[string]float64{"pending": 0, "calculating": 0, "completed": 2, "error": 0}
	for k, v := range want {
		if data[k] != v {
			t.Errorf("data[%s] = %v, want %v", k, data[k], v)
		}
	}
}

func TestCalculateScores_ErrorCodes(t *testing.T) {
	tests := []struct {
		name   string
		snap   fixedCV
		scorer stubScorer
		locker scoring.Locker
		code   int
	}{
		{"empty cv", fixedCV{}, stubScorer{}, nil, http.StatusBadRequest},
		{"scorer down", fullCV, stubScorer{batchErr: errors.New("timeout")}, nil, http.StatusServiceUnavailable},
		{"in progress", fullCV, stubScorer{}, lockedLocker{}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newFakeStore()
			st.put("u1", "a", score.StatusPending)
			srv := newTestServer(st, tt.snap, tt.scorer, tt.locker)
			defer srv.Close()

			resp, body := do(t, srv, http.MethodPost, "/jobs/calculate-scores", "")
			if resp.StatusCode != tt.code {
				t.Fatalf("status = %d, want %d (%v)", resp.StatusCode, tt.code, body)
			}
			if body["success"] != false || body["error"] == "" {
				t.Errorf("body = %v", body)
			}
		})
	}
}

func TestCalculateScores_StoreFailure(t *testing.T) {
	st := newFakeStore()
	st.err = errors.New("db down")
	srv := newTestServer(st, fullCV, stubScorer{}, nil)
	defer srv.Close()

	resp, body := do(t, srv, http.MethodPost, "/jobs/calculate-scores", "")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if strings.Contains(body["error"].(string), "db down") {
		t.Errorf("internal error leaked: %v", body)
	}
}

func TestRetryScores(t *testing.T) {
	st := newFakeStore()
	st.put("u1", "a", score.StatusError)
	srv := newTestServer(st, fullCV, stubScorer{results: []score.Result{{JobID: "a", Score: 50}}}, nil)
	defer srv.Close()

	resp, body := do(t, srv, http.MethodPost, "/jobs/calculate-scores/retry", "")
	if resp.StatusCode != http.StatusOK || body["requeued"] != 1.0 || body["processed"] != 1.0 {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}
}

func TestJobsCRUD(t *testing.T) {
	st := newFakeStore()
	srv := newTestServer(st, fullCV, stubScorer{}, nil)
	defer srv.Close()

	resp, body := do(t, srv, http.MethodPost, "/jobs", `{"title":"go","company":"Acme","compatibilityScore":80}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d (%v)", resp.StatusCode, body)
	}
	data := body["data"].(map[string]any)
	if data["scoreStatus"] != "completed" || data["compatibilityScore"] != 80.0 {
		t.Errorf("created = %v", data)
	}

	resp, _ = do(t, srv, http.MethodPost, "/jobs", `{"company":"Acme"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing title status = %d, want 400", resp.StatusCode)
	}

	resp, body = do(t, srv, http.MethodGet, "/jobs", "")
	if resp.StatusCode != http.StatusOK || len(body["data"].([]any)) != 1 {
		t.Fatalf("list = %d %v", resp.StatusCode, body)
	}

	resp, _ = do(t, srv, http.MethodDelete, "/jobs/new-go", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	resp, _ = do(t, srv, http.MethodDelete, "/jobs/new-go", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestUnknownRoute(t *testing.T) {
	srv := newTestServer(newFakeStore(), fullCV, stubScorer{}, nil)
	defer srv.Close()

	resp, _ := do(t, srv, http.MethodGet, "/jobs/a/b", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	resp, _ = do(t, srv, http.MethodPut, "/jobs/score-stream", "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

type sseEvent struct {
	name string
	data map[string]any
}

func readEvents(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	var (
		out []sseEvent
		cur sseEvent
	)
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &cur.data); err != nil {
				t.Fatalf("bad data line %q: %v", line, err)
			}
		case line == "":
			out = append(out, cur)
			cur = sseEvent{}
		}
	}
	return out
}

func TestScoreStream(t *testing.T) {
	st := newFakeStore()
	st.put("u1", "a", score.StatusPending)
	srv := newTestServer(st, fullCV, stubScorer{failIdx: "1"}, nil)
	defer srv.Close()

	body := `{"jobs":[{"index":0,"id":"a","title":"x","company":"y"},{"index":1,"title":"z","company":"w"},{"index":2,"title":"q","company":"r"}]}`
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/jobs/score-stream", strings.NewReader(body))
	req.Header.Set("x-user-id", "u1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	events := readEvents(t, resp)
	if len(events) != 4 {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	for i := 0; i < 3; i++ {
		if events[i].name != "score" || events[i].data["index"] != float64(i) {
			t.Errorf("event %d = %+v", i, events[i])
		}
	}
	if events[0].data["id"] != "a" || events[0].data["status"] != "completed" || events[0].data["details"] == nil {
		t.Errorf("first event = %+v", events[0].data)
	}
	if events[1].data["status"] != "error" || events[1].data["error"] == "" {
		t.Errorf("failed event = %+v", events[1].data)
	}
	if events[3].name != "done" || events[3].data["total"] != 3.0 {
		t.Errorf("last event = %+v", events[3])
	}
	if r := st.records["a"]; r.Status != score.StatusCompleted {
		t.Errorf("saved job status = %s", r.Status)
	}
}

func TestScoreStream_CVEmpty(t *testing.T) {
	srv := newTestServer(newFakeStore(), fixedCV{}, stubScorer{}, nil)
	defer srv.Close()

	resp, body := do(t, srv, http.MethodPost, "/jobs/score-stream", `{"jobs":[{"index":0,"title":"x"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	if body["error"] != "cv_empty" {
		t.Errorf("body = %v", body)
	}
}

func TestScoreStream_BadRequests(t *testing.T) {
	srv := newTestServer(newFakeStore(), fullCV, stubScorer{}, nil)
	defer srv.Close()

	for _, body := range []string{`{"jobs":[]}`, `not json`} {
		resp, _ := do(t, srv, http.MethodPost, "/jobs/score-stream", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, resp.StatusCode)
		}
	}
}
