// Package api implements the HTTP handlers for the scoring service.
//
// All routes expect an x-user-id header forwarded by the Gateway.
//
// Routes:
//
//	GET    /jobs                          → list saved jobs with their scores
//	POST   /jobs                          → save a job posting
//	DELETE /jobs/{id}                     → delete a saved job
//	POST   /jobs/calculate-scores         → batch-score pending jobs
//	GET    /jobs/calculate-scores         → score status counts
//	POST   /jobs/calculate-scores/retry   → requeue errored jobs and batch-score
//	POST   /jobs/score-stream             → score a live search, streamed as SSE
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"jobmate/scoring-service/internal/logger"
	"jobmate/scoring-service/internal/score"
	"jobmate/scoring-service/internal/scoring"
	"jobmate/scoring-service/internal/store"
)

// JobStore is the saved-job CRUD surface. *store.Store satisfies it.
type JobStore interface {
	List(ctx context.Context, userID string) ([]score.Record, error)
	Create(ctx context.Context, userID string, job score.Job, knownScore *float64) (*score.Record, error)
	Delete(ctx context.Context, userID, id string) error
}

// Handler holds shared dependencies.
type Handler struct {
	jobs   JobStore
	batch  *scoring.Batch
	stream *scoring.Stream
	status *scoring.Aggregator
	log    *zap.Logger
}

// NewHandler returns a configured Handler.
func NewHandler(jobs JobStore, batch *scoring.Batch, stream *scoring.Stream, status *scoring.Aggregator, log *zap.Logger) *Handler {
	return &Handler{
		jobs:   jobs,
		batch:  batch,
		stream: stream,
		status: status,
		log:    logger.Component(log, "api"),
	}
}

// RegisterRoutes mounts all scoring-service routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/jobs", h.handleJobs)
	mux.HandleFunc("/jobs/", h.handleJobAction)
}

// ─── Route dispatch ───────────────────────────────────────────────────────────

// handleJobs handles GET|POST /jobs
func (h *Handler) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listJobs(w, r)
	case http.MethodPost:
		h.createJob(w, r)
	default:
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobAction handles everything under /jobs/.
func (h *Handler) handleJobAction(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/jobs/"), "/")

	switch {
	case path == "calculate-scores" && r.Method == http.MethodPost:
		h.calculateScores(w, r)
	case path == "calculate-scores" && r.Method == http.MethodGet:
		h.scoreStatus(w, r)
	case path == "calculate-scores/retry" && r.Method == http.MethodPost:
		h.retryScores(w, r)
	case path == "score-stream" && r.Method == http.MethodPost:
		h.scoreStream(w, r)
	case path != "" && !strings.Contains(path, "/") && r.Method == http.MethodDelete:
		h.deleteJob(w, r, path)
	case path == "calculate-scores" || path == "calculate-scores/retry" || path == "score-stream":
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	default:
		jsonError(w, fmt.Sprintf("unknown route %q", r.URL.Path), http.StatusNotFound)
	}
}

// ─── Individual handlers ──────────────────────────────────────────────────────

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	records, err := h.jobs.List(r.Context(), userID)
	if err != nil {
		h.writeError(w, "listJobs", err)
		return
	}
	jsonOK(w, map[string]any{"success": true, "data": records})
}

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var body struct {
		Title              string   `json:"title"`
		Company            string   `json:"company"`
		Description        string   `json:"description"`
		CompatibilityScore *float64 `json:"compatibilityScore"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.Title) == "" {
		jsonError(w, "title is required", http.StatusBadRequest)
		return
	}

	rec, err := h.jobs.Create(r.Context(), userID, score.Job{
		Title:       body.Title,
		Company:     body.Company,
		Description: body.Description,
	}, body.CompatibilityScore)
	if err != nil {
		h.writeError(w, "createJob", err)
		return
	}
	jsonStatus(w, http.StatusCreated, map[string]any{"success": true, "data": rec})
}

func (h *Handler) deleteJob(w http.ResponseWriter, r *http.Request, id string) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := h.jobs.Delete(r.Context(), userID, id); err != nil {
		h.writeError(w, "deleteJob", err)
		return
	}
	jsonOK(w, map[string]any{"success": true})
}

func (h *Handler) calculateScores(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	res, err := h.batch.Calculate(r.Context(), userID)
	if err != nil {
		h.writeError(w, "calculateScores", err)
		return
	}
	jsonOK(w, map[string]any{"success": true, "message": res.Message(), "processed": res.Processed})
}

func (h *Handler) retryScores(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	res, err := h.batch.Retry(r.Context(), userID)
	if err != nil {
		h.writeError(w, "retryScores", err)
		return
	}
	jsonOK(w, map[string]any{
		"success":   true,
		"message":   res.Message(),
		"processed": res.Processed,
		"requeued":  res.Requeued,
	})
}

func (h *Handler) scoreStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	counts, err := h.status.Status(r.Context(), userID)
	if err != nil {
		h.writeError(w, "scoreStatus", err)
		return
	}
	jsonOK(w, map[string]any{"success": true, "data": counts})
}

func (h *Handler) scoreStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var body struct {
		Jobs []scoring.StreamJob `json:"jobs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sess, err := h.stream.Start(r.Context(), userID, body.Jobs)
	if errors.Is(err, scoring.ErrCVEmpty) {
		// Not an HTTP error: clients check the content type before reading
		// the stream.
		jsonOK(w, map[string]string{"error": "cv_empty", "message": "CV is empty"})
		return
	}
	if err != nil {
		h.writeError(w, "scoreStream", err)
		return
	}

	sse.open()
	if err := sess.Run(r.Context(), sse); err != nil && !errors.Is(err, context.Canceled) {
		h.log.Warn("score stream ended early", zap.String(logger.FieldUserID, userID), zap.Error(err))
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("x-user-id")
	if userID == "" {
		jsonError(w, "missing x-user-id header", http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

// writeError maps domain errors to HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	var verr *scoring.ValidationError
	switch {
	case errors.Is(err, scoring.ErrCVEmpty):
		jsonError(w, "Your CV is empty. Please add profile, experiences, or skills before calculating compatibility scores.", http.StatusBadRequest)
	case errors.As(err, &verr):
		jsonError(w, verr.Msg, http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		jsonError(w, "job not found", http.StatusNotFound)
	case errors.Is(err, scoring.ErrInProgress):
		jsonError(w, "Score calculation already in progress.", http.StatusConflict)
	case errors.Is(err, scoring.ErrScoringUnavailable):
		jsonError(w, "Scoring service unavailable. Please try again later.", http.StatusServiceUnavailable)
	default:
		h.log.Error(op+" failed", zap.Error(err))
		jsonError(w, "internal server error", http.StatusInternalServerError)
	}
}

func jsonOK(w http.ResponseWriter, v any) {
	jsonStatus(w, http.StatusOK, v)
}

func jsonStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	jsonStatus(w, code, map[string]any{"success": false, "error": msg})
}
