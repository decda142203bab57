// Package scorer is the HTTP client of the external compatibility scoring
// service.
package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"jobmate/scoring-service/internal/cv"
	"jobmate/scoring-service/internal/logger"
	"jobmate/scoring-service/internal/score"
)

const (
	batchPath    = "/score-batch"
	detailedPath = "/score-detailed"

	defaultTimeout = 30 * time.Second
	maxErrorBody   = 512
)

// ErrUnavailable matches every failure to obtain a usable answer from the
// scoring service.
var ErrUnavailable = errors.New("scoring service unavailable")

// UnavailableError describes one failed call. StatusCode is 0 when no
// response was received.
type UnavailableError struct {
	Endpoint   string
	StatusCode int
	Body       string
	Err        error
}

func (e *UnavailableError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("scorer %s returned %d: %s", e.Endpoint, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("scorer %s: %v", e.Endpoint, e.Err)
	}
	return "scorer " + e.Endpoint + " unavailable"
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// Client calls the scoring service.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     *zap.Logger
}

type Option func(*Client)

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option { return func(c *Client) { c.apiKey = key } }

// WithHTTPClient replaces the default client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.client = hc } }

func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

// New returns a client for the service at baseURL. timeout bounds every call;
// zero selects 30s.
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
	for _, o := range opts {
		o(c)
	}
	c.log = logger.Component(c.log, "scorer")
	return c
}

type batchRequest struct {
	CVData cv.Snapshot `json:"cv_data"`
	Jobs   []score.Job `json:"jobs"`
}

type batchResponse struct {
	Results []score.Result `json:"results"`
}

type detailedRequest struct {
	CVData cv.Snapshot `json:"cv_data"`
	Job    score.Job   `json:"job"`
}

// ScoreBatch scores every job against snap in one call. The response may
// omit jobs.
func (c *Client) ScoreBatch(ctx context.Context, snap cv.Snapshot, jobs []score.Job) ([]score.Result, error) {
	var resp batchResponse
	if err := c.post(ctx, batchPath, batchRequest{CVData: snap, Jobs: jobs}, &resp); err != nil {
		return nil, err
	}
	c.log.Debug("batch scored", zap.Int("jobs", len(jobs)), zap.Int("results", len(resp.Results)))
	return resp.Results, nil
}

// ScoreDetailed scores one job and explains the score.
func (c *Client) ScoreDetailed(ctx context.Context, snap cv.Snapshot, job score.Job) (*score.Details, error) {
	var d score.Details
	if err := c.post(ctx, detailedPath, detailedRequest{CVData: snap, Job: job}, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &UnavailableError{Endpoint: path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &UnavailableError{Endpoint: path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &UnavailableError{Endpoint: path, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &UnavailableError{
			Endpoint:   path,
			StatusCode: resp.StatusCode,
			Body:       logger.TruncateForLog(string(raw), maxErrorBody),
		}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return &UnavailableError{Endpoint: path, Err: fmt.Errorf("json unmarshal: %w", err)}
	}
	return nil
}
