package scoring

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"jobmate/scoring-service/internal/logger"
	"jobmate/scoring-service/internal/score"
)

// EventScoreUpdated is the redis channel the gateway forwards to clients.
const EventScoreUpdated = "EVENT_SCORE_UPDATED"

// Event reports one committed status change.
type Event struct {
	Type   string       `json:"type"`
	UserID string       `json:"userId"`
	JobID  string       `json:"jobId"`
	Status score.Status `json:"status"`
	Score  *float64     `json:"score,omitempty"`
}

// Publisher fans out status changes. Publishing is best effort: failures are
// logged and never fail the scoring run.
type Publisher interface {
	Publish(ctx context.Context, events ...Event)
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, ...Event) {}

type redisPublishClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher publishes events on EventScoreUpdated.
type RedisPublisher struct {
	rdb redisPublishClient
	log *zap.Logger
}

func NewRedisPublisher(rdb redisPublishClient, log *zap.Logger) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, log: logger.Component(log, "events")}
}

func (p *RedisPublisher) Publish(ctx context.Context, events ...Event) {
	for _, ev := range events {
		ev.Type = EventScoreUpdated
		payload, err := json.Marshal(ev)
		if err != nil {
			p.log.Warn("encode "+EventScoreUpdated+" failed", zap.Error(err))
			continue
		}
		if err := p.rdb.Publish(ctx, EventScoreUpdated, payload).Err(); err != nil {
			p.log.Warn("publish "+EventScoreUpdated+" failed",
				zap.String(logger.FieldJobID, ev.JobID), zap.Error(err))
			return
		}
	}
}

func statusEvents(userID string, ids []string, st score.Status) []Event {
	out := make([]Event, len(ids))
	for i, id := range ids {
		out[i] = Event{UserID: userID, JobID: id, Status: st}
	}
	return out
}

func completedEvents(userID string, results []score.Result, done map[string]bool) []Event {
	out := make([]Event, 0, len(done))
	for _, r := range results {
		if !done[r.JobID] {
			continue
		}
		v := r.Score
		out = append(out, Event{UserID: userID, JobID: r.JobID, Status: score.StatusCompleted, Score: &v})
	}
	return out
}
