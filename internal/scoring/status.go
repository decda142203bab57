package scoring

import (
	"context"
	"fmt"

	"jobmate/scoring-service/internal/score"
)

type StatusCounter interface {
	CountByStatus(ctx context.Context, userID string) (score.Counts, error)
}

// Aggregator reports how many of a user's jobs are in each status. It only
// reads committed state and is safe to poll.
type Aggregator struct {
	store StatusCounter
}

func NewAggregator(s StatusCounter) *Aggregator {
	return &Aggregator{store: s}
}

func (a *Aggregator) Status(ctx context.Context, userID string) (score.Counts, error) {
	c, err := a.store.CountByStatus(ctx, userID)
	if err != nil {
		return score.Counts{}, fmt.Errorf("count by status: %w", err)
	}
	return c, nil
}
