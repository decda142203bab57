package cv

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSource reads CV parts from the profiles, experiences and skills
// tables owned by the CV editor. It never writes.
type PostgresSource struct {
	pool *pgxpool.Pool
}

func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

// Builder returns a Builder backed by this source.
func (s *PostgresSource) Builder() *Builder {
	return NewBuilder(s, s, s)
}

func (s *PostgresSource) Profile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(title, ''), COALESCE(summary, '') FROM profiles WHERE user_id = $1 LIMIT 1`,
		userID,
	).Scan(&p.Title, &p.Summary)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("profile query: %w", err)
	}
	return &p, nil
}

func (s *PostgresSource) Experiences(ctx context.Context, userID string) ([]Experience, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT COALESCE(title, ''), COALESCE(company, ''), COALESCE(description, '')
		 FROM experiences WHERE user_id = $1 ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("experiences query: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Experience])
	if err != nil {
		return nil, fmt.Errorf("experiences scan: %w", err)
	}
	return out, nil
}

func (s *PostgresSource) Skills(ctx context.Context, userID string) ([]Skill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, COALESCE(category, '') FROM skills WHERE user_id = $1 ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("skills query: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Skill])
	if err != nil {
		return nil, fmt.Errorf("skills scan: %w", err)
	}
	return out, nil
}
