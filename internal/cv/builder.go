package cv

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

type ProfileSource interface {
	// Profile returns nil, nil when the user has no profile.
	Profile(ctx context.Context, userID string) (*Profile, error)
}

type ExperienceSource interface {
	Experiences(ctx context.Context, userID string) ([]Experience, error)
}

type SkillSource interface {
	Skills(ctx context.Context, userID string) ([]Skill, error)
}

// Builder reads the three CV parts concurrently.
type Builder struct {
	profiles    ProfileSource
	experiences ExperienceSource
	skills      SkillSource
}

func NewBuilder(p ProfileSource, e ExperienceSource, s SkillSource) *Builder {
	return &Builder{profiles: p, experiences: e, skills: s}
}

// Build returns the user's snapshot, or the first read error. A partial
// snapshot is never returned.
func (b *Builder) Build(ctx context.Context, userID string) (Snapshot, error) {
	var (
		profile     *Profile
		experiences []Experience
		skills      []Skill
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := b.profiles.Profile(gctx, userID)
		if err != nil {
			return fmt.Errorf("read profile: %w", err)
		}
		profile = p
		return nil
	})
	g.Go(func() error {
		e, err := b.experiences.Experiences(gctx, userID)
		if err != nil {
			return fmt.Errorf("read experiences: %w", err)
		}
		experiences = e
		return nil
	})
	g.Go(func() error {
		s, err := b.skills.Skills(gctx, userID)
		if err != nil {
			return fmt.Errorf("read skills: %w", err)
		}
		skills = s
		return nil
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}

	if experiences == nil {
		experiences = []Experience{}
	}
	if skills == nil {
		skills = []Skill{}
	}
	return Snapshot{Profile: profile, Experiences: experiences, Skills: skills}, nil
}
