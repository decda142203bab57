// Package cv assembles the CV snapshot that jobs are scored against.
package cv

// Profile is the headline of a CV.
type Profile struct {
	Title   string `json:"title,omitempty"`
	Summary string `json:"summary,omitempty"`
}

type Experience struct {
	Title       string `json:"title,omitempty"`
	Company     string `json:"company,omitempty"`
	Description string `json:"description,omitempty"`
}

type Skill struct {
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
}

// Snapshot is a point-in-time copy of a user's CV. Profile is nil when the
// user never filled one in.
type Snapshot struct {
	Profile     *Profile     `json:"profile"`
	Experiences []Experience `json:"experiences"`
	Skills      []Skill      `json:"skills"`
}

// IsEmpty reports whether there is nothing to score against: no profile title
// or summary, no experiences and no skills. Whitespace counts as content.
func (s Snapshot) IsEmpty() bool {
	hasProfile := s.Profile != nil && (s.Profile.Title != "" || s.Profile.Summary != "")
	return !hasProfile && len(s.Experiences) == 0 && len(s.Skills) == 0
}
