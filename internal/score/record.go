package score

import "time"

// Record is the persisted compatibility score of one saved job posting.
//
// Status completed implies Score is set and Error is nil. Status error implies
// Error is set; a Score left over from an earlier successful run is kept.
type Record struct {
	JobID        string     `json:"id"`
	UserID       string     `json:"userId"`
	Title        string     `json:"title"`
	Company      string     `json:"company"`
	Description  string     `json:"description,omitempty"`
	Score        *float64   `json:"compatibilityScore,omitempty"`
	Status       Status     `json:"scoreStatus"`
	CalculatedAt *time.Time `json:"scoreCalculatedAt,omitempty"`
	Error        *string    `json:"scoreError,omitempty"`
	Details      *Details   `json:"scoreDetails,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Details explains a score produced by the detailed scoring endpoint.
type Details struct {
	GlobalScore       float64           `json:"globalScore"`
	ExperienceMatches []ExperienceMatch `json:"experienceMatches"`
	MatchedKeywords   []string          `json:"matchedKeywords"`
	MissingKeywords   []string          `json:"missingKeywords"`
	MatchedSkills     []string          `json:"matchedSkills"`
	TotalKeywords     int               `json:"totalKeywords"`
}

// ExperienceMatch is the relevance of one CV experience to a job.
type ExperienceMatch struct {
	Title    string  `json:"title"`
	Company  string  `json:"company,omitempty"`
	Score    float64 `json:"score"`
	Relevant bool    `json:"relevant"`
}

// Job is the content of a posting as sent to the scoring service. ID is empty
// for postings from a live search that have not been saved.
type Job struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title"`
	Company     string `json:"company"`
	Description string `json:"description"`
}

// Ref identifies one record of one user.
type Ref struct {
	UserID string
	JobID  string
}

// Result is one job's score as returned by a batch call.
type Result struct {
	JobID string  `json:"id"`
	Score float64 `json:"score"`
}

// Counts is the number of a user's records in each lifecycle state.
// All four keys are always serialised.
type Counts struct {
	Pending     int `json:"pending"`
	Calculating int `json:"calculating"`
	Completed   int `json:"completed"`
	Error       int `json:"error"`
}

// Add increments the counter for s by n.
func (c *Counts) Add(s Status, n int) {
	switch s {
	case StatusPending:
		c.Pending += n
	case StatusCalculating:
		c.Calculating += n
	case StatusCompleted:
		c.Completed += n
	case StatusError:
		c.Error += n
	}
}

// Total is the sum of all four counters.
func (c Counts) Total() int {
	return c.Pending + c.Calculating + c.Completed + c.Error
}

// Settled reports whether no calculation is in flight; clients stop polling
// once it is true.
func (c Counts) Settled() bool { return c.Calculating == 0 }

// ClampScore bounds a score to the [0,100] percentage range.
func ClampScore(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
