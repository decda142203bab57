// Package score defines the score lifecycle of a saved job posting.
//
// Valid status graph:
//
//	pending ──► calculating ──► completed | error
//	calculating ──► pending           (stream cancelled before the job started)
//	error ──► pending                 (retry requeue)
//	completed | error ──► calculating (rescored from a live search)
//
// pending is the zero value: a record without a status is pending.
package score

import (
	"encoding/json"
	"fmt"
)

// Status is the score lifecycle state of one job record.
type Status uint8

const (
	StatusPending Status = iota
	StatusCalculating
	StatusCompleted
	StatusError
)

var statusNames = [...]string{
	StatusPending:     "pending",
	StatusCalculating: "calculating",
	StatusCompleted:   "completed",
	StatusError:       "error",
}

// All lists every status in display order.
var All = []Status{StatusPending, StatusCalculating, StatusCompleted, StatusError}

// validTransitions lists every allowed (from → to) pair.
var validTransitions = map[Status][]Status{
	StatusPending:     {StatusCalculating},
	StatusCalculating: {StatusCompleted, StatusError, StatusPending},
	StatusCompleted:   {StatusCalculating},
	StatusError:       {StatusCalculating, StatusPending},
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ParseStatus converts a stored or wire value to a Status. Values are
// case-sensitive; the empty string is rejected (use ParseNullable for
// columns that may be NULL).
func ParseStatus(s string) (Status, error) {
	for i, name := range statusNames {
		if name == s {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown score status %q", s)
}

// ParseNullable maps a nullable column to a Status. Legacy rows without a
// status are pending.
func ParseNullable(s *string) (Status, error) {
	if s == nil {
		return StatusPending, nil
	}
	return ParseStatus(*s)
}

// IsTransitionAllowed returns true when moving from → to is permitted.
func IsTransitionAllowed(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SourcesFor returns every status that may transition into to.
func SourcesFor(to Status) []Status {
	var out []Status
	for _, from := range All {
		if IsTransitionAllowed(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Names converts statuses to their stored string form.
func Names(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = s.String()
	}
	return out
}

func (s Status) MarshalText() ([]byte, error) {
	if int(s) >= len(statusNames) {
		return nil, fmt.Errorf("invalid score status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MarshalJSON is explicit so Status renders as a string inside maps too.
func (s Status) MarshalJSON() ([]byte, error) {
	text, err := s.MarshalText()
	if err != nil {
		return nil, err
	}
	return json.Marshal(string(text))
}
