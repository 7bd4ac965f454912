package models

import (
	"fmt"

	"github.com/example/technician-matching/internal/errs"
)

// MatchingStatus is the state of a Matching.
//
//	pending ─> searching ─┬─> technician_found ─> technician_requested ─┬─> matched
//	              ^  │    │                          │    ^   │          │
//	              └──┘    └─> failed <───────────────┘    └───┘          └─> searching
//
// Any non-terminal state may move to cancelled or expired. failed and expired
// reopen to pending only through an explicit retry.
type MatchingStatus string

const (
	StatusPending             MatchingStatus = "pending"
	StatusSearching           MatchingStatus = "searching"
	StatusTechnicianFound     MatchingStatus = "technician_found"
	StatusTechnicianRequested MatchingStatus = "technician_requested"
	StatusMatched             MatchingStatus = "matched"
	StatusCancelled           MatchingStatus = "cancelled"
	StatusExpired             MatchingStatus = "expired"
	StatusFailed              MatchingStatus = "failed"
)

// ActiveStatuses lists the non-terminal statuses. At most one matching per
// reservation may be in one of these.
var ActiveStatuses = []MatchingStatus{
	StatusPending,
	StatusSearching,
	StatusTechnicianFound,
	StatusTechnicianRequested,
}

var transitions = map[MatchingStatus][]MatchingStatus{
	StatusPending:             {StatusSearching, StatusCancelled, StatusExpired, StatusFailed},
	StatusSearching:           {StatusSearching, StatusTechnicianFound, StatusFailed, StatusCancelled, StatusExpired},
	StatusTechnicianFound:     {StatusTechnicianRequested, StatusFailed, StatusCancelled, StatusExpired},
	StatusTechnicianRequested: {StatusTechnicianRequested, StatusSearching, StatusMatched, StatusFailed, StatusCancelled, StatusExpired},
	StatusFailed:              {StatusPending},
	StatusExpired:             {StatusPending},
}

func (s MatchingStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSearching, StatusTechnicianFound, StatusTechnicianRequested,
		StatusMatched, StatusCancelled, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// IsActive reports whether automatic transitions may still happen.
func (s MatchingStatus) IsActive() bool {
	for _, a := range ActiveStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// Retryable reports whether an explicit retry may reopen the matching.
func (s MatchingStatus) Retryable() bool {
	return s == StatusFailed || s == StatusExpired
}

func (s MatchingStatus) CanTransitionTo(next MatchingStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// ValidateTransition returns a conflict error when s cannot move to next.
func (s MatchingStatus) ValidateTransition(next MatchingStatus) error {
	if !s.CanTransitionTo(next) {
		return fmt.Errorf("%w: transition %s -> %s not allowed", errs.ErrConflict, s, next)
	}
	return nil
}

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestDeclined RequestStatus = "declined"
	RequestExpired  RequestStatus = "expired"
)

// Factor is a ranking criterion.
type Factor string

const (
	FactorDistance   Factor = "distance"
	FactorRating     Factor = "rating"
	FactorExperience Factor = "experience"
)

// DefaultFactors is used when a caller does not pick any.
var DefaultFactors = []Factor{FactorDistance, FactorRating, FactorExperience}

// ParseFactors validates raw factor names, rejecting unknown and duplicate entries.
// An empty input yields DefaultFactors.
func ParseFactors(raw []string) ([]Factor, error) {
	if len(raw) == 0 {
		return append([]Factor(nil), DefaultFactors...), nil
	}
	out := make([]Factor, 0, len(raw))
	seen := make(map[Factor]bool, len(raw))
	for _, r := range raw {
		f := Factor(r)
		switch f {
		case FactorDistance, FactorRating, FactorExperience:
		default:
			return nil, fmt.Errorf("%w: unknown priority factor %q", errs.ErrValidation, r)
		}
		if seen[f] {
			return nil, fmt.Errorf("%w: duplicate priority factor %q", errs.ErrValidation, r)
		}
		seen[f] = true
		out = append(out, f)
	}
	return out, nil
}
