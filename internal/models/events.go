package models

import "time"

type EventType string

const (
	EventMatchingStarted      EventType = "matching_started"
	EventSearchRadiusExpanded EventType = "search_radius_expanded"
	EventTechnicianFound      EventType = "technician_found"
	EventTechnicianRequested  EventType = "technician_requested"
	EventTechnicianAccepted   EventType = "technician_accepted"
	EventTechnicianDeclined   EventType = "technician_declined"
	EventMatchingCancelled    EventType = "matching_cancelled"
	EventMatchingFailed       EventType = "matching_failed"
	EventMatchingExpired      EventType = "matching_expired"
	EventMatchingWarning      EventType = "matching_warning"
)

// MatchingEvent is published for every state change of a Matching.
type MatchingEvent struct {
	Type          EventType      `json:"type"`
	MatchingID    string         `json:"matching_id"`
	ReservationID string         `json:"reservation_id"`
	Status        MatchingStatus `json:"status"`
	Payload       map[string]any `json:"payload,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}
