package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Matching tracks one attempt to assign a technician to a reservation.
type Matching struct {
	ID               string         `json:"id"`
	ReservationID    string         `json:"reservation_id"`
	Status           MatchingStatus `json:"status"`
	SearchRadiusKm   float64        `json:"search_radius_km"`
	MaxDistanceKm    float64        `json:"max_distance_km"`
	PriorityFactors  []Factor       `json:"priority_factors"`
	Attempts         int            `json:"attempts"`
	TechnicianID     string         `json:"technician_id,omitempty"`
	MatchedAt        *time.Time     `json:"matched_at,omitempty"`
	EstimatedArrival *time.Time     `json:"estimated_arrival,omitempty"`
	RequestExpiry    *time.Time     `json:"request_expiry,omitempty"`
	FailureReason    string         `json:"failure_reason,omitempty"`
	Warning          string         `json:"warning,omitempty"`
	StartedAt        time.Time      `json:"started_at"` // reset by retry; the matching deadline counts from here
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (m *Matching) Clone() *Matching {
	if m == nil {
		return nil
	}
	c := *m
	c.PriorityFactors = append([]Factor(nil), m.PriorityFactors...)
	c.MatchedAt = cloneTime(m.MatchedAt)
	c.EstimatedArrival = cloneTime(m.EstimatedArrival)
	c.RequestExpiry = cloneTime(m.RequestExpiry)
	return &c
}

// MatchingRequest is a single timed offer made to one technician. Rows are
// append-only: they move from pending to a terminal status at most once.
type MatchingRequest struct {
	ID            string        `json:"id"`
	MatchingID    string        `json:"matching_id"`
	TechnicianID  string        `json:"technician_id"`
	Status        RequestStatus `json:"status"`
	DistanceKm    float64       `json:"distance_km"`
	Score         float64       `json:"score"`
	RequestExpiry time.Time     `json:"request_expiry"`
	RespondedAt   *time.Time    `json:"responded_at,omitempty"`
	DeclineReason *string       `json:"decline_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

func (r *MatchingRequest) Clone() *MatchingRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.RespondedAt = cloneTime(r.RespondedAt)
	if r.DeclineReason != nil {
		reason := *r.DeclineReason
		c.DeclineReason = &reason
	}
	return &c
}

// Candidate is a technician returned by the directory lookup.
type Candidate struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Rating          float64 `json:"rating"` // 0..5
	CompletedJobs   int     `json:"completed_jobs"`
	DistanceKm      float64 `json:"distance_km"`
	ProfileImageURL string  `json:"profile_image_url,omitempty"`
	Location        *Coord  `json:"location,omitempty"`
	Score           float64 `json:"score"`
}

type Reservation struct {
	ID          string    `json:"id"`
	ConsumerID  string    `json:"consumer_id"`
	ServiceID   string    `json:"service_id"`
	Location    Coord     `json:"location"`
	Address     string    `json:"address,omitempty"`
	Status      string    `json:"status"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

type Technician struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Services        []string  `json:"services"`
	Loc             Coord     `json:"loc"`
	Rating          float64   `json:"rating"` // 0..5
	CompletedJobs   int       `json:"completed_jobs"`
	ProfileImageURL string    `json:"profile_image_url,omitempty"`
	Phone           string    `json:"phone,omitempty"`
	Online          bool      `json:"online"`
	Updated         time.Time `json:"updated"`
}

// Offers returns true when the technician performs the given service.
func (t Technician) Offers(serviceID string) bool {
	for _, s := range t.Services {
		if s == serviceID {
			return true
		}
	}
	return false
}

type Job struct {
	ID            string    `json:"id"`
	ReservationID string    `json:"reservation_id"`
	TechnicianID  string    `json:"technician_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// Reservation status written by the orchestrator once a technician is committed.
const ReservationConfirmed = "confirmed"

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
