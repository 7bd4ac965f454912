package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/technician-matching/internal/models"
)

type MemoryStore struct {
	mu        sync.RWMutex
	matchings map[string]*models.Matching
	requests  map[string]*models.MatchingRequest
	byMatch   map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		matchings: make(map[string]*models.Matching),
		requests:  make(map[string]*models.MatchingRequest),
		byMatch:   make(map[string][]string),
	}
}

func (s *MemoryStore) CreateMatching(_ context.Context, m *models.Matching) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.matchings {
		if existing.ReservationID == m.ReservationID && existing.Status.IsActive() {
			return ErrActiveMatchingExists
		}
	}
	s.matchings[m.ID] = m.Clone()
	return nil
}

func (s *MemoryStore) GetMatching(_ context.Context, id string) (*models.Matching, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matchings[id]
	if !ok {
		return nil, ErrMatchingNotFound
	}
	return m.Clone(), nil
}

func (s *MemoryStore) GetLatestByReservation(_ context.Context, reservationID string) (*models.Matching, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.Matching
	for _, m := range s.matchings {
		if m.ReservationID != reservationID {
			continue
		}
		if latest == nil || m.CreatedAt.After(latest.CreatedAt) {
			latest = m
		}
	}
	if latest == nil {
		return nil, ErrMatchingNotFound
	}
	return latest.Clone(), nil
}

func (s *MemoryStore) UpdateMatching(_ context.Context, m *models.Matching) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.matchings[m.ID]; !ok {
		return ErrMatchingNotFound
	}
	// same rule as the matchings_one_active_per_reservation index
	if m.Status.IsActive() {
		for id, other := range s.matchings {
			if id != m.ID && other.ReservationID == m.ReservationID && other.Status.IsActive() {
				return ErrActiveMatchingExists
			}
		}
	}
	s.matchings[m.ID] = m.Clone()
	return nil
}

func (s *MemoryStore) ListActiveStartedBefore(_ context.Context, t time.Time) ([]*models.Matching, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Matching, 0)
	for _, m := range s.matchings {
		if m.Status.IsActive() && m.StartedAt.Before(t) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) CreateRequest(_ context.Context, r *models.MatchingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.byMatch[r.MatchingID] {
		if s.requests[id].Status == models.RequestPending {
			return ErrPendingRequestExists
		}
	}
	s.requests[r.ID] = r.Clone()
	s.byMatch[r.MatchingID] = append(s.byMatch[r.MatchingID], r.ID)
	return nil
}

func (s *MemoryStore) GetRequest(_ context.Context, id string) (*models.MatchingRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) ListRequests(_ context.Context, matchingID string) ([]*models.MatchingRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byMatch[matchingID]
	out := make([]*models.MatchingRequest, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.requests[id].Clone())
	}
	return out, nil
}

func (s *MemoryStore) ResolveRequest(_ context.Context, id string, status models.RequestStatus, reason *string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	if r.Status != models.RequestPending {
		return ErrRequestNotPending
	}
	r.Status = status
	if reason != nil {
		v := *reason
		r.DeclineReason = &v
	}
	r.RespondedAt = &at
	return nil
}
