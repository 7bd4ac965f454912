package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/technician-matching/internal/errs"
	"github.com/example/technician-matching/internal/models"
)

// Memory is an in-process gateway used for local runs and tests.
type Memory struct {
	mu           sync.RWMutex
	reservations map[string]models.Reservation
	technicians  map[string]models.Technician
	jobs         []models.Job
}

func NewMemory() *Memory {
	return &Memory{
		reservations: make(map[string]models.Reservation),
		technicians:  make(map[string]models.Technician),
	}
}

func (m *Memory) PutReservation(r models.Reservation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservations[r.ID] = r
}

func (m *Memory) PutTechnician(t models.Technician) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.technicians[t.ID] = t
}

func (m *Memory) GetReservation(_ context.Context, id string) (models.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reservations[id]
	if !ok {
		return models.Reservation{}, fmt.Errorf("%w: reservation %s", errs.ErrNotFound, id)
	}
	return r, nil
}

func (m *Memory) UpdateReservationStatus(_ context.Context, id, status, technicianID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok {
		return fmt.Errorf("%w: reservation %s", errs.ErrNotFound, id)
	}
	r.Status = status
	m.reservations[id] = r
	return nil
}

func (m *Memory) CreateJob(_ context.Context, reservationID, technicianID string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := models.Job{ID: uuid.NewString(), ReservationID: reservationID, TechnicianID: technicianID, CreatedAt: time.Now()}
	m.jobs = append(m.jobs, j)
	return j, nil
}

func (m *Memory) GetTechnician(_ context.Context, id string) (models.Technician, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.technicians[id]
	if !ok {
		return models.Technician{}, fmt.Errorf("%w: technician %s", errs.ErrNotFound, id)
	}
	return t, nil
}

// Jobs returns a snapshot of created jobs.
func (m *Memory) Jobs() []models.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Job(nil), m.jobs...)
}
