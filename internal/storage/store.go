package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/example/technician-matching/internal/errs"
	"github.com/example/technician-matching/internal/models"
)

var (
	ErrMatchingNotFound     = fmt.Errorf("%w: matching", errs.ErrNotFound)
	ErrRequestNotFound      = fmt.Errorf("%w: matching request", errs.ErrNotFound)
	ErrActiveMatchingExists = fmt.Errorf("%w: an active matching already exists for this reservation", errs.ErrConflict)
	ErrPendingRequestExists = fmt.Errorf("%w: matching already has a pending request", errs.ErrConflict)
	ErrRequestNotPending    = fmt.Errorf("%w: request already resolved", errs.ErrConflict)
)

// MatchingStore persists matchings and their request history.
type MatchingStore interface {
	// CreateMatching inserts m atomically, failing with ErrActiveMatchingExists
	// when another active matching exists for the same reservation.
	CreateMatching(ctx context.Context, m *models.Matching) error
	GetMatching(ctx context.Context, id string) (*models.Matching, error)
	// GetLatestByReservation returns the most recently created matching.
	GetLatestByReservation(ctx context.Context, reservationID string) (*models.Matching, error)
	UpdateMatching(ctx context.Context, m *models.Matching) error
	// ListActiveStartedBefore returns active matchings whose current run
	// started before t, oldest first.
	ListActiveStartedBefore(ctx context.Context, t time.Time) ([]*models.Matching, error)

	// CreateRequest fails with ErrPendingRequestExists if the matching already
	// has a pending request.
	CreateRequest(ctx context.Context, r *models.MatchingRequest) error
	GetRequest(ctx context.Context, id string) (*models.MatchingRequest, error)
	ListRequests(ctx context.Context, matchingID string) ([]*models.MatchingRequest, error)
	// ResolveRequest moves a pending request to status. It is a compare-and-set:
	// ErrRequestNotPending is returned when the request was already resolved.
	ResolveRequest(ctx context.Context, id string, status models.RequestStatus, reason *string, at time.Time) error
}
