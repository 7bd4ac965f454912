package matcher

import (
	"fmt"

	"github.com/example/technician-matching/internal/errs"
	"github.com/example/technician-matching/internal/storage"
)

var (
	ErrInvalidInput          = fmt.Errorf("%w: invalid input", errs.ErrValidation)
	ErrActiveMatchingExists  = storage.ErrActiveMatchingExists
	ErrAlreadyResolved       = fmt.Errorf("%w: request already resolved", errs.ErrConflict)
	ErrRequestExpired        = fmt.Errorf("%w: request expired", errs.ErrConflict)
	ErrTechnicianUnavailable = fmt.Errorf("%w: technician is committed to another matching", errs.ErrConflict)
	ErrInvalidState          = fmt.Errorf("%w: matching is not in a state that allows this command", errs.ErrConflict)
)

// Failure reasons and warnings recorded on the matching.
const (
	ReasonNoTechnicians       = "no technicians in range"
	ReasonMaxRetries          = "max retries exceeded"
	ReasonReservationNotFound = "reservation not found"
	ReasonReservationLookup   = "reservation lookup failed"
	ReasonCandidateSearch     = "candidate search failed"
	ReasonOfferFailed         = "offer could not be recorded"

	DeclineRequestExpired        = "request_expired"
	DeclineTechnicianUnavailable = "technician_unavailable"
	DeclineMatchingCancelled     = "matching_cancelled"
	DeclineMatchingExpired       = "matching_expired"
	DeclineOfferFailed           = "offer_failed"

	WarningReservationUpdateFailed = "reservation_update_failed"
	WarningJobCreationFailed       = "job_creation_failed"
)
