package matcher

import (
	"context"
	"errors"
	"math"
	"strconv"

	"github.com/example/technician-matching/internal/errs"
	"github.com/example/technician-matching/internal/models"
	"github.com/example/technician-matching/internal/observability"
	"github.com/example/technician-matching/internal/retry"
	"github.com/example/technician-matching/internal/scoring"
)

// start moves a pending matching into searching and runs the first search.
func (o *Orchestrator) start(ctx context.Context, id string) {
	s := o.lock(id)
	var m *models.Matching
	defer func() { o.unlock(s, m) }()
	if ctx.Err() != nil {
		return
	}
	m, err := o.load(ctx, s, id)
	if err != nil {
		o.logger.Error("load matching failed", "matching_id", id, "error", err)
		return
	}
	if m.Status != models.StatusPending {
		return
	}
	if err := o.transition(m, models.StatusSearching); err != nil {
		o.logger.Error("start matching failed", "matching_id", id, "error", err)
		return
	}
	o.emit(m, models.EventMatchingStarted, map[string]any{
		"search_radius_km": m.SearchRadiusKm,
		"max_distance_km":  m.MaxDistanceKm,
		"priority_factors": m.PriorityFactors,
	})
	res, ok := o.loadReservation(ctx, s, m)
	if !ok {
		return
	}
	o.search(ctx, s, m, res)
}

// resume continues a search interrupted by a restart.
func (o *Orchestrator) resume(ctx context.Context, id string) {
	s := o.lock(id)
	var m *models.Matching
	defer func() { o.unlock(s, m) }()
	m, err := o.load(ctx, s, id)
	if err != nil || m.Status != models.StatusSearching {
		return
	}
	res, ok := o.loadReservation(ctx, s, m)
	if !ok {
		return
	}
	o.search(ctx, s, m, res)
}

// search queries for candidates, widening the radius until someone is found
// or the maximum distance is reached. m must be searching.
func (o *Orchestrator) search(ctx context.Context, s *session, m *models.Matching, res *models.Reservation) {
	for {
		cands, ok := o.find(ctx, s, m, res)
		if !ok {
			return
		}
		if len(cands) > 0 {
			ranked := scoring.Rank(cands, m.PriorityFactors)
			top := ranked[0]
			if err := o.transition(m, models.StatusTechnicianFound); err != nil {
				o.logger.Error("record candidates failed", "matching_id", m.ID, "error", err)
				return
			}
			o.emit(m, models.EventTechnicianFound, map[string]any{
				"technician_id":    top.ID,
				"technician_name":  top.Name,
				"distance_km":      top.DistanceKm,
				"score":            top.Score,
				"candidates":       len(ranked),
				"search_radius_km": m.SearchRadiusKm,
			})
			o.offer(s, m, top)
			return
		}
		if !o.expand(s, m) {
			return
		}
	}
}

// advance moves on after the outstanding request was declined or expired.
// m must be technician_requested.
func (o *Orchestrator) advance(ctx context.Context, s *session, m *models.Matching) {
	m.Attempts++
	m.RequestExpiry = nil
	if m.Attempts >= o.cfg.MaxRetryAttempts {
		o.fail(s, m, ReasonMaxRetries, false)
		return
	}
	if err := o.save(m); err != nil {
		o.logger.Error("record attempt failed", "matching_id", m.ID, "error", err)
		return
	}
	res, ok := o.loadReservation(ctx, s, m)
	if !ok {
		return
	}
	cands, ok := o.find(ctx, s, m, res)
	if !ok {
		return
	}
	if len(cands) > 0 {
		o.offer(s, m, scoring.Rank(cands, m.PriorityFactors)[0])
		return
	}
	if !o.expand(s, m) {
		return
	}
	o.search(ctx, s, m, res)
}

// expand widens the search radius, or fails the matching when it is
// already at the maximum. It reports whether searching should continue.
func (o *Orchestrator) expand(s *session, m *models.Matching) bool {
	if m.SearchRadiusKm >= m.MaxDistanceKm {
		o.fail(s, m, ReasonNoTechnicians, true)
		return false
	}
	prev := m.SearchRadiusKm
	m.SearchRadiusKm = math.Min(prev*o.cfg.RadiusGrowth, m.MaxDistanceKm)
	if err := o.transition(m, models.StatusSearching); err != nil {
		m.SearchRadiusKm = prev
		o.logger.Error("expand radius failed", "matching_id", m.ID, "error", err)
		return false
	}
	observability.RadiusExpansions.Inc()
	o.emit(m, models.EventSearchRadiusExpanded, map[string]any{
		"previous_radius_km": prev,
		"search_radius_km":   m.SearchRadiusKm,
	})
	return true
}

// fail moves m to failed. Calling it on a terminal matching is a no-op, so a
// matching never reports failure twice.
func (o *Orchestrator) fail(s *session, m *models.Matching, reason string, retryAvailable bool) {
	if !m.Status.IsActive() {
		return
	}
	s.stopTimer(o.nextGen())
	m.FailureReason = reason
	m.RequestExpiry = nil
	if err := o.transition(m, models.StatusFailed); err != nil {
		o.logger.Error("fail matching failed", "matching_id", m.ID, "error", err)
		return
	}
	observability.MatchingOutcomes.WithLabelValues(string(models.StatusFailed)).Inc()
	o.emit(m, models.EventMatchingFailed, map[string]any{
		"reason":           reason,
		"retry_available":  retryAvailable,
		"attempts":         m.Attempts,
		"search_radius_km": m.SearchRadiusKm,
	})
	o.notifyConsumer(s, m, "No technician available", "We couldn't find a technician for your request.", map[string]string{
		"reason":          reason,
		"retry_available": strconv.FormatBool(retryAvailable),
	})
	o.logger.Warn("matching failed", "matching_id", m.ID, "reservation_id", m.ReservationID, "reason", reason, "attempts", m.Attempts)
}

// loadReservation returns the reservation being matched. On failure it
// fails the matching unless ctx was cancelled.
func (o *Orchestrator) loadReservation(ctx context.Context, s *session, m *models.Matching) (*models.Reservation, bool) {
	res, err := o.fetchReservation(ctx, s, m)
	switch {
	case err == nil:
		return res, true
	case ctx.Err() != nil:
		return nil, false
	case errors.Is(err, errs.ErrNotFound):
		o.fail(s, m, ReasonReservationNotFound, false)
	default:
		o.logger.Error("reservation lookup failed", "matching_id", m.ID, "reservation_id", m.ReservationID, "error", err)
		o.fail(s, m, ReasonReservationLookup, true)
	}
	return nil, false
}

// reservationFor is loadReservation for callers that can do without it.
func (o *Orchestrator) reservationFor(s *session, m *models.Matching) (*models.Reservation, error) {
	return o.fetchReservation(o.ctx, s, m)
}

// fetchReservation fetches the reservation once per session.
func (o *Orchestrator) fetchReservation(ctx context.Context, s *session, m *models.Matching) (*models.Reservation, error) {
	if s.reservation != nil {
		return s.reservation, nil
	}
	var res models.Reservation
	err := retry.Do(ctx, o.cfg.GatewayRetryAttempts, o.cfg.GatewayRetryDelay, o.onRetry("get_reservation", m.ID), func(ctx context.Context) error {
		var err error
		res, err = o.gateway.GetReservation(ctx, m.ReservationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.reservation = &res
	return s.reservation, nil
}

// find queries the candidate source at the current radius, leaving out every
// technician already offered during this run.
func (o *Orchestrator) find(ctx context.Context, s *session, m *models.Matching, res *models.Reservation) ([]models.Candidate, bool) {
	o.seed(ctx, s, m)
	exclude := s.exclusions()
	var cands []models.Candidate
	err := retry.Do(ctx, o.cfg.GatewayRetryAttempts, o.cfg.GatewayRetryDelay, o.onRetry("find_available", m.ID), func(ctx context.Context) error {
		var err error
		cands, err = o.source.FindAvailable(ctx, res.ServiceID, res.Location, m.SearchRadiusKm, exclude)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, false
		}
		o.logger.Error("candidate search failed", "matching_id", m.ID, "radius_km", m.SearchRadiusKm, "error", err)
		o.fail(s, m, ReasonCandidateSearch, true)
		return nil, false
	}
	out := cands[:0:0]
	for _, c := range cands {
		if !s.excludedSet[c.ID] {
			out = append(out, c)
		}
	}
	o.logger.Debug("candidates found", "matching_id", m.ID, "radius_km", m.SearchRadiusKm, "count", len(out))
	return out, true
}

// seed rebuilds the exclusion list from the request history when the
// session was created after the offers were made. Requests from before the
// last retry belong to an earlier run and are ignored.
func (o *Orchestrator) seed(ctx context.Context, s *session, m *models.Matching) {
	if s.seeded {
		return
	}
	reqs, err := o.store.ListRequests(ctx, m.ID)
	if err != nil {
		o.logger.Warn("load request history failed", "matching_id", m.ID, "error", err)
		return
	}
	for _, r := range reqs {
		if r.CreatedAt.Before(m.StartedAt) {
			continue
		}
		s.exclude(r.TechnicianID)
	}
	s.seeded = true
}

func (o *Orchestrator) onRetry(op, matchingID string) func(int, error) {
	return func(attempt int, err error) {
		observability.GatewayRetries.WithLabelValues(op).Inc()
		o.logger.Warn("retrying gateway call", "operation", op, "matching_id", matchingID, "attempt", attempt, "error", err)
	}
}
