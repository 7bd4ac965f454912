package matcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/technician-matching/internal/errs"
	"github.com/example/technician-matching/internal/models"
	"github.com/example/technician-matching/internal/observability"
	"github.com/example/technician-matching/internal/retry"
	"github.com/example/technician-matching/internal/storage"
)

// offer records a pending request for c, arms its expiry timer and tells the
// technician. m must be technician_found or technician_requested.
func (o *Orchestrator) offer(s *session, m *models.Matching, c models.Candidate) {
	now := o.clock.Now()
	expiry := now.Add(o.cfg.RequestExpiry)
	req := &models.MatchingRequest{
		ID:            uuid.NewString(),
		MatchingID:    m.ID,
		TechnicianID:  c.ID,
		Status:        models.RequestPending,
		DistanceKm:    c.DistanceKm,
		Score:         c.Score,
		RequestExpiry: expiry,
		CreatedAt:     now,
	}
	if err := o.store.CreateRequest(o.ctx, req); err != nil {
		o.logger.Error("create request failed", "matching_id", m.ID, "technician_id", c.ID, "error", err)
		o.fail(s, m, ReasonOfferFailed, true)
		return
	}
	s.exclude(c.ID)

	m.RequestExpiry = &expiry
	if err := o.transition(m, models.StatusTechnicianRequested); err != nil {
		o.logger.Error("record offer failed", "matching_id", m.ID, "request_id", req.ID, "error", err)
		// withdraw the request; no timer will ever expire it
		reason := DeclineOfferFailed
		if rerr := o.store.ResolveRequest(o.ctx, req.ID, models.RequestExpired, &reason, o.clock.Now()); rerr != nil {
			o.logger.Error("withdraw request failed", "request_id", req.ID, "error", rerr)
		}
		o.fail(s, m, ReasonOfferFailed, true)
		return
	}
	o.arm(s, m.ID, req.ID, o.cfg.RequestExpiry)

	o.emit(m, models.EventTechnicianRequested, map[string]any{
		"request_id":        req.ID,
		"technician_id":     c.ID,
		"technician_name":   c.Name,
		"rating":            c.Rating,
		"completed_jobs":    c.CompletedJobs,
		"profile_image_url": c.ProfileImageURL,
		"distance_km":       c.DistanceKm,
		"score":             c.Score,
		"request_expiry":    expiry,
		"attempt":           m.Attempts + 1,
	})
	err := o.notifier.NotifyTechnician(o.ctx, c.ID, "New service request",
		fmt.Sprintf("A customer %.1f km away needs a technician", c.DistanceKm),
		map[string]string{
			"matching_id":    m.ID,
			"request_id":     req.ID,
			"reservation_id": m.ReservationID,
			"expires_at":     expiry.Format(time.RFC3339),
		})
	if err != nil {
		o.logger.Warn("technician notification failed", "matching_id", m.ID, "technician_id", c.ID, "error", err)
	}
	o.logger.Info("technician requested", "matching_id", m.ID, "technician_id", c.ID, "attempt", m.Attempts+1)
}

// arm schedules the expiry of requestID. The callback only acts while the
// session still carries the stamp it was armed with.
func (o *Orchestrator) arm(s *session, matchingID, requestID string, d time.Duration) {
	gen := o.nextGen()
	s.stopTimer(gen)
	if d < 0 {
		d = 0
	}
	s.timer = o.clock.AfterFunc(d, func() { o.onExpire(matchingID, requestID, gen) })
}

func (o *Orchestrator) onExpire(matchingID, requestID string, gen uint64) {
	// the timer belongs to a session; once that is gone there is nothing to do
	s := o.lockExisting(matchingID)
	if s == nil {
		return
	}
	var m *models.Matching
	defer func() { o.unlock(s, m) }()
	if s.gen != gen || o.ctx.Err() != nil {
		return
	}
	s.timer = nil

	m, err := o.load(o.ctx, s, matchingID)
	if err != nil {
		o.logger.Error("load matching on expiry failed", "matching_id", matchingID, "error", err)
		return
	}
	if m.Status != models.StatusTechnicianRequested {
		return
	}
	req, err := o.store.GetRequest(o.ctx, requestID)
	if err != nil {
		o.logger.Error("load request on expiry failed", "request_id", requestID, "error", err)
		return
	}
	o.expireRequest(s, m, req)
}

// expireRequest marks req expired and advances. A request resolved in the
// meantime wins and nothing happens.
func (o *Orchestrator) expireRequest(s *session, m *models.Matching, req *models.MatchingRequest) {
	reason := DeclineRequestExpired
	if err := o.store.ResolveRequest(o.ctx, req.ID, models.RequestExpired, &reason, o.clock.Now()); err != nil {
		if !errors.Is(err, storage.ErrRequestNotPending) {
			o.logger.Error("expire request failed", "request_id", req.ID, "error", err)
		}
		return
	}
	s.stopTimer(o.nextGen())
	observability.OffersResolved.WithLabelValues("expired").Inc()
	o.emit(m, models.EventTechnicianDeclined, map[string]any{
		"request_id":    req.ID,
		"technician_id": req.TechnicianID,
		"reason":        reason,
		"expired":       true,
	})
	o.logger.Info("request expired", "matching_id", m.ID, "technician_id", req.TechnicianID)
	o.advance(s.ctx(), s, m)
}

type RespondInput struct {
	MatchingID       string
	TechnicianID     string
	Accept           bool
	DeclineReason    *string
	EstimatedArrival *time.Time
}

// RespondToMatching resolves the technician's outstanding request. Responses
// to a matching that was cancelled, failed or expired first are discarded
// and the current matching is returned without error.
func (o *Orchestrator) RespondToMatching(ctx context.Context, in RespondInput) (*models.Matching, error) {
	if strings.TrimSpace(in.TechnicianID) == "" {
		return nil, fmt.Errorf("%w: technician_id is required", ErrInvalidInput)
	}
	s := o.lock(in.MatchingID)
	var m *models.Matching
	defer func() { o.unlock(s, m) }()

	m, err := o.load(ctx, s, in.MatchingID)
	if err != nil {
		return nil, err
	}
	switch m.Status {
	case models.StatusCancelled, models.StatusFailed, models.StatusExpired:
		return m, nil
	}

	reqs, err := o.store.ListRequests(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	req := requestFor(reqs, in.TechnicianID)
	if req == nil {
		return nil, fmt.Errorf("%w for technician %s", storage.ErrRequestNotFound, in.TechnicianID)
	}
	if req.Status != models.RequestPending {
		return nil, ErrAlreadyResolved
	}
	if o.clock.Now().After(req.RequestExpiry) {
		o.expireRequest(s, m, req)
		return nil, ErrRequestExpired
	}
	if in.Accept {
		return o.accept(ctx, s, m, req, in.EstimatedArrival)
	}
	return o.decline(s, m, req, in.DeclineReason)
}

// requestFor returns the technician's pending request, or their latest one.
func requestFor(reqs []*models.MatchingRequest, technicianID string) *models.MatchingRequest {
	var latest *models.MatchingRequest
	for _, r := range reqs {
		if r.TechnicianID != technicianID {
			continue
		}
		if r.Status == models.RequestPending {
			return r
		}
		latest = r
	}
	return latest
}

func (o *Orchestrator) accept(ctx context.Context, s *session, m *models.Matching, req *models.MatchingRequest, arrival *time.Time) (*models.Matching, error) {
	ok, err := o.techLock.Acquire(ctx, req.TechnicianID, m.ID, o.cfg.TechnicianLockTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: technician lock: %v", errs.ErrTransient, err)
	}
	if !ok {
		if _, err := o.decline(s, m, req, strPtr(DeclineTechnicianUnavailable)); err != nil {
			return nil, err
		}
		return nil, ErrTechnicianUnavailable
	}

	now := o.clock.Now()
	if err := o.store.ResolveRequest(o.ctx, req.ID, models.RequestAccepted, nil, now); err != nil {
		if rerr := o.techLock.Release(o.ctx, req.TechnicianID, m.ID); rerr != nil {
			o.logger.Warn("release technician lock failed", "technician_id", req.TechnicianID, "error", rerr)
		}
		if errors.Is(err, storage.ErrRequestNotPending) {
			return nil, ErrAlreadyResolved
		}
		return nil, err
	}
	s.stopTimer(o.nextGen())
	observability.OffersResolved.WithLabelValues("accepted").Inc()

	cand := models.Candidate{ID: req.TechnicianID, DistanceKm: req.DistanceKm}
	var tech models.Technician
	err = retry.Do(o.ctx, o.cfg.GatewayRetryAttempts, o.cfg.GatewayRetryDelay, o.onRetry("get_technician", m.ID), func(ctx context.Context) error {
		var err error
		tech, err = o.gateway.GetTechnician(ctx, req.TechnicianID)
		return err
	})
	if err != nil {
		o.logger.Warn("technician lookup failed", "technician_id", req.TechnicianID, "error", err)
	} else {
		loc := tech.Loc
		cand.Name = tech.Name
		cand.Location = &loc
	}

	eta := arrival
	if eta == nil {
		var dest models.Coord
		if res, err := o.reservationFor(s, m); err == nil {
			dest = res.Location
		} else {
			cand.Location = nil
		}
		v := o.eta.Arrival(o.ctx, now, cand, dest)
		eta = &v
	}

	m.TechnicianID = req.TechnicianID
	m.MatchedAt = &now
	m.EstimatedArrival = eta
	m.RequestExpiry = nil
	if err := o.transition(m, models.StatusMatched); err != nil {
		return nil, err
	}
	observability.MatchingOutcomes.WithLabelValues(string(models.StatusMatched)).Inc()
	observability.TimeToMatch.Observe(now.Sub(m.StartedAt).Seconds())
	o.emit(m, models.EventTechnicianAccepted, map[string]any{
		"request_id":        req.ID,
		"technician_id":     req.TechnicianID,
		"technician_name":   tech.Name,
		"technician_phone":  tech.Phone,
		"profile_image_url": tech.ProfileImageURL,
		"rating":            tech.Rating,
		"distance_km":       req.DistanceKm,
		"estimated_arrival": *eta,
	})

	o.commit(m)

	name := tech.Name
	if name == "" {
		name = "A technician"
	}
	o.notifyConsumer(s, m, "Technician on the way", name+" accepted your request", map[string]string{
		"technician_id":     m.TechnicianID,
		"estimated_arrival": eta.Format(time.RFC3339),
	})
	o.logger.Info("matching matched", "matching_id", m.ID, "reservation_id", m.ReservationID, "technician_id", m.TechnicianID, "attempts", m.Attempts)
	return m.Clone(), nil
}

// commit confirms the reservation and creates the job. Failures after the
// retries are recorded as a warning on the matched matching; the match
// itself stands.
func (o *Orchestrator) commit(m *models.Matching) {
	var warnings []string
	err := retry.Do(o.ctx, o.cfg.GatewayRetryAttempts, o.cfg.GatewayRetryDelay, o.onRetry("update_reservation_status", m.ID), func(ctx context.Context) error {
		return o.gateway.UpdateReservationStatus(ctx, m.ReservationID, models.ReservationConfirmed, m.TechnicianID)
	})
	if err != nil {
		o.logger.Error("reservation update failed", "matching_id", m.ID, "reservation_id", m.ReservationID, "error", err)
		warnings = append(warnings, WarningReservationUpdateFailed)
	}

	var job models.Job
	err = retry.Do(o.ctx, o.cfg.GatewayRetryAttempts, o.cfg.GatewayRetryDelay, o.onRetry("create_job", m.ID), func(ctx context.Context) error {
		var err error
		job, err = o.gateway.CreateJob(ctx, m.ReservationID, m.TechnicianID)
		return err
	})
	if err != nil {
		o.logger.Error("job creation failed", "matching_id", m.ID, "reservation_id", m.ReservationID, "error", err)
		warnings = append(warnings, WarningJobCreationFailed)
	} else {
		o.logger.Info("job created", "matching_id", m.ID, "job_id", job.ID)
	}

	if len(warnings) == 0 {
		return
	}
	m.Warning = strings.Join(warnings, ",")
	if err := o.save(m); err != nil {
		o.logger.Error("record warning failed", "matching_id", m.ID, "error", err)
	}
	for _, w := range warnings {
		observability.SagaWarnings.WithLabelValues(w).Inc()
	}
	o.emit(m, models.EventMatchingWarning, map[string]any{
		"warning":       m.Warning,
		"technician_id": m.TechnicianID,
	})
}

func (o *Orchestrator) decline(s *session, m *models.Matching, req *models.MatchingRequest, reason *string) (*models.Matching, error) {
	if err := o.store.ResolveRequest(o.ctx, req.ID, models.RequestDeclined, reason, o.clock.Now()); err != nil {
		if errors.Is(err, storage.ErrRequestNotPending) {
			return nil, ErrAlreadyResolved
		}
		return nil, err
	}
	s.stopTimer(o.nextGen())
	observability.OffersResolved.WithLabelValues("declined").Inc()

	payload := map[string]any{
		"request_id":    req.ID,
		"technician_id": req.TechnicianID,
		"expired":       false,
	}
	if reason != nil {
		payload["reason"] = *reason
	}
	o.emit(m, models.EventTechnicianDeclined, payload)
	o.logger.Info("request declined", "matching_id", m.ID, "technician_id", req.TechnicianID)
	o.advance(s.ctx(), s, m)
	return m.Clone(), nil
}

func strPtr(s string) *string { return &s }
