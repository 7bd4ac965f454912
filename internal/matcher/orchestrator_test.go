package matcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/technician-matching/internal/config"
	"github.com/example/technician-matching/internal/errs"
	"github.com/example/technician-matching/internal/models"
)

func TestSingleCandidateAcceptedIsMatched(t *testing.T) {
	h := newHarness(t)
	h.src.set(cand("t1", 3.0, 4.8, 100))
	h.gw.PutTechnician(models.Technician{ID: "t1", Name: "Ana", Loc: models.Coord{Lat: 40.74, Lon: -74.0060}, Online: true})

	m := h.create(t, "R1")
	h.waitEvent(t, m.ID, models.EventTechnicianRequested, 1)

	requested := h.waitStatus(t, m.ID, models.StatusTechnicianRequested)
	assert.Equal(t, 0, requested.Attempts)
	require.NotNil(t, requested.RequestExpiry)
	assert.Equal(t, t0.Add(2*time.Minute), *requested.RequestExpiry)

	req := h.pendingRequest(t, m.ID)
	assert.Equal(t, "t1", req.TechnicianID)
	assert.InDelta(t, 0.6*0.7+0.3*0.96+0.1*1.0, req.Score, 1e-9)

	got, err := h.respond(m.ID, "t1", true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusMatched, got.Status)
	assert.Equal(t, "t1", got.TechnicianID)
	require.NotNil(t, got.MatchedAt)
	require.NotNil(t, got.EstimatedArrival)
	assert.True(t, got.EstimatedArrival.After(t0))
	assert.Nil(t, got.RequestExpiry)
	assert.Empty(t, got.Warning)

	require.Len(t, h.gw.Jobs(), 1)
	assert.Equal(t, "t1", h.gw.Jobs()[0].TechnicianID)
	res, err := h.gw.GetReservation(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, models.ReservationConfirmed, res.Status)

	assert.Equal(t, []models.EventType{
		models.EventMatchingStarted,
		models.EventTechnicianFound,
		models.EventTechnicianRequested,
		models.EventTechnicianAccepted,
	}, h.rec.types(m.ID))
	requireValidPath(t, h.rec.eventsFor(m.ID))
	assert.Equal(t, "Ana", h.rec.last(m.ID, models.EventTechnicianAccepted).Payload["technician_name"])

	require.Len(t, h.rec.technicianPushes(), 1)
	require.Len(t, h.rec.consumerPushes(), 1)
	assert.Equal(t, "u-1", h.rec.consumerPushes()[0].recipient)

	ok, err := h.lock.Acquire(context.Background(), "t1", "someone-else", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "matched technician stays locked")
}

func TestSecondResponseIsConflict(t *testing.T) {
	h := newHarness(t)
	h.src.set(cand("t1", 1.0, 4.5, 10))

	m := h.create(t, "R1")
	h.waitEvent(t, m.ID, models.EventTechnicianRequested, 1)

	_, err := h.respond(m.ID, "t1", true)
	require.NoError(t, err)

	_, err = h.respond(m.ID, "t1", true)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	assert.ErrorIs(t, err, errs.ErrConflict)
	_, err = h.respond(m.ID, "t1", false)
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	assert.Len(t, h.gw.Jobs(), 1)
	assert.Len(t, h.rec.consumerPushes(), 1)
	assert.Equal(t, 1, h.rec.count(m.ID, models.EventTechnicianAccepted))
}

func TestRespondValidation(t *testing.T) {
	h := newHarness(t)
	h.src.set(cand("t1", 1.0, 4.5, 10))
	m := h.create(t, "R1")
	h.waitEvent(t, m.ID, models.EventTechnicianRequested, 1)

	_, err := h.respond(m.ID, "", true)
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = h.respond(m.ID, "stranger", true)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = h.respond("missing", "t1", true)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestAcceptUsesSuppliedArrival(t *testing.T) {
	h := newHarness(t)
	h.src.set(cand("t1", 2.0, 4.0, 20))
	m := h.create(t, "R1")
	h.waitEvent(t, m.ID, models.EventTechnicianRequested, 1)

	arrival := t0.Add(25 * time.Minute)
	got, err := h.o.RespondToMatching(context.Background(), RespondInput{
		MatchingID: m.ID, TechnicianID: "t1", Accept: true, EstimatedArrival: &arrival,
	})
	require.NoError(t, err)
	require.NotNil(t, got.EstimatedArrival)
	assert.Equal(t, arrival, *got.EstimatedArrival)
}

func TestRadiusExpandsOnceBeforeCandidatesFound(t *testing.T) {
	h := newHarness(t)
	h.src.set(cand("t1", 4.0, 4.5, 50), cand("t2", 4.2, 4.5, 50))

	m := h.create(t, "R1")
	h.waitEvent(t, m.ID, models.EventTechnicianRequested, 1)

	assert.Equal(t, []models.EventType{
		models.EventMatchingStarted,
		models.EventSearchRadiusExpanded,
		models.EventTechnicianFound,
		models.EventTechnicianRequested,
	}, h.rec.types(m.ID))
	expanded := h.rec.last(m.ID, models.EventSearchRadiusExpanded)
	assert.Equal(t, 3.0, expanded.Payload["previous_radius_km"])
	assert.Equal(t, 4.5, expanded.Payload["search_radius_km"])
	assert.Equal(t, []float64{3.0, 4.5}, h.src.radii())

	got := h.waitStatus(t, m.ID, models.StatusTechnicianRequested)
	assert.Equal(t, 4.5, got.SearchRadiusKm)
	assert.Equal(t, "t1", h.pendingRequest(t, m.ID).TechnicianID)
	requireValidPath(t, h.rec.eventsFor(m.ID))
}

func TestNoCandidatesAtMaxRadiusFails(t *testing.T) {
	h := newHarness(t)

	m := h.create(t, "R1")
	got := h.waitStatus(t, m.ID, models.StatusFailed)
	assert.Equal(t, ReasonNoTechnicians, got.FailureReason)
	assert.Equal(t, 10.0, got.SearchRadiusKm)

	radii := h.src.radii()
	assert.Equal(t, []float64{3.0, 4.5, 6.75, 10.0}, radii)
	for i := 1; i < len(radii); i++ {
		assert.GreaterOrEqual(t, radii[i], radii[i-1])
		assert.LessOrEqual(t, radii[i], 10.0)
	}

	assert.Equal(t, 3, h.rec.count(m.ID, models.EventSearchRadiusExpanded))
	assert.Equal(t, 1, h.rec.count(m.ID, models.EventMatchingFailed))
	assert.Equal(t, true, h.rec.last(m.ID, models.EventMatchingFailed).Payload["retry_available"])
	require.Len(t, h.rec.consumerPushes(), 1)
	assert.Equal(t, "true", h.rec.consumerPushes()[0].data["retry_available"])
	requireValidPath(t, h.rec.eventsFor(m.ID))
}

func TestSmallMaxDistanceCapsInitialRadius(t *testing.T) {
	h := newHarness(t)
	maxKm := 2.0
	m, err := h.o.CreateMatching(context.Background(), CreateInput{ReservationID: "R1", MaxDistanceKm: &maxKm})
	require.NoError(t, err)
	assert.Equal(t, 2.0, m.SearchRadiusKm)

	h.waitStatus(t, m.ID, models.StatusFailed)
	assert.Equal(t, []float64{2.0}, h.src.radii())
}

func TestExpiredRequestOffersNextCandidate(t *testing.T) {
	h := newHarness(t)
	h.src.set(cand("t1", 1.0, 4.5, 50), cand("t2", 2.0, 4.5, 50))

	m := h.create(t, "R1")
	h.waitEvent(t, m.ID, models.EventTechnicianRequested, 1)
	require.Equal(t, "t1", h.pendingRequest(t, m.ID).TechnicianID)

	h.clock.Advance(2 * time.Minute)

	reqs := h.requests(t, m.ID)
	require.Len(t, reqs, 2)
	assert.Equal(t, "t1", reqs[0].TechnicianID)
	assert.Equal(t, models.RequestExpired, reqs[0].Status)
	require.NotNil(t, reqs[0].DeclineReason)
	assert.Equal(t, DeclineRequestExpired, *reqs[0].DeclineReason)
	assert.Equal(t, "t2", reqs[1].TechnicianID)
	assert.Equal(t, models.RequestPending, reqs[1].Status)
	assert.Contains(t, h.src.lastExclude(), "t1")

	got, err := h.o.GetMatching(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, models.StatusTechnicianRequested, got.Status)

	declined := h.rec.last(m.ID, models.EventTechnicianDeclined)
	assert.Equal(t, true, declined.Payload["expired"])
	assert.Equal(t, "t1", declined.Payload["technician_id"])
	assert.Equal(t, 2, h.rec.last(m.ID, models.EventTechnicianRequested).Payload["attempt"])
	requireValidPath(t, h.rec.eventsFor(m.ID))
}

func TestLateResponseExpiresInline(t *testing.T) {
	h := newHarness(t)
	h.src.set(cand("t1", 1.0, 4.5, 50), cand("t2", 2.0, 4.5, 50))

	m := h.create(t, "R1")
	h.waitEvent(t, m.ID, models.EventTechnicianRequested, 1)

	h.clock.Skip(3 * time.Minute)
	_, err := h.respond(m.ID, "t1", true)
	assert.ErrorIs(t, err, ErrRequestExpired)

	reqs := h.requests(t, m.ID)
	require.Len(t, reqs, 2)
	assert.Equal(t, models.RequestExpired, reqs[0].Status)
	assert.Equal(t, "t2", reqs[1].TechnicianID)
	assert.Empty(t, h.gw.Jobs())

	// The first request's timer was disarmed; the second is not due yet.
	h.clock.Advance(0)
	assert.Equal(t, models.RequestPending, h.requests(t, m.ID)[1].Status)
}

func TestDeclineDisarmsTimer(t *testing.T) {
	h := newHarness(t)
	h.src.set(cand("t1", 1.0, 4.5, 50), cand("t2", 2.0, 4.5, 50))

	m := h.create(t, "R1")
	h.waitEvent(t, m.ID, models.EventTechnicianRequested, 1)

	h.clock.Skip(time.Minute)
	got, err := h.respond(m.ID, "t1", false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTechnicianRequested, got.Status)
	assert.Equal(t, 1, got.Attempts)

	// Past the first request's deadline, before the second's.
	h.clock.Advance(time.Minute + time.Second)
	reqs := h.requests(t, m.ID)
	require.Len(t, reqs, 2)
	assert.Equal(t, models.RequestDeclined, reqs[0].Status)
	assert.Equal(t, models.RequestPending, reqs[1].Status)

	declined := h.rec.last(m.ID, models.EventTechnicianDeclined)
	assert.Equal(t, "busy", declined.Payload["reason"])
	assert.Equal(t, false, declined.Payload["expired"])
}

func TestThreeDeclinesExhaustAttempts(t *testing.T) {
	h := newHarness(t)
	h.src.set(cand("t1", 1.0, 4.5, 50), cand("t2", 2.0, 4.5, 50), cand("t3", 2.5, 4.5, 50))

	m := h.create(t, "R1")
	h.waitEvent(t, m.ID, models.EventTechnicianRequested, 1)

	var got *models.Matching
	for i := 0; i < 3; i++ {
		req := h.pendingRequest(t, m.ID)
		var err error
		got, err = h.respond(m.ID, req.TechnicianID, false)
		require.NoError(t, err)
	}

	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, ReasonMaxRetries, got.FailureReason)

	offered := map[string]bool{}
	for _, r := range h.requests(t, m.ID) {
		assert.Equal(t, models.RequestDeclined, r.Status)
		offered[r.TechnicianID] = true
	}
	assert.Len(t, offered, 3, "every candidate is offered exactly once")

	assert.Equal(t, 1, h.rec.count(m.ID, models.EventMatchingFailed))
	assert.Equal(t, false, h.rec.last(m.ID, models.EventMatchingFailed).Payload["retry_available"])
	assert.Len(t, h.rec.consumerPushes(), 1)
	assert.Len(t, h.rec.technicianPushes(), 3)
	requireValidPath(t, h.rec.eventsFor(m.ID))
}

func TestUnrecordedOfferFailsMatching(t *testing.T) {
	h := newHarness(t)
	h.withStore(t, &offerFailingStore{MemoryStore: h.store, n: 1}, testConfig())
	h.src.set(cand("t1", 1.0, 4.5, 50))

	m := h.create(t, "R1")
	failed := h.waitStatus(t, m.ID, models.StatusFailed)
	assert.Equal(t, ReasonOfferFailed, failed.FailureReason)
	assert.Nil(t, failed.RequestExpiry)

	reqs := h.requests(t, m.ID)
	require.Len(t, reqs, 1)
	assert.Equal(t, models.RequestExpired, reqs[0].Status)
	require.NotNil(t, reqs[0].DeclineReason)
	assert.Equal(t, DeclineOfferFailed, *reqs[0].DeclineReason)
	assert.Zero(t, h.rec.count(m.ID, models.EventTechnicianRequested))
	assert.Equal(t, 1, h.rec.count(m.ID, models.EventMatchingFailed))

	// the failed matching can be reopened once the store recovers
	h.clock.Skip(time.Minute)
	_, err := h.o.RetryMatching(context.Background(), m.ID)
	require.NoError(t, err)
	h.waitEvent(t, m.ID, models.EventTechnicianRequested, 1)
}

func TestCancelStopsMatching(t *testing.T) {
	h := newHarness(t)
	h.src.set(cand("t1", 1.0, 4.5, 50), cand("t2", 2.0, 4.5, 50))

	m := h.create(t, "R1")
	h.waitEvent(t, m.ID, models.EventTechnicianRequested, 1)

	got, err := h.o.CancelMatching(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)

	reqs := h.requests(t, m.ID)
	require.Len(t, reqs, 1)
	assert.Equal(t, models.RequestExpired, reqs[0].Status)
	require.NotNil(t, reqs[0].DeclineReason)
	assert.Equal(t, DeclineMatchingCancelled, *reqs[0].DeclineReason)

	// The accept lost the race: discarded without an error.
	late, err := h.respond(m.ID, "t1", true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, late.Status)
	assert.Empty(t, h.gw.Jobs())

	again, err := h.o.CancelMatching(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, again.Status)

	before := len(h.rec.eventsFor(m.ID))
	h.clock.Advance(5 * time.Minute)
	assert.Len(t, h.rec.eventsFor(m.ID), before, "no events after cancellation")
	assert.Equal(t, 1, h.rec.count(m.ID, models.EventMatchingCancelled))
	requireValidPath(t, h.rec.eventsFor(m.ID))

	ok, err := h.lock.Acquire(context.Background(), "t1", "other", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}


func TestLateExpiryDoesNotRecreateSession(t *testing.T) {
	h := newHarness(t)
	h.src.set(cand("t1", 1.0, 4.5, 50))

	m := h.create(t, "R1")
	h.waitEvent(t, m.ID, models.EventTechnicianRequested, 1)
	req := h.pendingRequest(t, m.ID)

	_, err := h.o.CancelMatching(context.Background(), m.ID)
	require.NoError(t, err)

	// a timer callback that fired just before cancellation stopped it
	h.o.onExpire(m.ID, req.ID, 1)

	h.o.mu.Lock()
	_, ok := h.o.sessions[m.ID]
	h.o.mu.Unlock()
	assert.False(t, ok)
	assert.Equal(t, 0, h.rec.count(m.ID, models.EventTechnicianDeclined))
}
func TestCancelUnknownMatching(t *testing.T) {
	h := newHarness(t)
	_, err := h.o.CancelMatching(context.Background(), "nope")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestOneActiveMatchingPerReservation(t *testing.T) {
	h := newHarness(t)
	h.src.set(cand("t1", 1.0, 4.5, 50))

	var wg sync.WaitGroup
	var created, conflicts atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.o.CreateMatching(context.Background(), CreateInput{ReservationID: "R1"})
			switch {
			case err == nil:
				created.Add(1)
			case assert.ErrorIs(t, err, ErrActiveMatchingExists):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(9), conflicts.Load())

	_, err := h.o.CreateMatching(context.Background(), CreateInput{ReservationID: "R1"})
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestCreateMatchingValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	negative := -1.0

	_, err := h.o.CreateMatching(ctx, CreateInput{ReservationID: "R1", PriorityFactors: []string{"distance", "price"}})
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = h.o.CreateMatching(ctx, CreateInput{ReservationID: "R1", PriorityFactors: []string{"rating", "rating"}})
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = h.o.CreateMatching(ctx, CreateInput{ReservationID: "R1", MaxDistanceKm: &negative})
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = h.o.CreateMatching(ctx, CreateInput{ReservationID: "  "})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.o.GetMatchingByReservation(ctx, "R1")
	assert.ErrorIs(t, err, errs.ErrNotFound, "rejected commands leave no state behind")
}

func TestCustomFactorsAreStored(t *testing.T) {
	h := newHarness(t)
	h.src.set(cand("near", 0.5, 3.0, 5), cand("star", 2.5, 5.0, 400))

	m, err := h.o.CreateMatching(context.Background(), CreateInput{ReservationID: "R1", PriorityFactors: []string{"rating", "experience"}})
	require.NoError(t, err)
	assert.Equal(t, []models.Factor{models.FactorRating, models.FactorExperience}, m.PriorityFactors)

	h.waitEvent(t, m.ID, models.EventTechnicianRequested, 1)
	assert.Equal(t, "star", h.pendingRequest(t, m.ID).TechnicianID)
}

func TestMissingReservationFails(t *testing.T) {
	h := newHarness(t)

	m := h.create(t, "R404")
	got := h.waitStatus(t, m.ID, models.StatusFailed)
	assert.Equal(t, ReasonReservationNotFound, got.FailureReason)
	assert.Equal(t, []models.EventType{models.EventMatchingStarted, models.EventMatchingFailed}, h.rec.types(m.ID))
	assert.Equal(t, false, h.rec.last(m.ID, models.EventMatchingFailed).Payload["retry_available"])
	assert.Empty(t, h.src.radii())
}

func TestTransientReservationErrorsAreRetried(t *testing.T) {
	h := newHarness(t)
	h.gw.reservationFails = 2
	h.src.set(cand("t1", 1.0, 4.5, 50))

	m := h.create(t, "R1")
	h.waitEvent(t, m.ID, models.EventTechnicianRequested, 1)

	h.gw.mu.Lock()
	defer h.gw.mu.Unlock()
	assert.Equal(t, 3, h.gw.reservationCalls)
}

func TestJobFailureLeavesMatchWithWarning(t *testing.T) {
	h := newHarness(t)
	h.gw.jobsAlwaysFail = true
	h.src.set(cand("t1", 1.0, 4.5, 50))

	m := h.create(t, "R1")
	h.waitEvent(t, m.ID, models.EventTechnicianRequested, 1)

	got, err := h.respond(m.ID, "t1", true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusMatched, got.Status)
	assert.Equal(t, WarningJobCreationFailed, got.Warning)

	stored, err := h.o.GetMatching(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, WarningJobCreationFailed, stored.Warning)

	res, err := h.gw.GetReservation(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, models.ReservationConfirmed, res.Status)
	assert.Equal(t, 1, h.rec.count(m.ID, models.EventMatchingWarning))
	assert.Equal(t, models.EventMatchingWarning, h.rec.types(m.ID)[len(h.rec.types(m.ID))-1])
}

func TestTechnicianCannotBeCommittedTwice(t *testing.T) {
	h := newHarness(t)
	h.addReservation("R2", "u-2")
	h.src.set(cand("t1", 1.0, 4.5, 50))

	m1 := h.create(t, "R1")
	m2 := h.create(t, "R2")
	h.waitEvent(t, m1.ID, models.EventTechnicianRequested, 1)
	h.waitEvent(t, m2.ID, models.EventTechnicianRequested, 1)

	_, err := h.respond(m1.ID, "t1", true)
	require.NoError(t, err)

	_, err = h.respond(m2.ID, "t1", true)
	assert.ErrorIs(t, err, ErrTechnicianUnavailable)

	reqs := h.requests(t, m2.ID)
	require.Len(t, reqs, 1)
	assert.Equal(t, models.RequestDeclined, reqs[0].Status)
	require.NotNil(t, reqs[0].DeclineReason)
	assert.Equal(t, DeclineTechnicianUnavailable, *reqs[0].DeclineReason)

	second, err := h.o.GetMatching(context.Background(), m2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, second.Status)
	assert.Equal(t, ReasonNoTechnicians, second.FailureReason)
	assert.Len(t, h.gw.Jobs(), 1)
}

func TestRetryReopensFailedMatching(t *testing.T) {
	h := newHarness(t)

	m := h.create(t, "R1")
	failed := h.waitStatus(t, m.ID, models.StatusFailed)
	assert.Equal(t, 10.0, failed.SearchRadiusKm)

	h.src.set(cand("t1", 1.0, 4.5, 50))
	h.clock.Skip(time.Minute)
	got, err := h.o.RetryMatching(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, 3.0, got.SearchRadiusKm)
	assert.Empty(t, got.FailureReason)
	assert.Equal(t, t0.Add(time.Minute), got.StartedAt)

	h.waitEvent(t, m.ID, models.EventTechnicianRequested, 1)
	assert.Equal(t, 2, h.rec.count(m.ID, models.EventMatchingStarted))

	_, err = h.o.RetryMatching(context.Background(), m.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestRetryBlockedByNewerActiveMatching(t *testing.T) {
	h := newHarness(t)

	first := h.create(t, "R1")
	h.waitStatus(t, first.ID, models.StatusFailed)

	h.src.set(cand("t1", 1.0, 4.5, 50))
	h.clock.Skip(time.Second)
	second := h.create(t, "R1")
	h.waitEvent(t, second.ID, models.EventTechnicianRequested, 1)

	_, err := h.o.RetryMatching(context.Background(), first.ID)
	assert.ErrorIs(t, err, ErrActiveMatchingExists)

	latest, err := h.o.GetMatchingByReservation(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
}

func TestRetryRacingCreateKeepsOneActiveMatching(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := newHarness(t)
		first := h.create(t, "R1")
		h.waitStatus(t, first.ID, models.StatusFailed)
		h.src.set(cand("t1", 1.0, 4.5, 50))

		var wg sync.WaitGroup
		var retryErr, createErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, retryErr = h.o.RetryMatching(context.Background(), first.ID)
		}()
		go func() {
			defer wg.Done()
			_, createErr = h.o.CreateMatching(context.Background(), CreateInput{ReservationID: "R1"})
		}()
		wg.Wait()

		require.True(t, (retryErr == nil) != (createErr == nil), "exactly one command wins: retry=%v create=%v", retryErr, createErr)
		for _, err := range []error{retryErr, createErr} {
			if err != nil {
				require.ErrorIs(t, err, ErrActiveMatchingExists)
			}
		}

		active, err := h.store.ListActiveStartedBefore(context.Background(), h.clock.Now().Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, active, 1)
	}
}

func TestExpireStaleMatchings(t *testing.T) {
	h := newHarness(t)
	h.src.set(cand("t1", 1.0, 4.5, 50))

	m := h.create(t, "R1")
	h.waitEvent(t, m.ID, models.EventTechnicianRequested, 1)

	n, err := h.o.ExpireStale(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Skip(16 * time.Minute)
	n, err = h.o.ExpireStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.o.GetMatching(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)
	assert.Equal(t, models.RequestExpired, h.requests(t, m.ID)[0].Status)
	assert.Equal(t, true, h.rec.last(m.ID, models.EventMatchingExpired).Payload["retry_available"])
	assert.Len(t, h.rec.consumerPushes(), 1)

	retried, err := h.o.RetryMatching(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, retried.Status)
}

func TestMatchingExpiryDisabled(t *testing.T) {
	h := newHarness(t, func(c *config.MatchingConfig) { c.MatchingExpiry = 0 })
	h.src.set(cand("t1", 1.0, 4.5, 50))
	m := h.create(t, "R1")
	h.waitEvent(t, m.ID, models.EventTechnicianRequested, 1)

	h.clock.Skip(time.Hour)
	n, err := h.o.ExpireStale(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecoverRearmsPendingRequest(t *testing.T) {
	h := newHarness(t)
	h.src.set(cand("t1", 1.0, 4.5, 50), cand("t2", 2.0, 4.5, 50))
	ctx := context.Background()

	expiry := t0.Add(2 * time.Minute)
	require.NoError(t, h.store.CreateMatching(ctx, &models.Matching{
		ID: "m-old", ReservationID: "R1", Status: models.StatusTechnicianRequested,
		SearchRadiusKm: 3, MaxDistanceKm: 10, PriorityFactors: models.DefaultFactors,
		RequestExpiry: &expiry, StartedAt: t0, CreatedAt: t0, UpdatedAt: t0,
	}))
	require.NoError(t, h.store.CreateRequest(ctx, &models.MatchingRequest{
		ID: "q-old", MatchingID: "m-old", TechnicianID: "t1", Status: models.RequestPending,
		DistanceKm: 1, RequestExpiry: expiry, CreatedAt: t0,
	}))

	require.NoError(t, h.o.Recover(ctx))
	h.clock.Advance(2 * time.Minute)

	reqs := h.requests(t, "m-old")
	require.Len(t, reqs, 2)
	assert.Equal(t, models.RequestExpired, reqs[0].Status)
	assert.Equal(t, "t2", reqs[1].TechnicianID, "history seeds the exclusion list")
	assert.Equal(t, []string{"t1"}, h.src.lastExclude())
}

func TestRecoverIgnoresRequestsFromBeforeRetry(t *testing.T) {
	h := newHarness(t)
	h.src.set(cand("t1", 1.0, 4.5, 50), cand("t2", 2.0, 4.5, 50))
	ctx := context.Background()

	// t1 declined during the first run; the matching was retried an hour later
	retried := t0.Add(time.Hour)
	h.clock.Skip(time.Hour)
	expiry := retried.Add(2 * time.Minute)
	require.NoError(t, h.store.CreateMatching(ctx, &models.Matching{
		ID: "m-retried", ReservationID: "R1", Status: models.StatusTechnicianRequested,
		SearchRadiusKm: 3, MaxDistanceKm: 10, PriorityFactors: models.DefaultFactors,
		RequestExpiry: &expiry, StartedAt: retried, CreatedAt: t0, UpdatedAt: retried,
	}))
	declined := "busy"
	require.NoError(t, h.store.CreateRequest(ctx, &models.MatchingRequest{
		ID: "q-first", MatchingID: "m-retried", TechnicianID: "t1", Status: models.RequestDeclined,
		DeclineReason: &declined, DistanceKm: 1, RequestExpiry: t0.Add(2 * time.Minute), CreatedAt: t0,
	}))
	require.NoError(t, h.store.CreateRequest(ctx, &models.MatchingRequest{
		ID: "q-current", MatchingID: "m-retried", TechnicianID: "t2", Status: models.RequestPending,
		DistanceKm: 2, RequestExpiry: expiry, CreatedAt: retried,
	}))

	require.NoError(t, h.o.Recover(ctx))
	h.clock.Advance(2 * time.Minute)

	reqs := h.requests(t, "m-retried")
	require.Len(t, reqs, 3)
	assert.Equal(t, models.RequestExpired, reqs[1].Status)
	assert.Equal(t, "t1", reqs[2].TechnicianID, "the earlier run's decline does not exclude t1")
	assert.Equal(t, []string{"t2"}, h.src.lastExclude())
}
