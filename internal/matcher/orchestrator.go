// Package matcher drives matchings from creation to a terminal state.
//
// Each matching is owned by a session holding a mutex. Every transition for
// a matching runs with that mutex held, so transitions never interleave and
// events leave in the order the transitions happened. Sessions are created on
// demand and dropped once the matching reaches a terminal status.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/example/technician-matching/internal/config"
	"github.com/example/technician-matching/internal/eta"
	"github.com/example/technician-matching/internal/lock"
	"github.com/example/technician-matching/internal/models"
	"github.com/example/technician-matching/internal/observability"
	"github.com/example/technician-matching/internal/storage"
)

// CandidateSource finds technicians available near a location. It returns an
// empty slice, not an error, when nobody qualifies.
type CandidateSource interface {
	FindAvailable(ctx context.Context, serviceID string, loc models.Coord, radiusKm float64, exclude []string) ([]models.Candidate, error)
}

// Gateway is the set of calls made to the reservation, directory and job services.
type Gateway interface {
	GetReservation(ctx context.Context, id string) (models.Reservation, error)
	UpdateReservationStatus(ctx context.Context, id, status, technicianID string) error
	CreateJob(ctx context.Context, reservationID, technicianID string) (models.Job, error)
	GetTechnician(ctx context.Context, id string) (models.Technician, error)
}

// Notifier publishes matching events and push notifications.
type Notifier interface {
	Emit(ctx context.Context, ev models.MatchingEvent) error
	NotifyConsumer(ctx context.Context, userID, title, body string, data map[string]string) error
	NotifyTechnician(ctx context.Context, technicianID, title, body string, data map[string]string) error
}

type Timer interface {
	Stop() bool
}

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time                            { return time.Now() }
func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Deps are the collaborators of an Orchestrator. Lock, ETA, Clock and Logger
// are optional.
type Deps struct {
	Store    storage.MatchingStore
	Source   CandidateSource
	Gateway  Gateway
	Notifier Notifier
	Lock     lock.TechnicianLock
	ETA      *eta.Estimator
	Clock    Clock
	Logger   *slog.Logger
}

type Orchestrator struct {
	store    storage.MatchingStore
	source   CandidateSource
	gateway  Gateway
	notifier Notifier
	techLock lock.TechnicianLock
	eta      *eta.Estimator
	clock    Clock
	cfg      config.MatchingConfig
	logger   *slog.Logger

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
	gens     atomic.Uint64
}

func New(deps Deps, cfg config.MatchingConfig) *Orchestrator {
	o := &Orchestrator{
		store:    deps.Store,
		source:   deps.Source,
		gateway:  deps.Gateway,
		notifier: deps.Notifier,
		techLock: deps.Lock,
		eta:      deps.ETA,
		clock:    deps.Clock,
		cfg:      cfg,
		logger:   deps.Logger,
		sessions: make(map[string]*session),
	}
	if o.techLock == nil {
		o.techLock = lock.NewMemory()
	}
	if o.eta == nil {
		o.eta = &eta.Estimator{SpeedMps: 10}
	}
	if o.clock == nil {
		o.clock = realClock{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "matcher")
	o.ctx, o.stop = context.WithCancel(context.Background())
	return o
}

// Shutdown stops all timers and in-flight runs and waits for the run
// goroutines to return or ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stop()
	o.mu.Lock()
	live := make([]*session, 0, len(o.sessions))
	for _, s := range o.sessions {
		live = append(live, s)
	}
	o.mu.Unlock()
	for _, s := range live {
		s.mu.Lock()
		s.stopTimer(o.nextGen())
		s.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type CreateInput struct {
	ReservationID   string
	MaxDistanceKm   *float64
	PriorityFactors []string
}

// CreateMatching persists a pending matching for the reservation and starts
// driving it in the background. Only one active matching may exist per
// reservation.
func (o *Orchestrator) CreateMatching(ctx context.Context, in CreateInput) (*models.Matching, error) {
	reservationID := strings.TrimSpace(in.ReservationID)
	if reservationID == "" {
		return nil, fmt.Errorf("%w: reservation_id is required", ErrInvalidInput)
	}
	factors, err := models.ParseFactors(in.PriorityFactors)
	if err != nil {
		return nil, err
	}
	maxDistance := o.cfg.MaxDistanceKm
	if in.MaxDistanceKm != nil {
		if *in.MaxDistanceKm <= 0 || math.IsNaN(*in.MaxDistanceKm) || math.IsInf(*in.MaxDistanceKm, 0) {
			return nil, fmt.Errorf("%w: max_distance_km must be a positive number", ErrInvalidInput)
		}
		maxDistance = *in.MaxDistanceKm
	}

	now := o.clock.Now()
	m := &models.Matching{
		ID:              uuid.NewString(),
		ReservationID:   reservationID,
		Status:          models.StatusPending,
		SearchRadiusKm:  math.Min(o.cfg.DefaultRadiusKm, maxDistance),
		MaxDistanceKm:   maxDistance,
		PriorityFactors: factors,
		StartedAt:       now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := o.store.CreateMatching(ctx, m); err != nil {
		return nil, err
	}
	observability.MatchingsCreated.Inc()
	o.logger.Info("matching created", "matching_id", m.ID, "reservation_id", m.ReservationID, "max_distance_km", maxDistance)

	o.launch(m.ID, o.start)
	return m.Clone(), nil
}

func (o *Orchestrator) GetMatching(ctx context.Context, id string) (*models.Matching, error) {
	return o.store.GetMatching(ctx, id)
}

func (o *Orchestrator) GetMatchingByReservation(ctx context.Context, reservationID string) (*models.Matching, error) {
	return o.store.GetLatestByReservation(ctx, reservationID)
}

// Requests returns the offer history of a matching, oldest first.
func (o *Orchestrator) Requests(ctx context.Context, matchingID string) ([]*models.MatchingRequest, error) {
	if _, err := o.store.GetMatching(ctx, matchingID); err != nil {
		return nil, err
	}
	return o.store.ListRequests(ctx, matchingID)
}

// CancelMatching stops a matching in any non-terminal state. A matching that
// already reached a terminal state is returned unchanged.
func (o *Orchestrator) CancelMatching(ctx context.Context, id string) (*models.Matching, error) {
	// Preempt in-flight searches so the lock frees up quickly.
	o.session(id).cancelRun()

	s := o.lock(id)
	var m *models.Matching
	defer func() { o.unlock(s, m) }()

	m, err := o.load(ctx, s, id)
	if err != nil {
		return nil, err
	}
	if !m.Status.IsActive() {
		return m, nil
	}
	s.stopTimer(o.nextGen())
	o.closeRequests(m, DeclineMatchingCancelled)

	m.RequestExpiry = nil
	if err := o.transition(m, models.StatusCancelled); err != nil {
		return nil, err
	}
	observability.MatchingOutcomes.WithLabelValues(string(models.StatusCancelled)).Inc()
	o.emit(m, models.EventMatchingCancelled, map[string]any{"attempts": m.Attempts})
	o.logger.Info("matching cancelled", "matching_id", m.ID, "reservation_id", m.ReservationID)
	return m.Clone(), nil
}

// RetryMatching reopens a failed or expired matching with a fresh attempt
// budget and initial radius.
func (o *Orchestrator) RetryMatching(ctx context.Context, id string) (*models.Matching, error) {
	s := o.lock(id)
	var m *models.Matching
	defer func() { o.unlock(s, m) }()

	m, err := o.load(ctx, s, id)
	if err != nil {
		return nil, err
	}
	if !m.Status.Retryable() {
		return nil, fmt.Errorf("%w: cannot retry a %s matching", ErrInvalidState, m.Status)
	}
	latest, err := o.store.GetLatestByReservation(ctx, m.ReservationID)
	if err != nil {
		return nil, err
	}
	if latest.ID != m.ID && latest.Status.IsActive() {
		return nil, ErrActiveMatchingExists
	}

	now := o.clock.Now()
	m.Attempts = 0
	m.SearchRadiusKm = math.Min(o.cfg.DefaultRadiusKm, m.MaxDistanceKm)
	m.FailureReason = ""
	m.Warning = ""
	m.TechnicianID = ""
	m.MatchedAt = nil
	m.EstimatedArrival = nil
	m.RequestExpiry = nil
	m.StartedAt = now
	if err := o.transition(m, models.StatusPending); err != nil {
		return nil, err
	}
	s.resetExclusions()
	o.logger.Info("matching retried", "matching_id", m.ID, "reservation_id", m.ReservationID)

	o.launch(m.ID, o.start)
	return m.Clone(), nil
}

// Expire forces an active matching whose overall deadline passed into
// expired. It is called by the expiry sweeper.
func (o *Orchestrator) Expire(ctx context.Context, id string) (*models.Matching, error) {
	o.session(id).cancelRun()

	s := o.lock(id)
	var m *models.Matching
	defer func() { o.unlock(s, m) }()

	m, err := o.load(ctx, s, id)
	if err != nil {
		return nil, err
	}
	if !m.Status.IsActive() {
		return m, nil
	}
	s.stopTimer(o.nextGen())
	o.closeRequests(m, DeclineMatchingExpired)

	m.RequestExpiry = nil
	if err := o.transition(m, models.StatusExpired); err != nil {
		return nil, err
	}
	observability.MatchingOutcomes.WithLabelValues(string(models.StatusExpired)).Inc()
	o.emit(m, models.EventMatchingExpired, map[string]any{"attempts": m.Attempts, "retry_available": true})
	o.notifyConsumer(s, m, "Still looking", "We could not find a technician in time. You can try again.", map[string]string{
		"retry_available": "true",
	})
	o.logger.Info("matching expired", "matching_id", m.ID, "reservation_id", m.ReservationID)
	return m.Clone(), nil
}

// ExpireStale expires every active matching that started before the
// configured matching deadline. It returns how many were expired.
func (o *Orchestrator) ExpireStale(ctx context.Context) (int, error) {
	if o.cfg.MatchingExpiry <= 0 {
		return 0, nil
	}
	stale, err := o.store.ListActiveStartedBefore(ctx, o.clock.Now().Add(-o.cfg.MatchingExpiry))
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, m := range stale {
		got, err := o.Expire(ctx, m.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", m.ID, err))
			continue
		}
		if got.Status == models.StatusExpired {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// Recover resumes matchings left active by a previous process: pending
// requests get their expiry timer back and interrupted searches restart.
// Matchings stuck elsewhere are left for the expiry sweeper.
func (o *Orchestrator) Recover(ctx context.Context) error {
	active, err := o.store.ListActiveStartedBefore(ctx, o.clock.Now().Add(time.Second))
	if err != nil {
		return err
	}
	for _, m := range active {
		switch m.Status {
		case models.StatusPending:
			o.launch(m.ID, o.start)
		case models.StatusSearching:
			o.launch(m.ID, o.resume)
		case models.StatusTechnicianRequested:
			o.rearm(ctx, m)
		default:
			o.logger.Warn("matching left for sweeper", "matching_id", m.ID, "status", m.Status)
		}
	}
	return nil
}

func (o *Orchestrator) rearm(ctx context.Context, m *models.Matching) {
	s := o.lock(m.ID)
	defer s.mu.Unlock()
	reqs, err := o.store.ListRequests(ctx, m.ID)
	if err != nil {
		o.logger.Error("recover requests failed", "matching_id", m.ID, "error", err)
		return
	}
	for _, r := range reqs {
		if r.Status == models.RequestPending {
			o.arm(s, m.ID, r.ID, r.RequestExpiry.Sub(o.clock.Now()))
			return
		}
	}
	o.logger.Warn("requested matching has no pending request", "matching_id", m.ID)
}

// launch runs fn for the matching on a fresh run context.
func (o *Orchestrator) launch(id string, fn func(ctx context.Context, id string)) {
	ctx := o.session(id).startRun(o.ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn(ctx, id)
	}()
}

// load reads the matching under its session lock. A missing matching drops
// the session that was created for the lookup.
func (o *Orchestrator) load(ctx context.Context, s *session, id string) (*models.Matching, error) {
	m, err := o.store.GetMatching(ctx, id)
	if errors.Is(err, storage.ErrMatchingNotFound) {
		o.closeSession(s)
	}
	return m, err
}

// transition validates and persists a status change.
func (o *Orchestrator) transition(m *models.Matching, to models.MatchingStatus) error {
	if err := m.Status.ValidateTransition(to); err != nil {
		return err
	}
	prev := m.Status
	m.Status = to
	if err := o.save(m); err != nil {
		m.Status = prev
		return err
	}
	o.logger.Debug("matching transition", "matching_id", m.ID, "from", prev, "to", to)
	return nil
}

func (o *Orchestrator) save(m *models.Matching) error {
	m.UpdatedAt = o.clock.Now()
	if err := o.store.UpdateMatching(o.ctx, m); err != nil {
		return fmt.Errorf("persist matching %s: %w", m.ID, err)
	}
	return nil
}

func (o *Orchestrator) emit(m *models.Matching, typ models.EventType, payload map[string]any) {
	ev := models.MatchingEvent{
		Type:          typ,
		MatchingID:    m.ID,
		ReservationID: m.ReservationID,
		Status:        m.Status,
		Payload:       payload,
		OccurredAt:    o.clock.Now(),
	}
	if err := o.notifier.Emit(o.ctx, ev); err != nil {
		o.logger.Warn("emit event failed", "matching_id", m.ID, "event", typ, "error", err)
	}
}

func (o *Orchestrator) notifyConsumer(s *session, m *models.Matching, title, body string, data map[string]string) {
	res, err := o.reservationFor(s, m)
	if err != nil {
		o.logger.Warn("consumer notification skipped", "matching_id", m.ID, "error", err)
		return
	}
	if data == nil {
		data = map[string]string{}
	}
	data["matching_id"] = m.ID
	data["reservation_id"] = m.ReservationID
	data["status"] = string(m.Status)
	if err := o.notifier.NotifyConsumer(o.ctx, res.ConsumerID, title, body, data); err != nil {
		o.logger.Warn("consumer notification failed", "matching_id", m.ID, "error", err)
	}
}

// closeRequests expires any pending request and releases technician locks
// this matching may hold.
func (o *Orchestrator) closeRequests(m *models.Matching, reason string) {
	reqs, err := o.store.ListRequests(o.ctx, m.ID)
	if err != nil {
		o.logger.Warn("list requests failed", "matching_id", m.ID, "error", err)
		return
	}
	now := o.clock.Now()
	for _, r := range reqs {
		if r.Status == models.RequestPending {
			err := o.store.ResolveRequest(o.ctx, r.ID, models.RequestExpired, &reason, now)
			if err != nil && !errors.Is(err, storage.ErrRequestNotPending) {
				o.logger.Warn("close request failed", "matching_id", m.ID, "request_id", r.ID, "error", err)
			}
		}
		if err := o.techLock.Release(o.ctx, r.TechnicianID, m.ID); err != nil {
			o.logger.Warn("release technician lock failed", "technician_id", r.TechnicianID, "error", err)
		}
	}
}

func (o *Orchestrator) nextGen() uint64 { return o.gens.Add(1) }
