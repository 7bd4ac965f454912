package matcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/technician-matching/internal/config"
	"github.com/example/technician-matching/internal/errs"
	"github.com/example/technician-matching/internal/gateway"
	"github.com/example/technician-matching/internal/lock"
	"github.com/example/technician-matching/internal/logging"
	"github.com/example/technician-matching/internal/models"
	"github.com/example/technician-matching/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// fakeClock only fires timers from Advance, on the caller's goroutine.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Skip moves time forward without firing timers.
func (c *fakeClock) Skip(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Advance moves time forward and runs every timer that became due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

type sourceCall struct {
	radiusKm float64
	exclude  []string
}

// fakeSource returns its candidates within the requested radius.
type fakeSource struct {
	mu    sync.Mutex
	cands []models.Candidate
	calls []sourceCall
}

func (f *fakeSource) set(cands ...models.Candidate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cands = cands
}

func (f *fakeSource) FindAvailable(_ context.Context, _ string, _ models.Coord, radiusKm float64, exclude []string) ([]models.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sourceCall{radiusKm: radiusKm, exclude: exclude})
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	out := []models.Candidate{}
	for _, c := range f.cands {
		if c.DistanceKm <= radiusKm && !skip[c.ID] {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeSource) radii() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]float64, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.radiusKm
	}
	return out
}

func (f *fakeSource) lastExclude() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1].exclude
}

type push struct {
	recipient string
	title     string
	data      map[string]string
}

type recorder struct {
	mu         sync.Mutex
	events     []models.MatchingEvent
	consumer   []push
	technician []push
}

func (r *recorder) Emit(_ context.Context, ev models.MatchingEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) NotifyConsumer(_ context.Context, userID, title, _ string, data map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumer = append(r.consumer, push{recipient: userID, title: title, data: data})
	return nil
}

func (r *recorder) NotifyTechnician(_ context.Context, technicianID, title, _ string, data map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.technician = append(r.technician, push{recipient: technicianID, title: title, data: data})
	return nil
}

func (r *recorder) eventsFor(matchingID string) []models.MatchingEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.MatchingEvent
	for _, ev := range r.events {
		if ev.MatchingID == matchingID {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) types(matchingID string) []models.EventType {
	var out []models.EventType
	for _, ev := range r.eventsFor(matchingID) {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) count(matchingID string, typ models.EventType) int {
	n := 0
	for _, ev := range r.eventsFor(matchingID) {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) last(matchingID string, typ models.EventType) models.MatchingEvent {
	var found models.MatchingEvent
	for _, ev := range r.eventsFor(matchingID) {
		if ev.Type == typ {
			found = ev
		}
	}
	return found
}

func (r *recorder) consumerPushes() []push {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]push(nil), r.consumer...)
}

func (r *recorder) technicianPushes() []push {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]push(nil), r.technician...)
}

// flakyGateway fails selected calls with a transient error.
type flakyGateway struct {
	*gateway.Memory
	mu                 sync.Mutex
	reservationFails   int
	reservationCalls   int
	jobsAlwaysFail     bool
	reservationUpdates int
}

func (f *flakyGateway) GetReservation(ctx context.Context, id string) (models.Reservation, error) {
	f.mu.Lock()
	f.reservationCalls++
	fail := f.reservationCalls <= f.reservationFails
	f.mu.Unlock()
	if fail {
		return models.Reservation{}, fmt.Errorf("%w: reservation service timeout", errs.ErrTransient)
	}
	return f.Memory.GetReservation(ctx, id)
}

func (f *flakyGateway) UpdateReservationStatus(ctx context.Context, id, status, technicianID string) error {
	f.mu.Lock()
	f.reservationUpdates++
	f.mu.Unlock()
	return f.Memory.UpdateReservationStatus(ctx, id, status, technicianID)
}

func (f *flakyGateway) CreateJob(ctx context.Context, reservationID, technicianID string) (models.Job, error) {
	if f.jobsAlwaysFail {
		return models.Job{}, fmt.Errorf("%w: job service unavailable", errs.ErrTransient)
	}
	return f.Memory.CreateJob(ctx, reservationID, technicianID)
}

type harness struct {
	o     *Orchestrator
	store *storage.MemoryStore
	gw    *flakyGateway
	src   *fakeSource
	rec   *recorder
	clock *fakeClock
	lock  *lock.Memory
}

func testConfig() config.MatchingConfig {
	cfg := config.DefaultMatchingConfig()
	cfg.GatewayRetryDelay = time.Millisecond
	return cfg
}

func newHarness(t *testing.T, tweak ...func(*config.MatchingConfig)) *harness {
	t.Helper()
	cfg := testConfig()
	for _, fn := range tweak {
		fn(&cfg)
	}
	h := &harness{
		store: storage.NewMemoryStore(),
		gw:    &flakyGateway{Memory: gateway.NewMemory()},
		src:   &fakeSource{},
		rec:   &recorder{},
		clock: newFakeClock(),
		lock:  lock.NewMemory(),
	}
	h.o = New(Deps{
		Store:    h.store,
		Source:   h.src,
		Gateway:  h.gw,
		Notifier: h.rec,
		Lock:     h.lock,
		Clock:    h.clock,
		Logger:   logging.Discard(),
	}, cfg)
	h.addReservation("R1", "u-1")
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.o.Shutdown(ctx)
	})
	return h
}

func (h *harness) addReservation(id, consumerID string) {
	h.gw.PutReservation(models.Reservation{
		ID:         id,
		ConsumerID: consumerID,
		ServiceID:  "plumbing",
		Location:   models.Coord{Lat: 40.7128, Lon: -74.0060},
		Status:     "pending",
	})
}

// offerFailingStore fails the next n saves that move a matching to
// technician_requested.
type offerFailingStore struct {
	*storage.MemoryStore
	mu sync.Mutex
	n  int
}

func (s *offerFailingStore) UpdateMatching(ctx context.Context, m *models.Matching) error {
	s.mu.Lock()
	fail := s.n > 0 && m.Status == models.StatusTechnicianRequested
	if fail {
		s.n--
	}
	s.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: database unavailable", errs.ErrTransient)
	}
	return s.MemoryStore.UpdateMatching(ctx, m)
}

// withStore rebuilds h.o on top of store, which must wrap h.store.
func (h *harness) withStore(t *testing.T, store storage.MatchingStore, cfg config.MatchingConfig) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.o.Shutdown(ctx))
	h.o = New(Deps{
		Store:    store,
		Source:   h.src,
		Gateway:  h.gw,
		Notifier: h.rec,
		Lock:     h.lock,
		Clock:    h.clock,
		Logger:   logging.Discard(),
	}, cfg)
}

func cand(id string, distanceKm, rating float64, jobs int) models.Candidate {
	return models.Candidate{ID: id, Name: "Tech " + id, Rating: rating, CompletedJobs: jobs, DistanceKm: distanceKm}
}

func (h *harness) create(t *testing.T, reservationID string) *models.Matching {
	t.Helper()
	m, err := h.o.CreateMatching(context.Background(), CreateInput{ReservationID: reservationID})
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, m.Status)
	return m
}

func (h *harness) waitEvent(t *testing.T, matchingID string, typ models.EventType, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.rec.count(matchingID, typ) >= n },
		2*time.Second, 5*time.Millisecond, "waiting for %d %s events", n, typ)
}

func (h *harness) waitStatus(t *testing.T, matchingID string, status models.MatchingStatus) *models.Matching {
	t.Helper()
	var m *models.Matching
	require.Eventually(t, func() bool {
		var err error
		m, err = h.o.GetMatching(context.Background(), matchingID)
		return err == nil && m.Status == status
	}, 2*time.Second, 5*time.Millisecond, "waiting for status %s", status)
	return m
}

func (h *harness) requests(t *testing.T, matchingID string) []*models.MatchingRequest {
	t.Helper()
	reqs, err := h.o.Requests(context.Background(), matchingID)
	require.NoError(t, err)
	pending := 0
	for _, r := range reqs {
		if r.Status == models.RequestPending {
			pending++
		}
	}
	require.LessOrEqual(t, pending, 1, "more than one pending request")
	return reqs
}

func (h *harness) pendingRequest(t *testing.T, matchingID string) *models.MatchingRequest {
	t.Helper()
	for _, r := range h.requests(t, matchingID) {
		if r.Status == models.RequestPending {
			return r
		}
	}
	t.Fatalf("matching %s has no pending request", matchingID)
	return nil
}

func (h *harness) respond(matchingID, technicianID string, accept bool) (*models.Matching, error) {
	in := RespondInput{MatchingID: matchingID, TechnicianID: technicianID, Accept: accept}
	if !accept {
		in.DeclineReason = strPtr("busy")
	}
	return h.o.RespondToMatching(context.Background(), in)
}

// requireValidPath checks the statuses carried by the events form a path
// through the transition table.
func requireValidPath(t *testing.T, events []models.MatchingEvent) {
	t.Helper()
	prev := models.StatusPending
	for _, ev := range events {
		if ev.Status == prev {
			continue
		}
		require.True(t, prev.CanTransitionTo(ev.Status), "invalid transition %s -> %s (%s)", prev, ev.Status, ev.Type)
		prev = ev.Status
	}
}
