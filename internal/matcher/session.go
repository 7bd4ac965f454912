package matcher

import (
	"context"
	"sync"

	"github.com/example/technician-matching/internal/models"
	"github.com/example/technician-matching/internal/observability"
)

// session is the serialization point of one matching.
type session struct {
	id string

	mu          sync.Mutex
	closed      bool
	gen         uint64 // stamp of the armed expiry timer
	timer       Timer
	seeded      bool
	excluded    []string
	excludedSet map[string]bool
	reservation *models.Reservation

	runMu  sync.Mutex
	cancel context.CancelFunc
	runCtx context.Context
}

func (o *Orchestrator) session(id string) *session {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[id]
	if !ok {
		s = &session{id: id, excludedSet: make(map[string]bool)}
		s.runCtx, s.cancel = context.WithCancel(o.ctx)
		o.sessions[id] = s
		observability.ActiveSessions.Inc()
	}
	return s
}

// lock returns the live session for id with its mutex held.
func (o *Orchestrator) lock(id string) *session {
	for {
		s := o.session(id)
		s.mu.Lock()
		if !s.closed {
			return s
		}
		s.mu.Unlock()
	}
}

// lockExisting is lock without creating a session; it returns nil when id
// has no live session.
func (o *Orchestrator) lockExisting(id string) *session {
	o.mu.Lock()
	s := o.sessions[id]
	o.mu.Unlock()
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	return s
}

// unlock releases s, dropping it first when m reached a terminal status.
func (o *Orchestrator) unlock(s *session, m *models.Matching) {
	if m != nil && !m.Status.IsActive() {
		o.closeSession(s)
	}
	s.mu.Unlock()
}

// closeSession must be called with s.mu held.
func (o *Orchestrator) closeSession(s *session) {
	if s.closed {
		return
	}
	s.closed = true
	s.stopTimer(o.nextGen())
	s.cancelRun()
	o.mu.Lock()
	if o.sessions[s.id] == s {
		delete(o.sessions, s.id)
		observability.ActiveSessions.Dec()
	}
	o.mu.Unlock()
}

// startRun replaces the run context, cancelling the previous one.
func (s *session) startRun(parent context.Context) context.Context {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.cancel()
	s.runCtx, s.cancel = context.WithCancel(parent)
	return s.runCtx
}

func (s *session) cancelRun() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.cancel()
}

func (s *session) ctx() context.Context {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.runCtx
}

// stopTimer disarms the expiry timer; gen invalidates a callback that is
// already running.
func (s *session) stopTimer(gen uint64) {
	s.gen = gen
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *session) exclude(technicianID string) {
	if s.excludedSet[technicianID] {
		return
	}
	s.excludedSet[technicianID] = true
	s.excluded = append(s.excluded, technicianID)
}

func (s *session) exclusions() []string {
	return append([]string(nil), s.excluded...)
}

func (s *session) resetExclusions() {
	s.excluded = nil
	s.excludedSet = make(map[string]bool)
	s.seeded = true
}
